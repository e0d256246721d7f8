package api

import (
	"fmt"
	"strings"
)

// ToV6 rewrites a historical action-first "v4" command line to the
// target-first "v6" grammar dispatch understands (spec.md §4.9: "All
// commands are transformed to v6 before dispatch; a deterministic
// word-tree rewrites v4 prefixes to v6 prefixes"). v6 inputs and bare
// action-first commands pass through unchanged, making the transform
// idempotent and total over the declared grammar.
func ToV6(line string) (string, error) {
	tokens := tokenize(line)
	if len(tokens) == 0 {
		return "", nil
	}
	switch tokens[0] {
	case "neighbor":
		if len(tokens) < 2 {
			return "", fmt.Errorf("neighbor: missing selector")
		}
		selector := rewriteSelectorToken(tokens[1])
		out := append([]string{"peer", selector}, tokens[2:]...)
		return strings.Join(out, " "), nil
	case "shutdown":
		return "daemon shutdown", nil
	case "reload":
		return "daemon reload", nil
	case "restart":
		return "daemon restart", nil
	default:
		// Bare action verbs ("announce route ...", "withdraw route
		// ...", "show neighbor", "flush route", "group-start",
		// "group-end") and already-v6 "peer"/"daemon"/"session"
		// prefixes are identical in both grammars.
		return line, nil
	}
}

// rewriteSelectorToken turns a v4 comma-separated neighbor selector
// into the v6 bracket syntax (spec.md §4.9: "multiple selectors become
// peer [sel1, sel2] action ..."); a single IP or "*" is left bare.
func rewriteSelectorToken(sel string) string {
	if !strings.Contains(sel, ",") {
		return sel
	}
	parts := strings.Split(sel, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
