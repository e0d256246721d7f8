package api

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/routebeacon/bgpd/internal/peer"
)

// Selector is the parsed form of spec.md §4.9's selector grammar:
// `<ip|*> [ local-ip <ip> | local-as <asn> | peer-as <asn> |
// router-id <ip> | family-allowed <afi-safi> ] ...`
type Selector struct {
	IPs           []string // ["*"] for wildcard, else literal peer addresses
	LocalIP       string
	RouterID      string
	LocalAS       uint32
	PeerAS        uint32
	FamilyAllowed string
	hasLocalAS    bool
	hasPeerAS     bool
}

// parseSelector consumes the selector prefix from tokens (a single
// peer address, "*", or a bracketed comma list, followed by zero or
// more qualifier clauses) and returns the remaining tokens (the action
// verb and its arguments).
func parseSelector(tokens []string) (Selector, []string, error) {
	if len(tokens) == 0 {
		return Selector{}, nil, fmt.Errorf("selector: empty")
	}
	var sel Selector
	head := tokens[0]
	rest := tokens[1:]

	if strings.HasPrefix(head, "[") {
		// Bracket list may span multiple tokens if commas were
		// tokenized with surrounding spaces; reassemble until the
		// closing bracket is seen.
		joined := head
		i := 0
		for !strings.Contains(joined, "]") && i < len(rest) {
			joined += " " + rest[i]
			i++
		}
		rest = rest[i:]
		joined = strings.TrimPrefix(joined, "[")
		joined = strings.TrimSuffix(joined, "]")
		for _, ip := range strings.Split(joined, ",") {
			ip = strings.TrimSpace(ip)
			if ip != "" {
				sel.IPs = append(sel.IPs, ip)
			}
		}
	} else if strings.Contains(head, ",") {
		for _, ip := range strings.Split(head, ",") {
			sel.IPs = append(sel.IPs, strings.TrimSpace(ip))
		}
	} else {
		sel.IPs = []string{head}
	}

	for len(rest) >= 2 {
		switch rest[0] {
		case "local-ip":
			sel.LocalIP = rest[1]
		case "local-as":
			v, err := strconv.ParseUint(rest[1], 10, 32)
			if err != nil {
				return Selector{}, nil, fmt.Errorf("selector: bad local-as %q: %w", rest[1], err)
			}
			sel.LocalAS, sel.hasLocalAS = uint32(v), true
		case "peer-as":
			v, err := strconv.ParseUint(rest[1], 10, 32)
			if err != nil {
				return Selector{}, nil, fmt.Errorf("selector: bad peer-as %q: %w", rest[1], err)
			}
			sel.PeerAS, sel.hasPeerAS = uint32(v), true
		case "router-id":
			sel.RouterID = rest[1]
		case "family-allowed":
			sel.FamilyAllowed = rest[1]
		default:
			return sel, rest, nil
		}
		rest = rest[2:]
	}
	return sel, rest, nil
}

// selectPeers resolves sel against every peer the host currently
// knows, matching by literal equality of the named fields (spec.md
// §4.9: "wildcard matches all peers visible to the issuing service").
func (d *Dispatcher) selectPeers(sel Selector) []*peer.Peer {
	var out []*peer.Peer
	for _, p := range d.host.Peers() {
		if !matchesIP(sel.IPs, p.PeerAddress()) {
			continue
		}
		if sel.LocalIP != "" && sel.LocalIP != p.LocalAddress() {
			continue
		}
		if sel.hasLocalAS && sel.LocalAS != p.LocalAS() {
			continue
		}
		if sel.hasPeerAS && sel.PeerAS != p.PeerAS() {
			continue
		}
		if sel.RouterID != "" && sel.RouterID != p.RouterIDString() {
			continue
		}
		if sel.FamilyAllowed != "" && !p.FamilyAllowed(sel.FamilyAllowed) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func matchesIP(ips []string, addr string) bool {
	for _, ip := range ips {
		if ip == "*" || ip == addr {
			return true
		}
	}
	return false
}
