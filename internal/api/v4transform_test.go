package api

import "testing"

func TestToV6NeighborPrefix(t *testing.T) {
	out, err := ToV6("neighbor 10.0.0.1 announce route 1.2.3.0/24 next-hop 10.0.0.2")
	if err != nil {
		t.Fatalf("ToV6: %v", err)
	}
	want := "peer 10.0.0.1 announce route 1.2.3.0/24 next-hop 10.0.0.2"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestToV6NeighborCommaList(t *testing.T) {
	out, err := ToV6("neighbor 10.0.0.1,10.0.0.2 flush route")
	if err != nil {
		t.Fatalf("ToV6: %v", err)
	}
	want := "peer [10.0.0.1,10.0.0.2] flush route"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestToV6DaemonVerbs(t *testing.T) {
	cases := map[string]string{
		"shutdown": "daemon shutdown",
		"reload":   "daemon reload",
		"restart":  "daemon restart",
	}
	for in, want := range cases {
		out, err := ToV6(in)
		if err != nil {
			t.Fatalf("ToV6(%q): %v", in, err)
		}
		if out != want {
			t.Fatalf("ToV6(%q) = %q, want %q", in, out, want)
		}
	}
}

// TestToV6Idempotent checks spec.md §8's claim that the v4->v6
// transform is idempotent: re-running it on its own output is a no-op.
func TestToV6Idempotent(t *testing.T) {
	lines := []string{
		"neighbor 10.0.0.1 announce route 1.2.3.0/24",
		"neighbor 10.0.0.1,10.0.0.2 withdraw route 1.2.3.0/24",
		"shutdown",
		"reload",
		"peer 10.0.0.1 show neighbor",
		"announce watchdog site-down",
		"group-start",
		"group-end",
	}
	for _, line := range lines {
		once, err := ToV6(line)
		if err != nil {
			t.Fatalf("ToV6(%q): %v", line, err)
		}
		twice, err := ToV6(once)
		if err != nil {
			t.Fatalf("ToV6(ToV6(%q)): %v", line, err)
		}
		if once != twice {
			t.Fatalf("ToV6 not idempotent for %q: once=%q twice=%q", line, once, twice)
		}
	}
}

func TestToV6PassthroughAlreadyV6(t *testing.T) {
	line := "peer 10.0.0.1 announce route 1.2.3.0/24"
	out, err := ToV6(line)
	if err != nil {
		t.Fatalf("ToV6: %v", err)
	}
	if out != line {
		t.Fatalf("got %q, want passthrough %q", out, line)
	}
}

func TestToV6EmptyLine(t *testing.T) {
	out, err := ToV6("   ")
	if err != nil {
		t.Fatalf("ToV6: %v", err)
	}
	if out != "" {
		t.Fatalf("got %q, want empty", out)
	}
}

func TestToV6NeighborMissingSelector(t *testing.T) {
	if _, err := ToV6("neighbor"); err == nil {
		t.Fatal("expected error for missing selector")
	}
}
