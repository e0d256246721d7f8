package reactor

import (
	"testing"

	"github.com/routebeacon/bgpd/internal/config"
	"github.com/routebeacon/bgpd/internal/protocol"
	"github.com/routebeacon/bgpd/internal/rib"
)

func TestParseCommunity(t *testing.T) {
	v, err := parseCommunity("65000:100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := uint32(65000)<<16 | 100; v != want {
		t.Fatalf("expected %d, got %d", want, v)
	}
	if _, err := parseCommunity("not-a-community"); err == nil {
		t.Fatal("expected error for malformed community")
	}
	if _, err := parseCommunity("70000:1"); err == nil {
		t.Fatal("expected error for out-of-range asn")
	}
}

func TestBuildStaticAttributes(t *testing.T) {
	localPref := uint32(200)
	med := uint32(10)
	spec := config.RouteSpec{
		Prefix:      "10.0.0.0/24",
		NextHop:     "192.0.2.1",
		LocalPref:   &localPref,
		MED:         &med,
		Communities: []string{"65000:100", "65000:200"},
		Watchdog:    "wd1",
	}
	a, err := buildStaticAttributes(spec, 65000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lp, ok := a.LocalPref(); !ok || lp != 200 {
		t.Fatalf("expected local pref 200, got %d (%v)", lp, ok)
	}
	if m, ok := a.MED(); !ok || m != 10 {
		t.Fatalf("expected med 10, got %d (%v)", m, ok)
	}
	if nh, ok := a.NextHop(); !ok || nh != [4]byte{192, 0, 2, 1} {
		t.Fatalf("unexpected next hop: %v ok=%v", nh, ok)
	}
	cs, ok := a.Communities()
	if !ok || len(cs) != 2 {
		t.Fatalf("expected 2 communities, got %v", cs)
	}
	if name, ok := a.Watchdog(); !ok || name != "wd1" {
		t.Fatalf("expected watchdog wd1, got %q", name)
	}
}

func TestBuildStaticAttributes_MalformedNextHop(t *testing.T) {
	spec := config.RouteSpec{Prefix: "10.0.0.0/24", NextHop: "not-an-ip"}
	if _, err := buildStaticAttributes(spec, 65000); err == nil {
		t.Fatal("expected error for malformed next_hop")
	}
}

type fakeRIBOut struct {
	changes []rib.Change
}

func (f *fakeRIBOut) InsertAnnouncement(c rib.Change) { f.changes = append(f.changes, c) }

func TestSeedStaticRoutes(t *testing.T) {
	out := &fakeRIBOut{}
	specs := []config.RouteSpec{
		{Prefix: "10.0.0.0/24", NextHop: "192.0.2.1"},
		{Prefix: "not-a-prefix", NextHop: "192.0.2.1"},
		{Prefix: "2001:db8::/32"},
	}
	var warnings int
	seedStaticRoutes(out, 65000, specs, func(spec config.RouteSpec, err error) { warnings++ })

	if warnings != 1 {
		t.Fatalf("expected exactly 1 warning, got %d", warnings)
	}
	if len(out.changes) != 2 {
		t.Fatalf("expected 2 queued changes, got %d", len(out.changes))
	}
	if out.changes[0].NLRI.Family() != protocol.FamilyIPv4Unicast {
		t.Fatalf("expected IPv4 unicast family, got %v", out.changes[0].NLRI.Family())
	}
	if out.changes[1].NLRI.Family() != protocol.FamilyIPv6Unicast {
		t.Fatalf("expected IPv6 unicast family, got %v", out.changes[1].NLRI.Family())
	}
}
