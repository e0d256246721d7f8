package rib

import (
	"net/netip"
	"testing"

	"github.com/routebeacon/bgpd/internal/protocol"
)

func prefixNLRI(cidr string) protocol.NLRI {
	p := netip.MustParsePrefix(cidr)
	return protocol.NewInetNLRI(protocol.FamilyIPv4Unicast, p, 0, false)
}

func attrsWithLocalPref(v uint32) *protocol.Attributes {
	a := protocol.NewAttributes()
	a.SetOrigin(protocol.OriginIGP)
	a.SetLocalPref(v)
	return a
}

func TestDrainGroupsByFingerprint(t *testing.T) {
	out := NewAdjRIBOut()
	attrsA := attrsWithLocalPref(100)
	attrsB := attrsWithLocalPref(200)

	out.InsertAnnouncement(Change{NLRI: prefixNLRI("10.0.0.0/24"), Attributes: attrsA})
	out.InsertAnnouncement(Change{NLRI: prefixNLRI("10.0.1.0/24"), Attributes: attrsA})
	out.InsertAnnouncement(Change{NLRI: prefixNLRI("10.0.2.0/24"), Attributes: attrsB})

	groups := out.Drain(true)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	total := 0
	for _, g := range groups {
		total += len(g.NLRIs)
	}
	if total != 3 {
		t.Fatalf("total nlris = %d, want 3", total)
	}
	if out.Pending() {
		t.Fatal("expected queues drained")
	}
}

func TestInsertWithdrawCancelsPendingAnnounce(t *testing.T) {
	out := NewAdjRIBOut()
	n := prefixNLRI("192.0.2.0/24")
	out.InsertAnnouncement(Change{NLRI: n, Attributes: attrsWithLocalPref(50)})
	out.InsertWithdraw(n)

	if out.Pending() {
		t.Fatal("withdraw of never-advertised pending announce should leave nothing pending")
	}
}

func TestWatchdogWithdrawsAndRestoresCachedRoutes(t *testing.T) {
	out := NewAdjRIBOut()
	n := prefixNLRI("198.51.100.0/24")
	attrs := attrsWithLocalPref(100)
	attrs.SetWatchdog("uplink")
	out.InsertAnnouncement(Change{NLRI: n, Attributes: attrs})
	out.Drain(true)

	out.SetWatchdog("uplink", true)
	groups := out.Drain(true)
	if len(groups) != 1 || groups[0].Action != Withdraw {
		t.Fatalf("expected one withdraw group, got %+v", groups)
	}

	out.SetWatchdog("uplink", false)
	groups = out.Drain(true)
	if len(groups) != 1 || groups[0].Action != Announce {
		t.Fatalf("expected one announce group, got %+v", groups)
	}
}

func TestMarkForRefreshResendsCached(t *testing.T) {
	out := NewAdjRIBOut()
	n := prefixNLRI("203.0.113.0/24")
	out.InsertAnnouncement(Change{NLRI: n, Attributes: attrsWithLocalPref(10)})
	out.Drain(true)

	out.MarkForRefresh()
	groups := out.Drain(true)
	if len(groups) != 1 || len(groups[0].NLRIs) != 1 {
		t.Fatalf("expected refreshed group, got %+v", groups)
	}
}
