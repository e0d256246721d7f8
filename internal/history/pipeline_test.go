package history

import (
	"context"
	"net/netip"
	"testing"

	"github.com/routebeacon/bgpd/internal/process"
	"github.com/routebeacon/bgpd/internal/protocol"
	"go.uber.org/zap"
)

func newTestPipeline(storeRaw bool) *Pipeline {
	w := NewWriter(nil, zap.NewNop(), storeRaw, false)
	return NewPipeline(w, 1000, 200, 16, zap.NewNop())
}

func updateEvent(u *protocol.UpdateMessage) *process.Event {
	return &process.Event{
		Kind:     process.KindUpdate,
		Neighbor: process.NeighborRef{PeerAddr: "192.0.2.10", LocalAddr: "192.0.2.1", PeerAS: 65001, LocalAS: 65000, Direction: process.DirectionIn},
		Update:   u,
	}
}

func TestPipelineProcessEventAnnounce(t *testing.T) {
	p := newTestPipeline(false)

	attrs := protocol.NewAttributes()
	attrs.SetOrigin(protocol.OriginIGP)
	attrs.SetNextHop([4]byte{192, 0, 2, 1})
	attrs.SetLocalPref(100)

	nlri := protocol.NewInetNLRI(protocol.FamilyIPv4Unicast, netip.MustParsePrefix("198.51.100.0/24"), 0, false)
	u := &protocol.UpdateMessage{AnnouncedV4: []protocol.NLRI{nlri}, Attributes: attrs}

	rows := p.processEvent(context.Background(), updateEvent(u))
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.Action != "announce" {
		t.Errorf("action = %q, want announce", row.Action)
	}
	if row.Prefix != "198.51.100.0/24" {
		t.Errorf("prefix = %q", row.Prefix)
	}
	if row.Neighbor != "192.0.2.10" {
		t.Errorf("neighbor = %q", row.Neighbor)
	}
	if row.NextHop != "192.0.2.1" {
		t.Errorf("nexthop = %q", row.NextHop)
	}
	if !row.HasLocPref || row.LocalPref != 100 {
		t.Errorf("local-pref = %v %v", row.LocalPref, row.HasLocPref)
	}
	if row.Origin != "igp" {
		t.Errorf("origin = %q", row.Origin)
	}
	if len(row.EventID) != 32 {
		t.Errorf("event id length = %d, want 32", len(row.EventID))
	}
}

func TestPipelineProcessEventWithdraw(t *testing.T) {
	p := newTestPipeline(false)

	nlri := protocol.NewInetNLRI(protocol.FamilyIPv4Unicast, netip.MustParsePrefix("198.51.100.0/24"), 0, false)
	u := &protocol.UpdateMessage{WithdrawnV4: []protocol.NLRI{nlri}}

	rows := p.processEvent(context.Background(), updateEvent(u))
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Action != "withdraw" {
		t.Errorf("action = %q, want withdraw", rows[0].Action)
	}
	if rows[0].NextHop != "" {
		t.Errorf("withdraw row must not carry next-hop, got %q", rows[0].NextHop)
	}
}

func TestPipelineProcessEventIgnoresNonUpdateKinds(t *testing.T) {
	p := newTestPipeline(false)
	ev := &process.Event{Kind: process.KindKeepalive, Neighbor: process.NeighborRef{PeerAddr: "192.0.2.10"}}
	if rows := p.processEvent(context.Background(), ev); rows != nil {
		t.Fatalf("expected no rows for non-update event, got %v", rows)
	}
}

func TestPipelineProcessEventDistinctEventIDsPerPrefix(t *testing.T) {
	p := newTestPipeline(false)

	attrs := protocol.NewAttributes()
	attrs.SetOrigin(protocol.OriginIGP)
	n1 := protocol.NewInetNLRI(protocol.FamilyIPv4Unicast, netip.MustParsePrefix("198.51.100.0/24"), 0, false)
	n2 := protocol.NewInetNLRI(protocol.FamilyIPv4Unicast, netip.MustParsePrefix("198.51.101.0/24"), 0, false)
	u := &protocol.UpdateMessage{AnnouncedV4: []protocol.NLRI{n1, n2}, Attributes: attrs}

	rows := p.processEvent(context.Background(), updateEvent(u))
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if string(rows[0].EventID) == string(rows[1].EventID) {
		t.Fatal("rows for distinct prefixes must hash to distinct event ids")
	}
}

func TestPipelineSinkDropsOnFullBacklog(t *testing.T) {
	w := NewWriter(nil, zap.NewNop(), false, false)
	p := NewPipeline(w, 10, 200, 1, zap.NewNop())

	ev := &process.Event{Kind: process.KindKeepalive, Neighbor: process.NeighborRef{PeerAddr: "192.0.2.10"}}
	p.Sink(ev)
	p.Sink(ev) // channel buffer of 1 is already full; must not block or panic
}

func TestFormatCommunities(t *testing.T) {
	out := formatCommunities([]uint32{65000<<16 | 100})
	if len(out) != 1 || out[0] != "65000:100" {
		t.Fatalf("formatCommunities = %v", out)
	}
}
