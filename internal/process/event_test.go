package process

import (
	"strings"
	"testing"

	"github.com/routebeacon/bgpd/internal/protocol"
)

func testNeighbor() NeighborRef {
	return NeighborRef{
		Name:      "r1",
		LocalAddr: "192.0.2.1",
		PeerAddr:  "192.0.2.2",
		LocalAS:   65000,
		PeerAS:    65001,
		Direction: DirectionIn,
	}
}

func TestTextEncoder_Keepalive(t *testing.T) {
	ev := &Event{Kind: KindKeepalive, Neighbor: testNeighbor()}
	line := TextEncoder{}.Encode(ev)
	if !strings.Contains(line, "neighbor 192.0.2.2 receive keepalive") {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestTextEncoder_Notification(t *testing.T) {
	ev := &Event{
		Kind:     KindNotification,
		Neighbor: testNeighbor(),
		Notification: &protocol.NotifyError{
			Code: 6, Subcode: 2, Data: []byte{0xAA},
		},
	}
	line := TextEncoder{}.Encode(ev)
	if !strings.Contains(line, "notification") || !strings.Contains(line, "AA") {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestJSONEncoder_EnvelopeFields(t *testing.T) {
	enc := NewJSONEncoder()
	ev := &Event{Kind: KindKeepalive, Neighbor: testNeighbor(), Counter: 3}
	line := enc.Encode(ev)
	for _, want := range []string{`"exabgp"`, `"time"`, `"host"`, `"pid"`, `"type":"keepalive"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected envelope field %s in %q", want, line)
		}
	}
}

func TestJSONEncoder_UpdateEndOfRIB(t *testing.T) {
	enc := NewJSONEncoder()
	u := &protocol.UpdateMessage{Attributes: protocol.NewAttributes()}
	ev := &Event{Kind: KindUpdate, Neighbor: testNeighbor(), Update: u}
	line := enc.Encode(ev)
	if !strings.Contains(line, `"eor"`) {
		t.Fatalf("expected eor payload for empty update, got %q", line)
	}
}
