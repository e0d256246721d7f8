package api

import (
	"fmt"
	"testing"

	"github.com/routebeacon/bgpd/internal/config"
	"github.com/routebeacon/bgpd/internal/peer"
	"github.com/routebeacon/bgpd/internal/watchdog"
	"go.uber.org/zap"
)

type scheduledTask struct {
	serviceID string
	step      func() bool
	onDone    func()
}

// testHost is a minimal api.Host backed by real *peer.Peer instances,
// built directly (no reactor), so the dispatcher can be exercised in
// isolation. Its scheduler is a plain slice, not internal/reactor's
// real budget-driven one, since these tests only need to observe
// Schedule/Purge call sites, not tick timing.
type testHost struct {
	peers       []*peer.Peer
	watchdogs   *watchdog.Registry
	shutdown    bool
	shutdownWhy string

	tasks   []*scheduledTask
	replies []string
}

func newTestHost(specs ...config.Neighbor) *testHost {
	h := &testHost{}
	h.watchdogs = watchdog.New(func(name string, down bool) {
		for _, p := range h.peers {
			p.RIBOut().SetWatchdog(name, down)
		}
	})
	for i, cfg := range specs {
		name := cfg.PeerAddress
		if name == "" {
			name = "peer"
		}
		p := peer.New(name, cfg, 65000, [4]byte{10, 0, 0, byte(i + 1)}, h.watchdogs, zap.NewNop(), nil)
		h.peers = append(h.peers, p)
	}
	return h
}

func (h *testHost) Peers() []*peer.Peer           { return h.peers }
func (h *testHost) Watchdogs() *watchdog.Registry { return h.watchdogs }
func (h *testHost) RequestShutdown(reason string) { h.shutdown, h.shutdownWhy = true, reason }
func (h *testHost) QueueStatus() map[string]HelperQueueStatus {
	return map[string]HelperQueueStatus{"collector": {Pending: 2, Dropped: 1}}
}

func (h *testHost) Schedule(serviceID, label string, step func() bool, onDone func()) {
	h.tasks = append(h.tasks, &scheduledTask{serviceID: serviceID, step: step, onDone: onDone})
}

func (h *testHost) Purge(serviceID string) {
	kept := h.tasks[:0]
	for _, t := range h.tasks {
		if t.serviceID != serviceID {
			kept = append(kept, t)
		}
	}
	h.tasks = kept
}

func (h *testHost) Reply(clientName, line string) {
	if line != "" {
		h.replies = append(h.replies, line)
	}
}

// runTasks drains every queued task to completion, the way
// internal/reactor.Scheduler.Drain would across enough ticks.
func (h *testHost) runTasks() {
	for len(h.tasks) > 0 {
		t := h.tasks[0]
		h.tasks = h.tasks[1:]
		if t.step() {
			h.tasks = append(h.tasks, t)
			continue
		}
		if t.onDone != nil {
			t.onDone()
		}
	}
}

func twoPeerHost() *testHost {
	return newTestHost(
		config.Neighbor{LocalAddress: "192.0.2.1", PeerAddress: "192.0.2.10", PeerAS: 65001, HoldTime: 90},
		config.Neighbor{LocalAddress: "192.0.2.1", PeerAddress: "192.0.2.20", PeerAS: 65002, HoldTime: 90},
	)
}

func TestDispatcherAnnounceRouteToSinglePeer(t *testing.T) {
	h := twoPeerHost()
	d := New(h)

	reply := d.HandleLine("client", "peer 192.0.2.10 announce route 198.51.100.0/24 next-hop 192.0.2.1")
	if reply != "done" {
		t.Fatalf("reply = %q, want done", reply)
	}
	if !h.peers[0].RIBOut().Pending() {
		t.Fatal("expected pending announcement on matched peer")
	}
	if h.peers[1].RIBOut().Pending() {
		t.Fatal("unmatched peer must not receive the announcement")
	}
}

func TestDispatcherAnnounceRouteWildcard(t *testing.T) {
	h := twoPeerHost()
	d := New(h)

	reply := d.HandleLine("client", "announce route 198.51.100.0/24 next-hop 192.0.2.1")
	if reply != "done" {
		t.Fatalf("reply = %q, want done", reply)
	}
	for _, p := range h.peers {
		if !p.RIBOut().Pending() {
			t.Fatal("expected every peer to receive the bare (unselected) announcement")
		}
	}
}

func TestDispatcherGroupCommitAboveChunkSizeDefersToScheduler(t *testing.T) {
	h := twoPeerHost()
	d := New(h)

	if r := d.HandleLine("client", "group-start"); r != "done" {
		t.Fatalf("group-start reply = %q", r)
	}
	const n = groupCommitChunkSize + 50
	for i := 0; i < n; i++ {
		prefix := fmt.Sprintf("10.0.%d.%d/32", i/256, i%256)
		if r := d.HandleLine("client", "peer 192.0.2.10 announce route "+prefix); r != "done" {
			t.Fatalf("buffered announce %d reply = %q", i, r)
		}
	}

	if r := d.HandleLine("client", "group-end"); r != "" {
		t.Fatalf("group-end reply for an oversized group = %q, want deferred (empty)", r)
	}
	if h.peers[0].RIBOut().Pending() {
		t.Fatal("an oversized group must not install anything before the scheduler drains it")
	}
	if len(h.tasks) != 1 {
		t.Fatalf("expected exactly one scheduled task, got %d", len(h.tasks))
	}

	h.runTasks()

	if !h.peers[0].RIBOut().Pending() {
		t.Fatal("expected the oversized group to install once the scheduler finished")
	}
	if len(h.replies) != 1 || h.replies[0] != "done" {
		t.Fatalf("replies = %v, want one deferred \"done\"", h.replies)
	}
}

func TestDispatcherSessionResetPurgesOwnPendingTasks(t *testing.T) {
	h := twoPeerHost()
	d := New(h)

	ran := false
	h.Schedule("client", "group-commit", func() bool { ran = true; return false }, nil)
	h.Schedule("other-client", "group-commit", func() bool { return false }, nil)

	if r := d.HandleLine("client", "session reset"); r != "done" {
		t.Fatalf("session reset reply = %q", r)
	}
	if len(h.tasks) != 1 || h.tasks[0].serviceID != "other-client" {
		t.Fatalf("expected only other-client's task to survive, got %d tasks", len(h.tasks))
	}

	h.runTasks()
	if ran {
		t.Fatal("session reset must purge this client's task before it ever runs")
	}
}

func TestDispatcherV4NeighborSyntax(t *testing.T) {
	h := twoPeerHost()
	d := New(h)

	reply := d.HandleLine("client", "neighbor 192.0.2.10 announce route 198.51.100.0/24")
	if reply != "done" {
		t.Fatalf("reply = %q, want done", reply)
	}
	if !h.peers[0].RIBOut().Pending() {
		t.Fatal("expected pending announcement via v4 neighbor syntax")
	}
}

func TestDispatcherGroupStartEndAtomicBatch(t *testing.T) {
	h := twoPeerHost()
	d := New(h)

	if r := d.HandleLine("client", "group-start"); r != "done" {
		t.Fatalf("group-start reply = %q", r)
	}
	if r := d.HandleLine("client", "peer 192.0.2.10 announce route 198.51.100.0/24"); r != "done" {
		t.Fatalf("buffered announce reply = %q", r)
	}
	if h.peers[0].RIBOut().Pending() {
		t.Fatal("change must not apply before group-end")
	}
	if r := d.HandleLine("client", "group-end"); r != "done" {
		t.Fatalf("group-end reply = %q", r)
	}
	if !h.peers[0].RIBOut().Pending() {
		t.Fatal("change must apply once group-end commits")
	}
}

func TestDispatcherSessionAckDisableSuppressesReplies(t *testing.T) {
	h := twoPeerHost()
	d := New(h)

	if r := d.HandleLine("client", "session ack disable"); r != "" {
		t.Fatalf("session ack disable reply = %q, want empty", r)
	}
	if r := d.HandleLine("client", "announce route 198.51.100.0/24"); r != "" {
		t.Fatalf("reply with ack disabled = %q, want empty", r)
	}
}

func TestDispatcherWatchdogAnnounceWithdraw(t *testing.T) {
	h := twoPeerHost()
	d := New(h)

	if r := d.HandleLine("client", "announce watchdog site-down"); r != "done" {
		t.Fatalf("reply = %q", r)
	}
	if h.watchdogs.IsDown("site-down") {
		t.Fatal("announce watchdog must clear the down flag, not set it")
	}
	if r := d.HandleLine("client", "withdraw watchdog site-down"); r != "done" {
		t.Fatalf("reply = %q", r)
	}
	if !h.watchdogs.IsDown("site-down") {
		t.Fatal("withdraw watchdog must mark the watchdog down")
	}
}

func TestDispatcherDaemonShutdown(t *testing.T) {
	h := twoPeerHost()
	d := New(h)

	if r := d.HandleLine("client", "daemon shutdown"); r != "done" {
		t.Fatalf("reply = %q", r)
	}
	if !h.shutdown {
		t.Fatal("expected RequestShutdown to be called")
	}
}

func TestDispatcherUnknownActionErrors(t *testing.T) {
	h := twoPeerHost()
	d := New(h)

	r := d.HandleLine("client", "bogus-verb")
	if r == "" || r == "done" {
		t.Fatalf("reply = %q, want an error ack", r)
	}
}

func TestDispatcherQueueStatus(t *testing.T) {
	h := twoPeerHost()
	d := New(h)

	r := d.HandleLine("client", "queue-status")
	if r == "" {
		t.Fatal("expected non-empty queue-status reply")
	}
}

func TestDispatcherShowNeighbor(t *testing.T) {
	h := twoPeerHost()
	d := New(h)

	r := d.HandleLine("client", "peer 192.0.2.10 show neighbor")
	if r == "" {
		t.Fatal("expected non-empty show neighbor reply")
	}
}

func TestDispatcherEmptyLineNoReply(t *testing.T) {
	h := twoPeerHost()
	d := New(h)
	if r := d.HandleLine("client", "   "); r != "" {
		t.Fatalf("reply = %q, want empty for blank line", r)
	}
}
