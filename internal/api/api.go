// Package api implements the helper-process command grammar (spec.md
// §4.9): the historical action-first "v4" syntax and the target-first
// "v6" syntax are both rewritten to a canonical v6 form, a neighbor
// selector is resolved against the live peer table, and the remainder
// is parsed by the route-expression grammar in route.go before
// mutating the matched peers' Adj-RIB-Out.
package api

import (
	"fmt"
	"sort"
	"strings"

	"github.com/routebeacon/bgpd/internal/peer"
	"github.com/routebeacon/bgpd/internal/rib"
	"github.com/routebeacon/bgpd/internal/watchdog"
)

// Host is everything the dispatcher needs from the reactor: the live
// peer table, the watchdog registry, the helper-process backpressure
// view, and a way to request daemon shutdown. Implemented structurally
// by *reactor.Reactor — this package never imports reactor, so there is
// no import cycle.
type Host interface {
	Peers() []*peer.Peer
	Watchdogs() *watchdog.Registry
	RequestShutdown(reason string)
	QueueStatus() map[string]HelperQueueStatus

	// Schedule appends a cooperative task to the reactor's async
	// scheduler (spec.md §4.7) under serviceID: step runs on a later
	// reactor tick and returns true while more work remains; onDone, if
	// non-nil, runs exactly once after step finally returns false.
	Schedule(serviceID, label string, step func() bool, onDone func())
	// Purge drops every scheduled task bound to serviceID, for
	// `session reset` and for a helper/client that has disconnected.
	Purge(serviceID string)
	// Reply writes a deferred ACK line back to the named client,
	// outside of the immediate HandleLine return path, for a command
	// whose completion was handed to the async scheduler.
	Reply(clientName, line string)
}

// HelperQueueStatus is one helper process's pending-output backpressure
// snapshot, surfaced by the `queue-status` API command (spec.md §4.8).
type HelperQueueStatus struct {
	Pending int
	Dropped int64
}

// Dispatcher parses command lines from helper processes or the control
// socket and applies them to a Host. One Dispatcher is shared by every
// client; per-client state (group batching, ack/sync preferences) is
// tracked by client name.
type Dispatcher struct {
	host Host

	clients map[string]*clientState
}

type clientState struct {
	grouping     bool
	groupEntries []groupEntry
	ackEnabled   bool
}

// groupEntry is one buffered change awaiting group-end commit, so that
// "group-start; N announces; group-end" lands on every targeted peer's
// Adj-RIB-Out in one shot (spec.md §8 scenario 6).
type groupEntry struct {
	peers  []*peer.Peer
	change rib.Change
}

func New(host Host) *Dispatcher {
	return &Dispatcher{host: host, clients: make(map[string]*clientState)}
}

func (d *Dispatcher) client(name string) *clientState {
	c, ok := d.clients[name]
	if !ok {
		c = &clientState{ackEnabled: true}
		d.clients[name] = c
	}
	return c
}

// HandleLine processes one command line received from helper/client
// `from` and returns the reply line(s) to write back, newline-joined,
// following the "done"/"error" ACK discipline of spec.md §4.8 (a client
// may silence replies with "session ack disable").
func (d *Dispatcher) HandleLine(from, line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	cs := d.client(from)

	v6, err := ToV6(line)
	if err != nil {
		return ackError(cs, err)
	}

	tokens := tokenize(v6)
	if len(tokens) == 0 {
		return ackError(cs, fmt.Errorf("empty command"))
	}

	switch tokens[0] {
	case "session":
		return d.handleSession(from, cs, tokens[1:])
	case "group-start":
		cs.grouping = true
		cs.groupEntries = nil
		return ackDone(cs)
	case "group-end":
		return d.commitGroup(from, cs)
	case "daemon":
		return d.handleDaemon(cs, tokens[1:])
	case "peer":
		return d.handlePeerCommand(cs, tokens[1:])
	default:
		// Bare action with no neighbor/peer prefix applies to every
		// peer visible to the issuing client (spec.md §4.9).
		return d.applyAction(cs, d.host.Peers(), tokens)
	}
}

func (d *Dispatcher) handleSession(from string, cs *clientState, rest []string) string {
	if len(rest) == 2 && rest[0] == "ack" {
		cs.ackEnabled = rest[1] != "disable"
		return ackDone(cs)
	}
	if len(rest) == 2 && rest[0] == "sync" {
		return ackDone(cs)
	}
	if len(rest) == 1 && rest[0] == "reset" {
		// spec.md §4.7: tasks queued on the async scheduler can be
		// purged by service-id on `session reset`; any group batch the
		// client had open is abandoned along with them.
		d.host.Purge(from)
		cs.grouping = false
		cs.groupEntries = nil
		return ackDone(cs)
	}
	return ackError(cs, fmt.Errorf("unknown session command: %s", strings.Join(rest, " ")))
}

func (d *Dispatcher) handleDaemon(cs *clientState, rest []string) string {
	if len(rest) == 0 {
		return ackError(cs, fmt.Errorf("daemon: missing subcommand"))
	}
	switch rest[0] {
	case "shutdown":
		d.host.RequestShutdown("api: daemon shutdown command")
		return ackDone(cs)
	case "reload", "restart":
		// Configuration reload/process restart are not performed
		// through the API; the command is acknowledged and otherwise
		// has no effect.
		return ackDone(cs)
	default:
		return ackError(cs, fmt.Errorf("unknown daemon command: %s", strings.Join(rest, " ")))
	}
}

// handlePeerCommand parses the selector that follows "peer" (a single
// token, "*", or a bracketed comma list) and dispatches the remainder.
func (d *Dispatcher) handlePeerCommand(cs *clientState, rest []string) string {
	if len(rest) == 0 {
		return ackError(cs, fmt.Errorf("peer: missing selector"))
	}
	sel, remainder, err := parseSelector(rest)
	if err != nil {
		return ackError(cs, err)
	}
	matched := d.selectPeers(sel)
	return d.applyAction(cs, matched, remainder)
}

// applyAction dispatches the action verb (announce/withdraw/show/...)
// against the matched peer set.
func (d *Dispatcher) applyAction(cs *clientState, peers []*peer.Peer, tokens []string) string {
	if len(tokens) == 0 {
		return ackError(cs, fmt.Errorf("missing action"))
	}
	verb := tokens[0]
	rest := tokens[1:]

	switch verb {
	case "announce":
		return d.handleAnnounce(cs, peers, rest)
	case "withdraw":
		return d.handleWithdraw(cs, peers, rest)
	case "flush":
		for _, p := range peers {
			p.RIBOut().MarkForRefresh()
		}
		return ackDone(cs)
	case "show":
		return d.handleShow(cs, peers, rest)
	case "queue-status":
		return d.handleQueueStatus(cs)
	default:
		return ackError(cs, fmt.Errorf("unknown action %q", verb))
	}
}

func (d *Dispatcher) handleAnnounce(cs *clientState, peers []*peer.Peer, rest []string) string {
	if len(rest) == 0 {
		return ackError(cs, fmt.Errorf("announce: missing object"))
	}
	switch rest[0] {
	case "route":
		return d.applyRoute(cs, peers, rest[1:], rib.Announce)
	case "flow":
		if len(rest) < 2 || rest[1] != "route" {
			return ackError(cs, fmt.Errorf("announce flow: expected 'route'"))
		}
		return d.applyFlowRoute(cs, peers, rest[2:], rib.Announce)
	case "watchdog":
		if len(rest) < 2 {
			return ackError(cs, fmt.Errorf("announce watchdog: missing name"))
		}
		d.host.Watchdogs().Announce(rest[1])
		return ackDone(cs)
	default:
		return ackError(cs, fmt.Errorf("announce: unknown object %q", rest[0]))
	}
}

func (d *Dispatcher) handleWithdraw(cs *clientState, peers []*peer.Peer, rest []string) string {
	if len(rest) == 0 {
		return ackError(cs, fmt.Errorf("withdraw: missing object"))
	}
	switch rest[0] {
	case "route":
		return d.applyRoute(cs, peers, rest[1:], rib.Withdraw)
	case "flow":
		if len(rest) < 2 || rest[1] != "route" {
			return ackError(cs, fmt.Errorf("withdraw flow: expected 'route'"))
		}
		return d.applyFlowRoute(cs, peers, rest[2:], rib.Withdraw)
	case "watchdog":
		if len(rest) < 2 {
			return ackError(cs, fmt.Errorf("withdraw watchdog: missing name"))
		}
		d.host.Watchdogs().Withdraw(rest[1])
		return ackDone(cs)
	default:
		return ackError(cs, fmt.Errorf("withdraw: unknown object %q", rest[0]))
	}
}

func (d *Dispatcher) applyRoute(cs *clientState, peers []*peer.Peer, tokens []string, action rib.Action) string {
	if len(peers) == 0 {
		return ackError(cs, fmt.Errorf("no matching neighbors"))
	}
	change, err := parseRouteExpression(tokens, action, peers[0].LocalAS())
	if err != nil {
		return ackError(cs, err)
	}
	d.queueOrApply(cs, peers, *change)
	return ackDone(cs)
}

func (d *Dispatcher) applyFlowRoute(cs *clientState, peers []*peer.Peer, tokens []string, action rib.Action) string {
	if len(peers) == 0 {
		return ackError(cs, fmt.Errorf("no matching neighbors"))
	}
	change, err := parseFlowRouteExpression(tokens, action)
	if err != nil {
		return ackError(cs, err)
	}
	d.queueOrApply(cs, peers, *change)
	return ackDone(cs)
}

// queueOrApply installs change on every matched peer's Adj-RIB-Out
// immediately, or defers it to group-end if a group is open (spec.md
// §4.9 "group-start/group-end framing").
func (d *Dispatcher) queueOrApply(cs *clientState, peers []*peer.Peer, change rib.Change) {
	if cs.grouping {
		cs.groupEntries = append(cs.groupEntries, groupEntry{peers: peers, change: change})
		return
	}
	installChange(peers, change)
}

func installChange(peers []*peer.Peer, change rib.Change) {
	for _, p := range peers {
		if change.Action == rib.Withdraw {
			p.RIBOut().InsertWithdraw(change.NLRI)
		} else {
			p.RIBOut().InsertAnnouncement(change)
		}
	}
}

// groupCommitChunkSize bounds how many buffered group entries
// commitGroup installs per scheduler step, once a group is large enough
// to hand to the async scheduler instead of running inline (spec.md
// §4.7: "route installs, flushes, admin commands" are the scheduler's
// named task categories).
const groupCommitChunkSize = 256

func (d *Dispatcher) commitGroup(from string, cs *clientState) string {
	cs.grouping = false
	entries := cs.groupEntries
	cs.groupEntries = nil

	if len(entries) <= groupCommitChunkSize {
		for _, e := range entries {
			installChange(e.peers, e.change)
		}
		return ackDone(cs)
	}

	next := 0
	d.host.Schedule(from, "group-commit", func() bool {
		end := next + groupCommitChunkSize
		if end > len(entries) {
			end = len(entries)
		}
		for _, e := range entries[next:end] {
			installChange(e.peers, e.change)
		}
		next = end
		return next < len(entries)
	}, func() {
		d.host.Reply(from, ackDone(cs))
	})
	// The ACK is deferred to the scheduler task's completion callback.
	return ""
}

func (d *Dispatcher) handleShow(cs *clientState, peers []*peer.Peer, rest []string) string {
	if len(rest) > 0 && rest[0] == "neighbor" {
		var b strings.Builder
		for _, p := range peers {
			fmt.Fprintf(&b, "neighbor %s local-as %d peer-as %d state %s\n",
				p.PeerAddress(), p.LocalAS(), p.PeerAS(), p.State())
		}
		return b.String() + ackDone(cs)
	}
	return ackError(cs, fmt.Errorf("show: unsupported %q", strings.Join(rest, " ")))
}

// handleQueueStatus reports one line per helper process: the number of
// lines in its pending output queue and its cumulative drop count.
func (d *Dispatcher) handleQueueStatus(cs *clientState) string {
	statuses := d.host.QueueStatus()
	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		s := statuses[name]
		fmt.Fprintf(&b, "process %s pending %d dropped %d\n", name, s.Pending, s.Dropped)
	}
	return b.String() + ackDone(cs)
}

func ackDone(cs *clientState) string {
	if !cs.ackEnabled {
		return ""
	}
	return "done"
}

func ackError(cs *clientState, err error) string {
	if !cs.ackEnabled {
		return ""
	}
	return fmt.Sprintf("error %s", err.Error())
}

func tokenize(s string) []string {
	return strings.Fields(s)
}
