// Package reactor drives the single cooperative event loop: one tick
// polls every configured peer's Step, drains helper-process I/O, and
// accepts passive connections, all without ever blocking on any one of
// them (spec.md §9's redesign from generator-based cooperative
// scheduling to an explicit step-per-tick loop).
package reactor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/routebeacon/bgpd/internal/api"
	"github.com/routebeacon/bgpd/internal/config"
	"github.com/routebeacon/bgpd/internal/fsm"
	"github.com/routebeacon/bgpd/internal/peer"
	"github.com/routebeacon/bgpd/internal/process"
	"github.com/routebeacon/bgpd/internal/transport"
	"github.com/routebeacon/bgpd/internal/watchdog"
	"go.uber.org/zap"
)

const defaultTickInterval = time.Second

// ErrShutdownRequested is the sentinel Run returns after a "daemon
// shutdown" API command (spec.md §4.9): callers should treat it as a
// clean exit, not a crash, unlike the error Run returns when a
// terminate=true process dies.
var ErrShutdownRequested = errors.New("reactor: shutdown requested")

// Reactor owns every configured peer, the helper-process manager, the
// watchdog registry, and the passive listening socket, and advances all
// of them from a single goroutine.
type Reactor struct {
	cfg    *config.Config
	logger *zap.Logger

	peers map[string]*peer.Peer
	order []string // deterministic iteration order, config map order is not

	watchdogs *watchdog.Registry
	procs     *process.Manager
	listener  *transport.Listener
	acceptCh  chan acceptResult

	sinks []func(*process.Event)

	dispatcher *api.Dispatcher
	scheduler  *Scheduler

	tick    time.Duration
	counter int

	shutdownRequested bool
	shutdownReason    string
}

// New builds a Reactor from cfg: one peer.Peer per configured neighbor,
// the helper-process manager, and (if any neighbor isn't pure active)
// the passive TCP listener. sinks receive every emitted event alongside
// the helper-process manager (the history writer and event-sink
// producer wire themselves in here).
func New(cfg *config.Config, logger *zap.Logger, sinks ...func(*process.Event)) (*Reactor, error) {
	r := &Reactor{
		cfg:    cfg,
		logger: logger,
		peers:  make(map[string]*peer.Peer, len(cfg.Neighbors)),
		sinks:  sinks,
		tick:   tickInterval(cfg.Service.ReactorSpeedMs),
	}
	r.watchdogs = watchdog.New(r.onWatchdogChange)
	r.procs = process.NewManager(cfg.API, cfg.Processes, logger)
	r.scheduler = NewScheduler()
	r.dispatcher = api.New(r)

	for name, ncfg := range cfg.Neighbors {
		routerID := resolveRouterID(ncfg)
		p := peer.New(name, ncfg, ncfg.LocalAS, routerID, r.watchdogs, logger, r.emit)
		r.peers[name] = p
		r.order = append(r.order, name)

		seedStaticRoutes(p.RIBOut(), p.LocalAS(), ncfg.StaticRoutes, func(spec config.RouteSpec, err error) {
			logger.Warn("skipping malformed static route",
				zap.String("neighbor", name), zap.String("prefix", spec.Prefix), zap.Error(err))
		})
	}
	sort.Strings(r.order)

	if needsPassiveListener(cfg) {
		ln, err := transport.Listen(cfg.TCP.BindAddress, cfg.TCP.Port, transport.Options{})
		if err != nil {
			return nil, fmt.Errorf("reactor: listen: %w", err)
		}
		r.listener = ln
		r.acceptCh = make(chan acceptResult, 8)
		go r.acceptLoop()
	}

	return r, nil
}

// acceptResult is delivered on acceptCh by the dedicated accept
// goroutine below, so the reactor's tick never blocks inside Accept.
type acceptResult struct {
	conn *transport.Connection
	err  error
}

// acceptLoop runs for the reactor's lifetime on its own goroutine,
// feeding every accepted connection (or terminal error) into acceptCh.
// It exits once the listener is closed (Stop), at which point Accept
// returns an error and the loop returns.
func (r *Reactor) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		r.acceptCh <- acceptResult{conn: conn, err: err}
		if err != nil {
			return
		}
	}
}

func tickInterval(ms int) time.Duration {
	if ms <= 0 {
		return defaultTickInterval
	}
	return time.Duration(ms) * time.Millisecond
}

func needsPassiveListener(cfg *config.Config) bool {
	for _, n := range cfg.Neighbors {
		if n.Passive || n.ListenPort != 0 {
			return true
		}
	}
	return false
}

func resolveRouterID(n config.Neighbor) [4]byte {
	if n.RouterID != "" {
		if ip := net.ParseIP(n.RouterID); ip != nil {
			if ip4 := ip.To4(); ip4 != nil {
				return [4]byte(ip4)
			}
		}
	}
	if n.LocalAddress != "" {
		if ip := net.ParseIP(n.LocalAddress); ip != nil {
			if ip4 := ip.To4(); ip4 != nil {
				return [4]byte(ip4)
			}
		}
	}
	return [4]byte{}
}

func (r *Reactor) onWatchdogChange(name string, down bool) {
	for _, p := range r.peers {
		p.RIBOut().SetWatchdog(name, down)
	}
}

// emit is every peer's event callback: broadcast to helper processes
// and to every registered sink (history, event-sink producer). It never
// blocks — Manager.Broadcast only enqueues, and sinks are expected to
// do the same.
func (r *Reactor) emit(ev *process.Event) {
	r.counter++
	ev.Counter = r.counter
	r.procs.Broadcast(ev)
	for _, sink := range r.sinks {
		sink(ev)
	}
}

// Start arms every peer's connect-retry timer and spawns the helper
// processes. Call once before the first Run/Step.
func (r *Reactor) Start(ctx context.Context, now time.Time) error {
	if err := r.procs.StartAll(ctx); err != nil {
		return err
	}
	for _, p := range r.peers {
		p.Start(now)
	}
	return nil
}

// Run drives Step on an interval timer until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			r.Step(ctx, now)
			if r.procs.Terminate {
				return fmt.Errorf("reactor: a process configured with terminate=true has died")
			}
			if r.shutdownRequested {
				return fmt.Errorf("%w: %s", ErrShutdownRequested, r.shutdownReason)
			}
		}
	}
}

// Step advances one tick: accepts any pending passive connection,
// steps every peer once, drains helper-process I/O, and finally drains
// the async scheduler for a bounded wall-clock budget (spec.md §4.7).
// It never blocks for longer than the individual non-blocking
// operations it composes plus that fixed scheduler budget.
func (r *Reactor) Step(ctx context.Context, now time.Time) {
	r.acceptPending(now)
	for _, name := range r.order {
		r.peers[name].Step(ctx, now)
	}
	r.procs.Tick(ctx, r.onHelperLine, r.onHelperDead)
	r.scheduler.Drain(asyncTaskBudget)
}

// acceptPending accepts at most one pending passive connection per
// tick and routes it to the neighbor whose peer_address matches the
// remote endpoint; an unmatched connection is closed immediately.
func (r *Reactor) acceptPending(now time.Time) {
	if r.listener == nil {
		return
	}
	var res acceptResult
	select {
	case res = <-r.acceptCh:
	default:
		return
	}
	if res.err != nil {
		r.logger.Warn("passive listener accept error", zap.Error(res.err))
		return
	}
	conn := res.conn
	host, _, err := net.SplitHostPort(conn.RemoteAddr())
	if err != nil {
		r.logger.Warn("passive connection with unparsable remote address", zap.String("remote", conn.RemoteAddr()))
		conn.Close()
		return
	}
	for name, p := range r.peers {
		if r.cfg.Neighbors[name].PeerAddress == host {
			if err := p.Attach(conn, now); err != nil {
				r.logger.Warn("rejecting passive connection", zap.String("neighbor", name), zap.Error(err))
			}
			return
		}
	}
	r.logger.Warn("passive connection from unconfigured peer", zap.String("remote", host))
	conn.Close()
}

// onHelperLine hands a command line from helper to the API dispatcher
// (spec.md §4.9) and writes any non-empty ACK reply back to that same
// helper's stdin.
func (r *Reactor) onHelperLine(helper, line string) {
	reply := r.dispatcher.HandleLine(helper, line)
	if reply != "" {
		r.procs.Reply(helper, reply)
	}
}

// onHelperDead implements the "client disconnects" half of spec.md
// §4.7's cancellation rule: a dead helper can never read a reply, so
// any scheduler task still bound to its service-id (and whatever ACK
// that task was going to send) is dropped silently.
func (r *Reactor) onHelperDead(helper string) {
	r.scheduler.Purge(helper)
}

// Schedule implements api.Host: it appends a cooperative task to the
// async scheduler under serviceID, to be drained across future ticks
// instead of run to completion inline.
func (r *Reactor) Schedule(serviceID, label string, step func() bool, onDone func()) {
	r.scheduler.Enqueue(serviceID, label, step, onDone)
}

// Purge implements api.Host: the `session reset` command uses it to
// drop any of the issuing client's own queued tasks (spec.md §4.7:
// "tasks can be purged by service-id on session reset").
func (r *Reactor) Purge(serviceID string) {
	r.scheduler.Purge(serviceID)
}

// Reply implements api.Host: it lets a scheduler task's onDone callback
// write a deferred ACK back to the client that issued the command,
// after HandleLine already returned empty-handed.
func (r *Reactor) Reply(clientName, line string) {
	if line != "" {
		r.procs.Reply(clientName, line)
	}
}

// Peers implements api.Host.
func (r *Reactor) Peers() []*peer.Peer {
	out := make([]*peer.Peer, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.peers[name])
	}
	return out
}

// Watchdogs implements api.Host.
func (r *Reactor) Watchdogs() *watchdog.Registry {
	return r.watchdogs
}

// QueueStatus implements api.Host.
func (r *Reactor) QueueStatus() map[string]api.HelperQueueStatus {
	raw := r.procs.QueueStatus()
	out := make(map[string]api.HelperQueueStatus, len(raw))
	for name, s := range raw {
		out[name] = api.HelperQueueStatus{Pending: s.Pending, Dropped: s.Dropped}
	}
	return out
}

// RequestShutdown implements api.Host: it flags the reactor's Run loop
// to return cleanly on its next iteration, the same way a dead
// api.terminate process does.
func (r *Reactor) RequestShutdown(reason string) {
	r.shutdownRequested = true
	r.shutdownReason = reason
	r.logger.Info("shutdown requested", zap.String("reason", reason))
}

// Summary implements httpapi.PeerStatus.
func (r *Reactor) Summary() map[string]string {
	out := make(map[string]string, len(r.peers))
	for name, p := range r.peers {
		out[name] = p.State().String()
	}
	return out
}

// AnyEstablished implements httpapi.PeerStatus.
func (r *Reactor) AnyEstablished() bool {
	for _, p := range r.peers {
		if p.State() == fsm.Established {
			return true
		}
	}
	return false
}

// Stop administratively shuts every peer's session down and stops the
// helper processes. Call during graceful shutdown.
func (r *Reactor) Stop(now time.Time) {
	for _, p := range r.peers {
		p.Stop(now)
	}
	r.procs.StopAll()
	if r.listener != nil {
		r.listener.Close()
	}
}
