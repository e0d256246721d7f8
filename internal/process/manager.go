package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/routebeacon/bgpd/internal/config"
	"github.com/routebeacon/bgpd/internal/metrics"
	"go.uber.org/zap"
)

// Helper is one running (or respawning) child process: its stdin/stdout
// pipes, its event encoder, and its subscription set.
type Helper struct {
	Name string

	spec   config.ProcessSpec
	logger *zap.Logger
	encode Encoder

	subscribe map[Kind]bool

	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	lines        chan string // lines read from the helper's stdout
	queue        [][]byte    // bounded outgoing write queue
	highWater    int
	dropped      int64
	dead         bool
	deadNotified bool
}

func newHelper(name string, spec config.ProcessSpec, highWater int, logger *zap.Logger) *Helper {
	var enc Encoder = TextEncoder{}
	if spec.Encoder == "json" {
		enc = NewJSONEncoder()
	}
	sub := make(map[Kind]bool, len(spec.Receive))
	for _, k := range spec.Receive {
		sub[Kind(k)] = true
	}
	return &Helper{
		Name:      name,
		spec:      spec,
		logger:    logger.Named("process." + name),
		encode:    enc,
		subscribe: sub,
		lines:     make(chan string, 256),
		highWater: highWater,
	}
}

func (h *Helper) Subscribes(k Kind) bool { return h.subscribe[k] }

func (h *Helper) start(ctx context.Context) error {
	if len(h.spec.Run) == 0 {
		return fmt.Errorf("process %s: empty run command", h.Name)
	}
	cmd := exec.CommandContext(ctx, h.spec.Run[0], h.spec.Run[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("process %s: stdin pipe: %w", h.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("process %s: stdout pipe: %w", h.Name, err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process %s: start: %w", h.Name, err)
	}

	h.mu.Lock()
	h.cmd = cmd
	h.stdin = stdin
	h.dead = false
	h.deadNotified = false
	h.mu.Unlock()

	go h.readLoop(stdout)

	h.logger.Info("helper process started", zap.Strings("argv", h.spec.Run))
	return nil
}

// readLoop feeds complete lines from the helper's stdout into h.lines.
// It runs on its own goroutine so the reactor never blocks on a read;
// the reactor drains h.lines without blocking each tick.
func (h *Helper) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		select {
		case h.lines <- line:
		default:
			h.logger.Warn("dropping helper input line, consumer too slow")
		}
	}
	h.mu.Lock()
	h.dead = true
	h.mu.Unlock()
	close(h.lines)
}

// PollLine returns one pending input line from the helper, or ("",
// false) if none is available. Never blocks.
func (h *Helper) PollLine() (string, bool) {
	select {
	case line, ok := <-h.lines:
		return line, ok
	default:
		return "", false
	}
}

// Dead reports whether the helper's process has exited.
func (h *Helper) Dead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dead
}

// markDeadNotified reports true the first time it is called since the
// helper last died (or started), and false on every subsequent call
// until the next start — so a caller that purges scheduler state on
// death does it exactly once per death, not once per tick.
func (h *Helper) markDeadNotified() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deadNotified {
		return false
	}
	h.deadNotified = true
	return true
}

// Emit encodes ev and enqueues it for the helper if it is subscribed to
// ev.Kind. The write itself happens on Flush, from the reactor's tick,
// so a slow helper never stalls the caller.
func (h *Helper) Emit(ev *Event) {
	if !h.Subscribes(ev.Kind) {
		return
	}
	line := []byte(h.encode.Encode(ev))

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) >= h.highWater {
		h.dropped++
		metrics.HelperQueueDroppedTotal.WithLabelValues(h.Name).Inc()
		return
	}
	h.queue = append(h.queue, line)
	metrics.HelperQueueDepth.WithLabelValues(h.Name).Set(float64(len(h.queue)))
}

// WriteRaw enqueues line for the helper unconditionally, bypassing the
// Kind-subscription gate Emit applies: it is how the API dispatcher's
// ACK replies ("done"/"error ...") reach the helper that issued the
// command, regardless of what event kinds that helper subscribes to.
func (h *Helper) WriteRaw(line string) {
	if line == "" {
		return
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	b := []byte(line)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) >= h.highWater {
		h.dropped++
		metrics.HelperQueueDroppedTotal.WithLabelValues(h.Name).Inc()
		return
	}
	h.queue = append(h.queue, b)
	metrics.HelperQueueDepth.WithLabelValues(h.Name).Set(float64(len(h.queue)))
}

// Flush writes as much of the pending queue as the stdin pipe accepts
// without blocking the reactor for long; on error the helper is marked
// dead so the manager can respawn it.
func (h *Helper) Flush() {
	h.mu.Lock()
	pending := h.queue
	h.queue = nil
	stdin := h.stdin
	h.mu.Unlock()

	for _, line := range pending {
		if stdin == nil {
			continue
		}
		if _, err := stdin.Write(line); err != nil {
			h.logger.Warn("helper write failed", zap.Error(err))
			h.mu.Lock()
			h.dead = true
			h.mu.Unlock()
			return
		}
	}
	metrics.HelperQueueDepth.WithLabelValues(h.Name).Set(0)
}

// QueueStatus reports the queued-lines/dropped-events backpressure
// signal surfaced by the `queue-status` API command (spec.md §4.8).
func (h *Helper) QueueStatus() (pending int, dropped int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue), h.dropped
}

func (h *Helper) stop() {
	h.mu.Lock()
	stdin := h.stdin
	cmd := h.cmd
	h.mu.Unlock()
	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
}

// Manager spawns and supervises every configured helper process,
// routes emitted events to each subscribed helper, and applies the
// api.respawn / api.terminate crash policy (spec.md §7).
type Manager struct {
	cfg     config.APIConfig
	logger  *zap.Logger
	helpers map[string]*Helper

	// Terminate is set when a helper configured with api.terminate has
	// died; the reactor checks this once per tick and shuts the daemon
	// down cleanly when true.
	Terminate bool
}

func NewManager(cfg config.APIConfig, processes map[string]config.ProcessSpec, logger *zap.Logger) *Manager {
	m := &Manager{cfg: cfg, logger: logger, helpers: make(map[string]*Helper, len(processes))}
	for name, spec := range processes {
		m.helpers[name] = newHelper(name, spec, cfg.QueueHighWater, logger)
	}
	return m
}

func (m *Manager) StartAll(ctx context.Context) error {
	for name, h := range m.helpers {
		if err := h.start(ctx); err != nil {
			return fmt.Errorf("starting helper %s: %w", name, err)
		}
	}
	return nil
}

// Tick drains pending lines, flushes queued output, and respawns or
// flags termination for any helper that has died, per api.respawn /
// api.terminate. onDead fires exactly once per death, before any
// respawn attempt, so a caller can purge per-client state (e.g. the
// async scheduler's queued tasks) bound to that helper's service-id.
// Called once per reactor iteration; never blocks.
func (m *Manager) Tick(ctx context.Context, onLine func(helper string, line string), onDead func(helper string)) {
	for name, h := range m.helpers {
		for {
			line, ok := h.PollLine()
			if line == "" && !ok {
				break
			}
			onLine(name, line)
		}
		h.Flush()

		if h.Dead() {
			if onDead != nil && h.markDeadNotified() {
				onDead(name)
			}
			if m.cfg.Terminate {
				m.Terminate = true
				continue
			}
			if m.cfg.Respawn {
				if err := h.start(ctx); err != nil {
					m.logger.Error("failed to respawn helper", zap.String("process", name), zap.Error(err))
				}
			}
		}
	}
}

// Broadcast emits ev to every helper (and, via caller wiring, the
// in-process history/event-sink subscribers) subscribed to its Kind.
func (m *Manager) Broadcast(ev *Event) {
	for _, h := range m.helpers {
		h.Emit(ev)
	}
}

func (m *Manager) Helper(name string) (*Helper, bool) {
	h, ok := m.helpers[name]
	return h, ok
}

// Reply writes line back to the named helper's stdin, unconditionally
// (see Helper.WriteRaw). A reply for a helper that has since
// disappeared is silently dropped.
func (m *Manager) Reply(name, line string) {
	if h, ok := m.helpers[name]; ok {
		h.WriteRaw(line)
	}
}

func (m *Manager) QueueStatus() map[string]struct {
	Pending int
	Dropped int64
} {
	out := make(map[string]struct {
		Pending int
		Dropped int64
	}, len(m.helpers))
	for name, h := range m.helpers {
		p, d := h.QueueStatus()
		out[name] = struct {
			Pending int
			Dropped int64
		}{p, d}
	}
	return out
}

func (m *Manager) StopAll() {
	for _, h := range m.helpers {
		h.stop()
	}
}
