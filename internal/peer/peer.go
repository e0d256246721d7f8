// Package peer binds one configured neighbor's transport connection,
// FSM, negotiated session, and Adj-RIB-In/Out into the single object
// the reactor drives once per tick via Step (spec.md §4's "Peer FSM"
// component, generalized from the teacher's per-consumer state
// tracking to a cooperative per-session step function, spec.md §9).
package peer

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/routebeacon/bgpd/internal/config"
	"github.com/routebeacon/bgpd/internal/fsm"
	"github.com/routebeacon/bgpd/internal/metrics"
	"github.com/routebeacon/bgpd/internal/negotiated"
	"github.com/routebeacon/bgpd/internal/process"
	"github.com/routebeacon/bgpd/internal/protocol"
	"github.com/routebeacon/bgpd/internal/rib"
	"github.com/routebeacon/bgpd/internal/transport"
	"github.com/routebeacon/bgpd/internal/watchdog"
	"go.uber.org/zap"
)

const defaultConnectRetrySeconds = 30
const defaultHoldTime = 180

// connResult is delivered on connCh by the goroutine performing the
// active TCP dial, so Step never blocks waiting for it.
type connResult struct {
	conn *transport.Connection
	err  error
}

// dial performs the active TCP connect for a neighbor, translating its
// configuration into transport-level socket options (source address,
// MD5 signature, TTL/GTSM).
func dial(ctx context.Context, cfg config.Neighbor) (*transport.Connection, error) {
	return transport.Connect(ctx, cfg.PeerAddress, cfg.ConnectPort, transport.Options{
		LocalAddress:    cfg.LocalAddress,
		SourceInterface: cfg.SourceInterface,
		MD5Password:     cfg.MD5Password,
		TTLOut:          cfg.TTLOut,
		TTLSecurityIn:   cfg.TTLSecurityIn,
		ConnectTimeout:  10 * time.Second,
	})
}

// Peer is one configured neighbor's full session state.
type Peer struct {
	Name string

	cfg          config.Neighbor
	localAS      uint32
	routerID     [4]byte
	peerRouterID [4]byte // learned from the peer's OPEN; zero until then
	logger       *zap.Logger
	machine      *fsm.Machine
	watchdogs    *watchdog.Registry
	emit         func(*process.Event)

	ribOut *rib.AdjRIBOut
	ribIn  *rib.AdjRIBIn

	localOpen  *protocol.OpenMessage
	negotiated *negotiated.Negotiated

	conn       *transport.Connection
	connCh     chan connResult
	connecting bool

	counter int

	lastError error
}

// New constructs a Peer from its configuration. localAS/routerID are
// the daemon-wide defaults used when the neighbor doesn't override
// them. emit is called for every protocol event worth surfacing to
// helper processes, the history sink, and the event-sink (spec.md
// §4.8); it must never block.
func New(name string, cfg config.Neighbor, localAS uint32, routerID [4]byte, watchdogs *watchdog.Registry, logger *zap.Logger, emit func(*process.Event)) *Peer {
	if cfg.LocalAS != 0 {
		localAS = cfg.LocalAS
	}
	p := &Peer{
		Name:      name,
		cfg:       cfg,
		localAS:   localAS,
		routerID:  routerID,
		logger:    logger.Named("fsm." + name),
		watchdogs: watchdogs,
		emit:      emit,
		ribOut:    rib.NewAdjRIBOut(),
		ribIn:     rib.NewAdjRIBIn(cfg.AdjRIBInEnabled),
		connCh:    make(chan connResult, 1),
	}

	hold := cfg.HoldTime
	if hold == 0 {
		hold = defaultHoldTime
	}

	p.machine = fsm.New(fsm.Config{
		LocalAS:          localAS,
		PeerAS:           cfg.PeerAS,
		RouterID:         routerID,
		HoldTimeProposed: hold,
		Passive:          cfg.Passive,
		ConnectRetrySecs: defaultConnectRetrySeconds,
		KeepaliveRatio:   3,
	}, p.onStateChange)

	p.localOpen = p.buildLocalOpen(hold)
	return p
}

func (p *Peer) onStateChange(from, to fsm.State) {
	metrics.PeerTransitionsTotal.WithLabelValues(p.Name, from.String(), to.String()).Inc()
	metrics.PeerStateTotal.WithLabelValues(p.Name, from.String()).Set(0)
	metrics.PeerStateTotal.WithLabelValues(p.Name, to.String()).Set(1)
	p.logger.Info("fsm transition", zap.String("from", from.String()), zap.String("to", to.String()))
	if p.emit != nil {
		p.emit(&process.Event{
			Kind:     process.KindNeighborChanges,
			Neighbor: p.neighborRef(),
			Reason:   fmt.Sprintf("%s -> %s", from, to),
		})
	}
	if to == fsm.Idle {
		p.negotiated = nil
		if p.conn != nil {
			p.conn.Close()
			p.conn = nil
		}
	}
}

func (p *Peer) neighborRef() process.NeighborRef {
	var peerAS uint32
	if p.negotiated != nil {
		peerAS = p.negotiated.PeerAS()
	} else {
		peerAS = p.cfg.PeerAS
	}
	return process.NeighborRef{
		Name:      p.Name,
		LocalAddr: p.cfg.LocalAddress,
		PeerAddr:  p.cfg.PeerAddress,
		LocalAS:   p.localAS,
		PeerAS:    peerAS,
	}
}

func (p *Peer) buildLocalOpen(hold int) *protocol.OpenMessage {
	asnField := uint16(p.localAS)
	caps := []protocol.Capability{protocol.NewASN4Capability(p.localAS)}
	if p.localAS > 0xFFFF {
		asnField = 23456 // AS_TRANS
	}

	for _, fam := range parseFamilies(p.cfg.Families) {
		caps = append(caps, protocol.NewMultiprotocolCapability(fam))
	}
	if p.cfg.RouteRefresh {
		caps = append(caps, protocol.Capability{Code: protocol.CapRouteRefresh})
	}
	if p.cfg.ExtendedMessage {
		caps = append(caps, protocol.Capability{Code: protocol.CapExtendedMessage})
	}
	if p.cfg.Operational {
		caps = append(caps, protocol.Capability{Code: protocol.CapOperational})
	}
	if p.cfg.GracefulRestart > 0 {
		caps = append(caps, protocol.NewGracefulRestartCapability(protocol.GracefulRestartValue{
			Restarting:  false,
			RestartTime: uint16(p.cfg.GracefulRestart),
		}))
	}
	if entries := parseAddPath(p.cfg.AddPath); len(entries) > 0 {
		caps = append(caps, protocol.NewAddPathCapability(entries))
	}

	var routerID [4]byte
	if p.routerID != ([4]byte{}) {
		routerID = p.routerID
	}

	return &protocol.OpenMessage{
		Version:      4,
		ASN:          asnField,
		HoldTime:     uint16(hold),
		RouterID:     routerID,
		Capabilities: caps,
	}
}

// parseFamilies turns "afi/safi" strings into protocol.Family values,
// silently skipping anything malformed (config.Validate does not check
// family strings, so this is the only place they are parsed).
func parseFamilies(raw []string) []protocol.Family {
	out := make([]protocol.Family, 0, len(raw))
	for _, s := range raw {
		if f, err := parseFamily(s); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func parseFamily(s string) (protocol.Family, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return protocol.Family{}, fmt.Errorf("peer: malformed family %q", s)
	}
	afi, err := strconv.Atoi(parts[0])
	if err != nil {
		return protocol.Family{}, err
	}
	safi, err := strconv.Atoi(parts[1])
	if err != nil {
		return protocol.Family{}, err
	}
	return protocol.Family{AFI: protocol.AFI(afi), SAFI: protocol.SAFI(safi)}, nil
}

func parseAddPath(raw map[string]string) []protocol.AddPathEntry {
	out := make([]protocol.AddPathEntry, 0, len(raw))
	for famStr, mode := range raw {
		fam, err := parseFamily(famStr)
		if err != nil {
			continue
		}
		var dir uint8
		switch mode {
		case "send":
			dir = protocol.AddPathSend
		case "receive":
			dir = protocol.AddPathReceive
		case "send-receive":
			dir = protocol.AddPathBoth
		default:
			continue
		}
		out = append(out, protocol.AddPathEntry{Family: fam, Direction: dir})
	}
	return out
}

// RIBOut exposes the peer's outbound RIB so callers (the API dispatch
// layer, static-route seeding at startup) can queue announcements.
func (p *Peer) RIBOut() *rib.AdjRIBOut { return p.ribOut }
func (p *Peer) RIBIn() *rib.AdjRIBIn   { return p.ribIn }
func (p *Peer) State() fsm.State       { return p.machine.State() }
func (p *Peer) LocalAS() uint32        { return p.localAS }
func (p *Peer) Negotiated() *negotiated.Negotiated { return p.negotiated }

// PeerAddress, LocalAddress, PeerAS, and RouterIDString expose the
// neighbor's configured identity to the API's selector grammar
// (spec.md §4.9 "Selector grammar"), which matches peers by literal
// equality of exactly these fields.
func (p *Peer) PeerAddress() string  { return p.cfg.PeerAddress }
func (p *Peer) LocalAddress() string { return p.cfg.LocalAddress }
func (p *Peer) PeerAS() uint32       { return p.cfg.PeerAS }
func (p *Peer) RouterIDString() string {
	return fmt.Sprintf("%d.%d.%d.%d", p.routerID[0], p.routerID[1], p.routerID[2], p.routerID[3])
}

// FamilyAllowed reports whether afiSafi matches, case-insensitively,
// one of the neighbor's configured family strings (the numeric
// "afi/safi" form, e.g. "1/1"), for the selector grammar's
// family-allowed clause. The negotiated capabilities are not consulted.
func (p *Peer) FamilyAllowed(afiSafi string) bool {
	for _, f := range p.cfg.Families {
		if strings.EqualFold(f, afiSafi) {
			return true
		}
	}
	return false
}

// Start arms the connect-retry timer; call once at daemon startup.
func (p *Peer) Start(now time.Time) { p.machine.Start(now) }

// Attach installs an already-accepted passive connection (the reactor
// owns the listening socket and calls this after Accept).
func (p *Peer) Attach(conn *transport.Connection, now time.Time) error {
	if err := p.machine.OnTCPConnected(now); err != nil {
		return p.resolveCollision(conn, now, err)
	}
	p.conn = conn
	return p.sendOpen(now)
}

// resolveCollision implements RFC 4271 §6.8 collision detection
// (spec.md §4.4): newConn arrived while a session to the same peer was
// already past Connect/Active. If the current session hasn't yet
// learned the peer's router ID (no OPEN received on it), there is
// nothing to compare against, so newConn is simply refused. Otherwise
// local_router_id > peer_router_id wins: the loser sends NOTIFICATION
// 6/7 and is torn down in favor of the winning connection.
func (p *Peer) resolveCollision(newConn *transport.Connection, now time.Time, attachErr error) error {
	if p.peerRouterID == ([4]byte{}) {
		newConn.Close()
		return attachErr
	}
	if routerIDGreater(p.routerID, p.peerRouterID) {
		newConn.Close()
		return attachErr
	}

	p.sendNotify(now, protocol.NotifyCease, protocol.SubcodeCeaseConnectionCollision, nil)
	p.machine.OnCollisionLose(now)
	p.peerRouterID = [4]byte{}
	p.negotiated = nil
	if err := p.machine.OnTCPConnected(now); err != nil {
		newConn.Close()
		return err
	}
	p.conn = newConn
	return p.sendOpen(now)
}

func routerIDGreater(a, b [4]byte) bool {
	return binary.BigEndian.Uint32(a[:]) > binary.BigEndian.Uint32(b[:])
}

func (p *Peer) startConnect(ctx context.Context, now time.Time) {
	if p.connecting {
		return
	}
	p.connecting = true
	cfg := p.cfg
	go func() {
		conn, err := dial(ctx, cfg)
		p.connCh <- connResult{conn: conn, err: err}
	}()
}

func (p *Peer) pollConnect(now time.Time) {
	select {
	case res := <-p.connCh:
		p.connecting = false
		if res.err != nil {
			p.logger.Warn("connect failed", zap.Error(res.err))
			p.machine.OnConnectFailed(now)
			return
		}
		if err := p.machine.OnTCPConnected(now); err != nil {
			if cerr := p.resolveCollision(res.conn, now, err); cerr != nil {
				p.logger.Warn("active connect lost collision resolution", zap.Error(cerr))
			}
			return
		}
		p.conn = res.conn
		if err := p.sendOpen(now); err != nil {
			p.logger.Warn("failed to send OPEN", zap.Error(err))
		}
	default:
	}
}

func (p *Peer) sendOpen(now time.Time) error {
	buf := protocol.PackOpen(p.localOpen)
	if _, err := p.conn.WriteChunked(buf, now.Add(time.Second)); err != nil {
		return fmt.Errorf("peer %s: writing OPEN: %w", p.Name, err)
	}
	metrics.MessagesTotal.WithLabelValues(p.Name, "send", "open").Inc()
	if p.emit != nil {
		p.emit(&process.Event{Kind: process.KindOpen, Neighbor: p.outRef(), Open: p.localOpen})
	}
	return nil
}

func (p *Peer) outRef() process.NeighborRef {
	r := p.neighborRef()
	r.Direction = process.DirectionOut
	return r
}

func (p *Peer) inRef() process.NeighborRef {
	r := p.neighborRef()
	r.Direction = process.DirectionIn
	return r
}

// Step advances the session by at most one non-blocking unit of work:
// one connect-attempt poll, one frame read/dispatch, one pending
// keepalive, and a drain of the outbound RIB. It never blocks.
func (p *Peer) Step(ctx context.Context, now time.Time) {
	switch p.machine.State() {
	case fsm.Idle:
		if p.machine.ShouldRetryConnect(now) && !p.cfg.Passive {
			p.startConnect(ctx, now)
		}
	case fsm.Active:
		if p.machine.ShouldRetryConnect(now) {
			p.machine.Start(now)
		}
	case fsm.Connect:
		p.pollConnect(now)
	}

	if p.conn == nil {
		return
	}

	if p.machine.HoldExpired(now) {
		p.sendNotify(now, protocol.NotifyHoldTimerExpired, 0, nil)
		p.machine.OnHoldExpired(now)
		return
	}

	if err := p.readOne(now); err != nil {
		p.logger.Warn("session read error", zap.Error(err))
		p.teardown(now)
		return
	}

	if p.machine.State() == fsm.Established && p.machine.ShouldSendKeepalive(now) {
		p.sendKeepalive(now)
	}

	if p.machine.State() == fsm.Established {
		p.flushRIBOut(now)
	}
}

func (p *Peer) capabilities() protocol.Capabilities {
	if p.negotiated != nil {
		return p.negotiated
	}
	return bootstrapCaps{asn4: true, localAS: p.localAS, peerAS: p.cfg.PeerAS}
}

// bootstrapCaps is used only to pack/unpack the OPEN message itself,
// which by definition precedes any negotiated view.
type bootstrapCaps struct {
	asn4    bool
	localAS uint32
	peerAS  uint32
}

func (b bootstrapCaps) ASN4() bool                                { return b.asn4 }
func (b bootstrapCaps) LocalAS() uint32                           { return b.localAS }
func (b bootstrapCaps) PeerAS() uint32                            { return b.peerAS }
func (b bootstrapCaps) AddPathReceive(f protocol.Family) bool     { return false }
func (b bootstrapCaps) AddPathSend(f protocol.Family) bool        { return false }
func (b bootstrapCaps) MessageSizeCeiling() int                   { return 4096 }
func (b bootstrapCaps) FamilyNegotiated(f protocol.Family) bool   { return f == protocol.FamilyIPv4Unicast }
func (b bootstrapCaps) IsIBGP() bool                              { return b.localAS == b.peerAS }

func (p *Peer) readOne(now time.Time) error {
	frame, ok, err := p.conn.ReadFrame(now, p.extendedMessage())
	if err != nil {
		if nerr, isNotify := err.(*protocol.NotifyError); isNotify {
			p.sendNotify(now, nerr.Code, nerr.Subcode, nerr.Data)
		}
		return err
	}
	if !ok {
		return nil
	}
	return p.dispatch(now, frame)
}

func (p *Peer) extendedMessage() bool {
	if p.negotiated != nil {
		return p.negotiated.ExtendedMessage()
	}
	return false
}

// dispatch applies one already-framed message to the FSM/RIB.
func (p *Peer) dispatch(now time.Time, frame protocol.Frame) error {
	switch frame.Type {
	case protocol.MsgOpen:
		return p.handleOpen(now, frame.Payload)
	case protocol.MsgKeepalive:
		return p.handleKeepalive(now)
	case protocol.MsgUpdate:
		return p.handleUpdate(now, frame.Payload)
	case protocol.MsgNotification:
		return p.handleNotification(now, frame.Payload)
	case protocol.MsgRouteRefresh:
		return p.handleRouteRefresh(now, frame.Payload)
	case protocol.MsgOperational:
		_, err := protocol.UnpackOperational(frame.Payload)
		return err
	default:
		return fmt.Errorf("peer %s: unknown message type %d", p.Name, frame.Type)
	}
}

func (p *Peer) handleOpen(now time.Time, payload []byte) error {
	peerOpen, err := protocol.UnpackOpen(payload)
	if err != nil {
		if nerr, ok := err.(*protocol.NotifyError); ok {
			p.sendNotify(now, nerr.Code, nerr.Subcode, nerr.Data)
		}
		return err
	}
	peerAS := peerOpen.EffectiveASN()
	peerASOK := p.cfg.PeerAS == 0 || p.cfg.PeerAS == peerAS
	if err := p.machine.OnOpenReceived(now, peerASOK, minInt(int(p.localOpen.HoldTime), int(peerOpen.HoldTime))); err != nil {
		p.sendNotify(now, protocol.NotifyOpenMessageError, protocol.SubcodeUnacceptableHoldTime, nil)
		return err
	}
	p.negotiated = negotiated.Build(p.localOpen, peerOpen, p.localAS, peerAS)
	p.peerRouterID = peerOpen.RouterID
	metrics.MessagesTotal.WithLabelValues(p.Name, "receive", "open").Inc()
	if p.emit != nil {
		p.emit(&process.Event{Kind: process.KindOpen, Neighbor: p.inRef(), Open: peerOpen})
	}
	return p.sendKeepalive(now)
}

func (p *Peer) handleKeepalive(now time.Time) error {
	hold := defaultHoldTime
	if p.negotiated != nil {
		hold = p.negotiated.HoldTime()
	}
	metrics.MessagesTotal.WithLabelValues(p.Name, "receive", "keepalive").Inc()
	if p.emit != nil {
		p.emit(&process.Event{Kind: process.KindKeepalive, Neighbor: p.inRef()})
	}
	return p.machine.OnKeepaliveReceived(now, hold)
}

func (p *Peer) handleUpdate(now time.Time, payload []byte) error {
	caps := p.capabilities()
	u, err := protocol.UnpackUpdate(payload, caps, caps.AddPathReceive(protocol.FamilyIPv4Unicast))
	if err != nil {
		if nerr, ok := err.(*protocol.NotifyError); ok {
			p.sendNotify(now, nerr.Code, nerr.Subcode, nerr.Data)
		}
		return err
	}
	hold := defaultHoldTime
	if p.negotiated != nil {
		hold = p.negotiated.HoldTime()
	}
	if err := p.machine.OnUpdateReceived(now, hold); err != nil {
		return err
	}

	if p.ribIn.Enabled() {
		for _, n := range u.AnnouncedV4 {
			p.ribIn.Update(protocol.FamilyIPv4Unicast, n, u.Attributes)
		}
		for _, n := range u.WithdrawnV4 {
			p.ribIn.Withdraw(protocol.FamilyIPv4Unicast, n)
		}
		if fam, ok := mpReachFamily(u.Attributes); ok {
			if mp, ok, _ := u.Attributes.MPReach(caps, caps.AddPathReceive(fam)); ok {
				for _, n := range mp.NLRIs {
					p.ribIn.Update(mp.Family, n, u.Attributes)
				}
			}
		}
		if fam, ok := mpUnreachFamily(u.Attributes); ok {
			if mu, ok, _ := u.Attributes.MPUnreach(caps, caps.AddPathReceive(fam)); ok {
				for _, n := range mu.NLRIs {
					p.ribIn.Withdraw(mu.Family, n)
				}
			}
		}
	}

	metrics.MessagesTotal.WithLabelValues(p.Name, "receive", "update").Inc()
	metrics.AdjRIBInSize.WithLabelValues(p.Name, protocol.FamilyIPv4Unicast.String()).Set(float64(p.ribIn.Count(protocol.FamilyIPv4Unicast)))
	if p.emit != nil {
		p.emit(&process.Event{Kind: process.KindUpdate, Neighbor: p.inRef(), Update: u})
	}
	return nil
}

// mpReachFamily/mpUnreachFamily peek at an MP_REACH/MP_UNREACH
// attribute's AFI/SAFI header without decoding its NLRIs, so the
// caller can resolve the per-family AddPath direction before the full
// decode (which needs addPath as an input, not an output).
func mpReachFamily(a *protocol.Attributes) (protocol.Family, bool) {
	attr, ok := a.Get(protocol.AttrMPReachNLRI)
	if !ok || len(attr.Value) < 3 {
		return protocol.Family{}, false
	}
	return protocol.Family{
		AFI:  protocol.AFI(binary.BigEndian.Uint16(attr.Value[0:2])),
		SAFI: protocol.SAFI(attr.Value[2]),
	}, true
}

func mpUnreachFamily(a *protocol.Attributes) (protocol.Family, bool) {
	attr, ok := a.Get(protocol.AttrMPUnreachNLRI)
	if !ok || len(attr.Value) < 3 {
		return protocol.Family{}, false
	}
	return protocol.Family{
		AFI:  protocol.AFI(binary.BigEndian.Uint16(attr.Value[0:2])),
		SAFI: protocol.SAFI(attr.Value[2]),
	}, true
}

func (p *Peer) handleNotification(now time.Time, payload []byte) error {
	n, err := protocol.UnpackNotification(payload)
	if err != nil {
		return err
	}
	metrics.NotificationsTotal.WithLabelValues(p.Name, "receive", itoa(n.Code), itoa(n.Subcode)).Inc()
	if p.emit != nil {
		p.emit(&process.Event{
			Kind:         process.KindNotification,
			Neighbor:     p.inRef(),
			Notification: &protocol.NotifyError{Code: n.Code, Subcode: n.Subcode, Data: n.Data},
		})
	}
	p.machine.OnNotify(now)
	return nil
}

func (p *Peer) handleRouteRefresh(now time.Time, payload []byte) error {
	r, err := protocol.UnpackRouteRefresh(payload)
	if err != nil {
		return err
	}
	metrics.MessagesTotal.WithLabelValues(p.Name, "receive", "route-refresh").Inc()
	if p.emit != nil {
		p.emit(&process.Event{Kind: process.KindRefresh, Neighbor: p.inRef(), Refresh: r})
	}
	p.ribOut.MarkForRefresh()
	return nil
}

func (p *Peer) sendKeepalive(now time.Time) error {
	if _, err := p.conn.WriteChunked(protocol.PackKeepalive(), now.Add(time.Second)); err != nil {
		return err
	}
	hold := defaultHoldTime
	if p.negotiated != nil {
		hold = p.negotiated.HoldTime()
	}
	p.machine.KeepaliveSent(now, hold)
	metrics.MessagesTotal.WithLabelValues(p.Name, "send", "keepalive").Inc()
	if p.emit != nil {
		p.emit(&process.Event{Kind: process.KindKeepalive, Neighbor: p.outRef()})
	}
	return nil
}

func (p *Peer) sendNotify(now time.Time, code, subcode uint8, data []byte) {
	if p.conn == nil {
		return
	}
	buf := protocol.PackNotification(&protocol.NotificationMessage{Code: code, Subcode: subcode, Data: data})
	p.conn.WriteChunked(buf, now.Add(time.Second))
	metrics.NotificationsTotal.WithLabelValues(p.Name, "send", itoa(code), itoa(subcode)).Inc()
	if p.emit != nil {
		p.emit(&process.Event{
			Kind:         process.KindNotification,
			Neighbor:     p.outRef(),
			Notification: &protocol.NotifyError{Code: code, Subcode: subcode, Data: data},
		})
	}
}

func (p *Peer) teardown(now time.Time) {
	p.machine.OnNotify(now)
}

// Stop administratively shuts the session down with a Cease notify.
func (p *Peer) Stop(now time.Time) {
	if p.conn != nil {
		p.sendNotify(now, protocol.NotifyCease, 0, nil)
	}
	p.machine.Stop(now)
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// flushRIBOut drains the outbound RIB (grouped when cfg.GroupUpdates)
// and writes one UPDATE per group. It sends no End-of-RIB markers, and
// the neighbor's manual_eor setting is not consulted.
func (p *Peer) flushRIBOut(now time.Time) {
	if !p.ribOut.Pending() {
		return
	}
	caps := p.capabilities()
	isIBGP := p.localAS == p.cfg.PeerAS
	localNextHop := p.routerID
	if p.cfg.LocalAddress != "" {
		if ip := net.ParseIP(p.cfg.LocalAddress); ip != nil {
			if ip4 := ip.To4(); ip4 != nil {
				localNextHop = [4]byte(ip4)
			}
		}
	}
	for _, g := range p.ribOut.Drain(p.cfg.GroupUpdates) {
		u := buildUpdate(g, caps, isIBGP, p.localAS, localNextHop)
		buf := protocol.PackUpdate(u, caps)
		if _, err := p.conn.WriteChunked(buf, now.Add(2*time.Second)); err != nil {
			p.logger.Warn("failed to write UPDATE", zap.Error(err))
			continue
		}
		metrics.MessagesTotal.WithLabelValues(p.Name, "send", "update").Inc()
		if p.emit != nil {
			p.emit(&process.Event{Kind: process.KindUpdate, Neighbor: p.outRef(), Update: u})
		}
	}
}

// buildUpdate turns one drained rib.Group into a wire-ready
// UpdateMessage, injecting the default attributes spec.md §4.1
// requires when the operator/config left them unset: ORIGIN=IGP,
// AS_PATH empty for iBGP or [localAS] for eBGP, LOCAL_PREF=100 for
// iBGP only, and NEXT_HOP for IPv4 unicast/multicast only (other
// families carry next-hop inside MP_REACH, set by SetMPReach).
func buildUpdate(g rib.Group, caps protocol.Capabilities, isIBGP bool, localAS uint32, localNextHop [4]byte) *protocol.UpdateMessage {
	u := &protocol.UpdateMessage{Attributes: protocol.NewAttributes()}
	if g.Action == rib.Announce {
		u.Attributes = g.Attributes.Clone()
		injectOutboundDefaults(u.Attributes, isIBGP, localAS, localNextHop, g.Family)
	}
	if g.Family == protocol.FamilyIPv4Unicast {
		if g.Action == rib.Announce {
			u.AnnouncedV4 = g.NLRIs
		} else {
			u.WithdrawnV4 = g.NLRIs
		}
		return u
	}
	if g.Action == rib.Announce {
		u.Attributes.SetMPReach(protocol.MPReach{Family: g.Family, NLRIs: g.NLRIs}, caps)
	} else {
		u.Attributes.SetMPUnreach(protocol.MPUnreach{Family: g.Family, NLRIs: g.NLRIs}, caps)
	}
	return u
}

// injectOutboundDefaults mutates a in place with the mandatory
// well-known attributes spec.md §4.1 requires whenever they weren't
// already supplied (by the route-expression parser, static-route
// seeding, or a received EBGP path being re-announced).
func injectOutboundDefaults(a *protocol.Attributes, isIBGP bool, localAS uint32, localNextHop [4]byte, family protocol.Family) {
	if _, ok := a.Origin(); !ok {
		a.SetOrigin(protocol.OriginIGP)
	}
	if !a.Has(protocol.AttrASPath) {
		if isIBGP {
			a.SetASPath(nil, localAS > 0xFFFF)
		} else {
			a.SetASPath([]protocol.ASSegment{{Type: protocol.ASPathSegmentSequence, ASNs: []uint32{localAS}}}, localAS > 0xFFFF)
		}
	}
	if isIBGP {
		if _, ok := a.LocalPref(); !ok {
			a.SetLocalPref(100)
		}
	}
	if family == protocol.FamilyIPv4Unicast || family == protocol.FamilyIPv4Multicast {
		if _, ok := a.NextHop(); !ok {
			a.SetNextHop(localNextHop)
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func itoa(v uint8) string { return strconv.Itoa(int(v)) }
