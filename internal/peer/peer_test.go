package peer

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/routebeacon/bgpd/internal/config"
	"github.com/routebeacon/bgpd/internal/fsm"
	"github.com/routebeacon/bgpd/internal/protocol"
	"github.com/routebeacon/bgpd/internal/transport"
	"github.com/routebeacon/bgpd/internal/watchdog"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger { return zap.NewNop() }

func listenerPort(t *testing.T, ln *transport.Listener) string {
	t.Helper()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("expected *net.TCPAddr, got %T", ln.Addr())
	}
	return strconv.Itoa(addr.Port)
}

func testCfg() config.Neighbor {
	return config.Neighbor{
		LocalAddress: "192.0.2.1",
		PeerAddress:  "192.0.2.2",
		PeerAS:       65001,
		HoldTime:     90,
		Families:     []string{"1/1", "2/1"},
		RouteRefresh: true,
		AddPath:      map[string]string{"1/1": "send-receive"},
	}
}

func TestNew_BuildsLocalOpenWithCapabilities(t *testing.T) {
	p := New("r1", testCfg(), 65000, [4]byte{10, 0, 0, 1}, watchdog.New(nil), testLogger(), nil)
	if p.localOpen.HoldTime != 90 {
		t.Fatalf("expected hold time 90, got %d", p.localOpen.HoldTime)
	}
	var sawMP, sawRefresh, sawASN4, sawAddPath bool
	for _, c := range p.localOpen.Capabilities {
		switch c.Code {
		case protocol.CapMultiprotocol:
			sawMP = true
		case protocol.CapRouteRefresh:
			sawRefresh = true
		case protocol.CapASN4:
			sawASN4 = true
		case protocol.CapAddPath:
			sawAddPath = true
		}
	}
	if !sawMP || !sawRefresh || !sawASN4 || !sawAddPath {
		t.Fatalf("missing expected capability: mp=%v refresh=%v asn4=%v addpath=%v", sawMP, sawRefresh, sawASN4, sawAddPath)
	}
}

func TestNew_DefaultsHoldTimeWhenUnset(t *testing.T) {
	cfg := testCfg()
	cfg.HoldTime = 0
	p := New("r1", cfg, 65000, [4]byte{}, watchdog.New(nil), testLogger(), nil)
	if p.localOpen.HoldTime != defaultHoldTime {
		t.Fatalf("expected default hold time %d, got %d", defaultHoldTime, p.localOpen.HoldTime)
	}
}

func TestParseFamily(t *testing.T) {
	f, err := parseFamily("2/1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.AFI != 2 || f.SAFI != 1 {
		t.Fatalf("unexpected family: %+v", f)
	}
	if _, err := parseFamily("bogus"); err == nil {
		t.Fatal("expected error for malformed family")
	}
}

func TestParseAddPath(t *testing.T) {
	entries := parseAddPath(map[string]string{
		"1/1": "send-receive",
		"2/1": "send",
		"bad": "send", // malformed family, skipped
	})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
}

func TestStep_ActiveSessionReachesEstablished(t *testing.T) {
	ln, err := transport.Listen("127.0.0.1", 0, transport.Options{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan *transport.Connection, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptCh <- c
		}
	}()

	port := listenerPort(t, ln)
	clientConn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	serverConn := <-acceptCh
	defer serverConn.Close()

	cfg := testCfg()
	cfg.PeerAS = 65001
	p := New("r1", cfg, 65000, [4]byte{10, 0, 0, 1}, watchdog.New(nil), testLogger(), nil)

	now := time.Unix(1700000000, 0)
	p.Start(now)
	if err := p.Attach(serverConn, now); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if p.State() != fsm.OpenSent {
		t.Fatalf("expected OpenSent after Attach, got %v", p.State())
	}

	// Read the OPEN we just sent off the client side and reply with our
	// own OPEN + KEEPALIVE, the way a real peer would.
	peerOpen := &protocol.OpenMessage{
		Version:  4,
		ASN:      65001,
		HoldTime: 90,
		RouterID: [4]byte{10, 0, 0, 2},
		Capabilities: []protocol.Capability{
			protocol.NewASN4Capability(65001),
		},
	}
	clientConn.SetDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4096)
	if _, err := clientConn.Read(buf); err != nil {
		t.Fatalf("reading OPEN from daemon: %v", err)
	}
	if _, err := clientConn.Write(protocol.PackOpen(peerOpen)); err != nil {
		t.Fatalf("writing OPEN: %v", err)
	}
	if _, err := clientConn.Write(protocol.PackKeepalive()); err != nil {
		t.Fatalf("writing KEEPALIVE: %v", err)
	}

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for p.State() != fsm.Established && time.Now().Before(deadline) {
		p.Step(ctx, time.Now())
		time.Sleep(5 * time.Millisecond)
	}
	if p.State() != fsm.Established {
		t.Fatalf("expected Established, got %v", p.State())
	}
	if p.Negotiated() == nil {
		t.Fatal("expected negotiated session to be set once Established")
	}
}

// dialAccepted opens a fresh loopback TCP connection and returns both
// ends: serverConn as the daemon would see it via Listen/Accept, and
// clientConn as the raw net.Conn a test drives the "peer" side with.
func dialAccepted(t *testing.T) (serverConn *transport.Connection, clientConn net.Conn) {
	t.Helper()
	ln, err := transport.Listen("127.0.0.1", 0, transport.Options{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan *transport.Connection, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptCh <- c
		}
	}()

	port := listenerPort(t, ln)
	clientConn, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return <-acceptCh, clientConn
}

// establishToOpenConfirm attaches conn1/client1 to p and drives it to
// OpenConfirm, the point at which p has learned the peer's router ID
// from its OPEN — the precondition collision resolution needs.
func establishToOpenConfirm(t *testing.T, p *Peer, now time.Time, peerASN uint32, peerRouterID [4]byte) net.Conn {
	t.Helper()
	serverConn, clientConn := dialAccepted(t)
	if err := p.Attach(serverConn, now); err != nil {
		t.Fatalf("attach: %v", err)
	}

	peerOpen := &protocol.OpenMessage{
		Version:      4,
		ASN:          peerASN,
		HoldTime:     90,
		RouterID:     peerRouterID,
		Capabilities: []protocol.Capability{protocol.NewASN4Capability(peerASN)},
	}
	clientConn.SetDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4096)
	if _, err := clientConn.Read(buf); err != nil {
		t.Fatalf("reading OPEN from daemon: %v", err)
	}
	if _, err := clientConn.Write(protocol.PackOpen(peerOpen)); err != nil {
		t.Fatalf("writing OPEN: %v", err)
	}

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for p.State() != fsm.OpenConfirm && time.Now().Before(deadline) {
		p.Step(ctx, time.Now())
		time.Sleep(5 * time.Millisecond)
	}
	if p.State() != fsm.OpenConfirm {
		t.Fatalf("expected OpenConfirm, got %v", p.State())
	}
	return clientConn
}

func TestAttach_CollisionLocalWinsRefusesNewConnection(t *testing.T) {
	cfg := testCfg()
	cfg.PeerAS = 65001
	localRouterID := [4]byte{10, 0, 0, 9} // higher than the peer's
	peerRouterID := [4]byte{10, 0, 0, 2}
	p := New("r1", cfg, 65000, localRouterID, watchdog.New(nil), testLogger(), nil)

	now := time.Unix(1700000100, 0)
	p.Start(now)
	firstClient := establishToOpenConfirm(t, p, now, 65001, peerRouterID)
	defer firstClient.Close()

	second, secondClient := dialAccepted(t)
	defer secondClient.Close()

	if err := p.Attach(second, now); err == nil {
		t.Fatal("expected the colliding connection to be refused when the local router ID wins")
	}
	if p.State() != fsm.OpenConfirm {
		t.Fatalf("existing session state = %v, want unchanged OpenConfirm", p.State())
	}
}

func TestAttach_CollisionLocalLosesSwitchesToNewConnection(t *testing.T) {
	cfg := testCfg()
	cfg.PeerAS = 65001
	localRouterID := [4]byte{10, 0, 0, 1} // lower than the peer's
	peerRouterID := [4]byte{10, 0, 0, 9}
	p := New("r1", cfg, 65000, localRouterID, watchdog.New(nil), testLogger(), nil)

	now := time.Unix(1700000200, 0)
	p.Start(now)
	firstClient := establishToOpenConfirm(t, p, now, 65001, peerRouterID)
	defer firstClient.Close()

	second, secondClient := dialAccepted(t)
	defer secondClient.Close()

	if err := p.Attach(second, now); err != nil {
		t.Fatalf("expected the winning connection to be accepted, got error: %v", err)
	}
	if p.State() != fsm.OpenSent {
		t.Fatalf("state after accepting the winning connection = %v, want OpenSent", p.State())
	}
}
