// Package transport wraps the raw TCP connection a peer session runs
// over: connect/listen, the BGP-specific socket options (MD5
// signature, TTL/GTSM), and a buffered frame reader that never blocks
// the reactor for longer than one read syscall.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/routebeacon/bgpd/internal/protocol"
	"golang.org/x/sys/unix"
)

const defaultBGPPort = 179

// Options configures the socket-level behavior of a Connection before
// the TCP handshake (local source, MD5 password, TTL/GTSM).
type Options struct {
	LocalAddress   string // bind/source address, empty for default route
	SourceInterface string
	MD5Password    string
	TTLOut         int // TTL to set on outgoing packets, 0 = OS default
	TTLSecurityIn  int // GTSM: minimum acceptable TTL on received packets, 0 = disabled
	ConnectTimeout time.Duration
}

// Connection is an established, framed BGP TCP session.
type Connection struct {
	conn   net.Conn
	peer   netAddr
	buf    bytes.Buffer
	readBuf [8192]byte
}

type netAddr struct {
	local, remote string
}

func (c *Connection) LocalAddr() string  { return c.peer.local }
func (c *Connection) RemoteAddr() string { return c.peer.remote }
func (c *Connection) Close() error       { return c.conn.Close() }

// Connect dials the peer actively (FSM Connect state).
func Connect(ctx context.Context, peerAddr string, port int, opts Options) (*Connection, error) {
	if port == 0 {
		port = defaultBGPPort
	}
	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	if opts.LocalAddress != "" {
		localTCP, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(opts.LocalAddress, "0"))
		if err != nil {
			return nil, fmt.Errorf("transport: resolve local address: %w", err)
		}
		dialer.LocalAddr = localTCP
	}
	dialer.Control = controlFunc(opts)

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(peerAddr, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", peerAddr, err)
	}
	if opts.MD5Password != "" {
		if err := setMD5Signature(conn, peerAddr, opts.MD5Password); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: set md5 signature: %w", err)
		}
	}
	return wrap(conn), nil
}

// Listener accepts passive connections for neighbors configured
// listen-only or dual-mode (spec.md §4's passive flag).
type Listener struct {
	ln net.Listener
}

func Listen(bindAddress string, port int, opts Options) (*Listener, error) {
	if port == 0 {
		port = defaultBGPPort
	}
	lc := net.ListenConfig{Control: controlFunc(opts)}
	ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort(bindAddress, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s:%d: %w", bindAddress, port, err)
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Accept() (*Connection, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return wrap(conn), nil
}

func (l *Listener) Close() error  { return l.ln.Close() }
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func wrap(conn net.Conn) *Connection {
	return &Connection{
		conn: conn,
		peer: netAddr{local: conn.LocalAddr().String(), remote: conn.RemoteAddr().String()},
	}
}

// ReadFrame performs one non-blocking-budget read: it reads whatever is
// immediately available (subject to the deadline) and appends it to the
// internal buffer, then tries to split exactly one BGP frame off the
// front. Returning (Frame{}, false, nil) means "no complete frame yet,
// come back next reactor tick" — the transport never blocks the single
// reactor thread across peers.
func (c *Connection) ReadFrame(deadline time.Time, extendedMessage bool) (protocol.Frame, bool, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return protocol.Frame{}, false, err
	}
	n, err := c.conn.Read(c.readBuf[:])
	if n > 0 {
		c.buf.Write(c.readBuf[:n])
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			err = nil
		} else {
			return protocol.Frame{}, false, err
		}
	}
	frame, consumed, ferr := protocol.SplitFrame(c.buf.Bytes(), extendedMessage)
	if ferr != nil {
		return protocol.Frame{}, false, ferr
	}
	if consumed == 0 {
		return protocol.Frame{}, false, nil
	}
	remaining := append([]byte(nil), c.buf.Bytes()[consumed:]...)
	c.buf.Reset()
	c.buf.Write(remaining)
	return frame, true, nil
}

// WriteChunked writes buf to the connection in a single Write bounded
// by deadline, so that a slow peer can never stall the reactor past it.
func (c *Connection) WriteChunked(buf []byte, deadline time.Time) (int, error) {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}
	return c.conn.Write(buf)
}

func controlFunc(opts Options) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if opts.TTLOut > 0 {
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, opts.TTLOut)
				if sockErr != nil {
					return
				}
			}
			if opts.TTLSecurityIn > 0 {
				// GTSM (RFC 5082): require packets to arrive with a TTL no
				// lower than 256-hops, enforced by setting our own minimum
				// incoming TTL via IP_MINTTL.
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MINTTL, opts.TTLSecurityIn)
				if sockErr != nil {
					return
				}
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// setMD5Signature installs an RFC 2385 TCP MD5 signature for the given
// peer address on an already-connected socket.
func setMD5Signature(conn net.Conn, peerAddr, password string) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("transport: md5 signature requires a TCP connection")
	}
	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return err
	}
	ip := net.ParseIP(peerAddr)
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sig := unix.TCPMD5Sig{}
		sig.Keylen = uint16(len(password))
		copy(sig.Key[:], password)
		if ip4 := ip.To4(); ip4 != nil {
			sig.Addr.Family = unix.AF_INET
			copy(sig.Addr.Data[2:6], ip4)
		} else {
			sig.Addr.Family = unix.AF_INET6
			copy(sig.Addr.Data[6:22], ip.To16())
		}
		sockErr = unix.SetsockoptTCPMD5Sig(int(fd), unix.IPPROTO_TCP, unix.TCP_MD5SIG, &sig)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
