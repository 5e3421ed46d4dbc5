// Package conn owns the per-connection state of an accepted peer: the socket,
// the optional TLS session, identity, byte accounting and the sticky error
// flag. Reads and writes never block past a short poll slice; callers treat
// ErrWouldBlock as a suspension point and retry on their next turn.
package conn

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// ErrWouldBlock reports that no progress could be made right now. It never
// latches the connection error flag.
var ErrWouldBlock = errors.New("i/o would block")

// pollSlice bounds how long a read or write may wait for the kernel. It keeps
// worker turns short without spinning on the scheduler.
const pollSlice = time.Millisecond

const ipv4MappedPrefix = "::ffff:"

var lastID atomic.Uint64

func nextID() uint64 {
	return lastID.Add(1)
}

// CanonicalIP strips the IPv4-mapped IPv6 prefix from a textual peer address.
func CanonicalIP(addr string) string {
	if len(addr) > len(ipv4MappedPrefix) && addr[:len(ipv4MappedPrefix)] == ipv4MappedPrefix {
		return addr[len(ipv4MappedPrefix):]
	}
	return addr
}

// Conn is an accepted peer connection. It is owned by one goroutine at a time;
// only the TLS handshake runs concurrently with the owner, behind atomics.
type Conn struct {
	id       uint64
	ip       string
	connTime time.Time

	// Discon is the wall-clock deadline by which the request preamble must be
	// complete. Zero disables the check.
	Discon time.Time

	sock net.Conn
	tls  *tls.Conn

	tlsReady atomic.Bool
	tlsErr   atomic.Bool

	sentBytes uint64
	err       bool
}

// New wraps an accepted socket. addr is the peer's textual IP as reported at
// accept time; when empty it is derived from the socket.
func New(nc net.Conn, addr string, now time.Time) *Conn {
	if addr == "" {
		if host, _, err := net.SplitHostPort(nc.RemoteAddr().String()); err == nil {
			addr = host
		} else {
			addr = nc.RemoteAddr().String()
		}
	}
	return &Conn{
		id:       nextID(),
		ip:       CanonicalIP(addr),
		connTime: now,
		sock:     nc,
	}
}

func (c *Conn) ID() uint64          { return c.id }
func (c *Conn) IP() string          { return c.ip }
func (c *Conn) ConnTime() time.Time { return c.connTime }
func (c *Conn) SentBytes() uint64   { return c.sentBytes }

// SetIP replaces the recorded peer IP (trusted X-Forwarded-For rewrite).
func (c *Conn) SetIP(ip string) { c.ip = ip }

// Error reports whether the connection has seen a non-recoverable failure.
func (c *Conn) Error() bool { return c.err || c.tlsErr.Load() }

// Fail latches the error flag.
func (c *Conn) Fail() { c.err = true }

// UpgradeTLS attaches a server-side TLS session before the first read. Go's
// TLS stack cannot be driven a poll slice at a time through its handshake, so
// the handshake runs in its own goroutine bounded by the disconnect deadline;
// reads and writes return ErrWouldBlock until it completes.
func (c *Conn) UpgradeTLS(cfg *tls.Config) {
	c.tls = tls.Server(c.sock, cfg)
	deadline := c.Discon
	if deadline.IsZero() {
		deadline = time.Now().Add(10 * time.Second)
	}
	session := c.tls
	go func() {
		_ = session.SetDeadline(deadline)
		if err := session.Handshake(); err != nil {
			c.tlsErr.Store(true)
			return
		}
		_ = session.SetDeadline(time.Time{})
		c.tlsReady.Store(true)
	}()
}

// transport returns the stream to use for I/O, or nil when the connection is
// closed or the TLS handshake is still in flight.
func (c *Conn) transport() net.Conn {
	if c.sock == nil {
		return nil
	}
	if c.tls != nil {
		if !c.tlsReady.Load() {
			return nil
		}
		return c.tls
	}
	return c.sock
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Read fills p with whatever is available within the poll slice. It returns
// ErrWouldBlock when nothing arrived, io.EOF once the peer has closed, and
// latches the error flag on EOF and on any non-recoverable failure.
func (c *Conn) Read(p []byte) (int, error) {
	if c.err {
		return 0, net.ErrClosed
	}
	t := c.transport()
	if t == nil {
		if c.sock == nil || c.tlsErr.Load() {
			c.err = true
			return 0, net.ErrClosed
		}
		return 0, ErrWouldBlock
	}
	_ = t.SetReadDeadline(time.Now().Add(pollSlice))
	n, err := t.Read(p)
	if err != nil {
		if isTimeout(err) {
			if n > 0 {
				return n, nil
			}
			return 0, ErrWouldBlock
		}
		c.err = true
		if errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		return n, err
	}
	if n == 0 {
		c.err = true
		return 0, io.EOF
	}
	return n, nil
}

// Write sends as much of p as the kernel takes within the poll slice. Partial
// progress is returned without error; zero progress is ErrWouldBlock.
func (c *Conn) Write(p []byte) (int, error) {
	if c.err {
		return 0, net.ErrClosed
	}
	t := c.transport()
	if t == nil {
		if c.sock == nil || c.tlsErr.Load() {
			c.err = true
			return 0, net.ErrClosed
		}
		return 0, ErrWouldBlock
	}
	_ = t.SetWriteDeadline(time.Now().Add(pollSlice))
	n, err := t.Write(p)
	if n > 0 {
		c.sentBytes += uint64(n)
	}
	if err != nil {
		if isTimeout(err) {
			if n > 0 {
				return n, nil
			}
			return 0, ErrWouldBlock
		}
		c.err = true
		return n, err
	}
	return n, nil
}

// Close shuts the connection down. TLS sessions get a close_notify via the TLS
// close path. Closing twice is a no-op.
func (c *Conn) Close() {
	if c.sock == nil {
		return
	}
	if c.tls != nil && c.tlsReady.Load() {
		_ = c.tls.Close()
	} else {
		_ = c.sock.Close()
	}
	c.sock = nil
	c.tls = nil
	c.ip = ""
}
