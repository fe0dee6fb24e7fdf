// Package transport wraps plain net.Conn values, stream or packet, as Conn.
package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// NetConn adapts a net.Conn to Conn.
type NetConn struct {
	conn      net.Conn
	message   bool
	open      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewNetConn wraps conn. messageOriented must be true only for transports
// that preserve message boundaries, such as unixpacket sockets.
func NewNetConn(conn net.Conn, messageOriented bool) *NetConn {
	c := &NetConn{conn: conn, message: messageOriented}
	c.open.Store(true)
	return c
}

// Read reads from the connection. A non-timeout error marks it closed.
func (c *NetConn) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	if err != nil && !IsTimeout(err) {
		c.open.Store(false)
	}
	return n, err
}

// Write writes to the connection. A non-timeout error marks it closed.
func (c *NetConn) Write(p []byte) (int, error) {
	n, err := c.conn.Write(p)
	if err != nil && !IsTimeout(err) {
		c.open.Store(false)
	}
	return n, err
}

// Close closes the underlying connection. Later calls return the first result.
func (c *NetConn) Close() error {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsOpen reports whether the connection is still usable.
func (c *NetConn) IsOpen() bool { return c.open.Load() }

// MessageOriented reports whether each read returns one whole message.
func (c *NetConn) MessageOriented() bool { return c.message }

// SetReadDeadline sets the deadline for future reads.
func (c *NetConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// SetWriteDeadline sets the deadline for future writes.
func (c *NetConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// RemoteAddr describes the peer.
func (c *NetConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}
