// Package transport provides the duplex byte-stream connections the pipechat
// server accepts: unix domain sockets (stream or message-oriented) and
// websocket connections upgraded from HTTP.
package transport

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/Tyrowin/pipechat/internal/frame"
)

// Conn is one accepted or dialed connection.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	// IsOpen reports the transport's view of liveness. It turns false once
	// the connection was closed or a read or write failed for a reason other
	// than a deadline.
	IsOpen() bool
	// MessageOriented reports whether every Read returns exactly one message
	// written by the peer.
	MessageOriented() bool
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() string
}

// Listener yields incoming connections until it is closed.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("transport: listener closed")

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	return frame.IsTimeout(err)
}

// IsClosed reports whether err means the connection or listener is gone. It
// covers the errors seen during an orderly or abrupt close.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrListenerClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
