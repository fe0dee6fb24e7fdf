// Package server binds each connection to a declared user name through the
// Session type and queues outbound frames per session.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/pipechat/internal/transport"
)

// errQueueFull is returned by Enqueue when a session cannot keep up.
var errQueueFull = errors.New("send queue full")

// Session is the live binding of a transport connection to a declared user
// name. The registry holds it by reference for lookups and broadcast; the
// lifecycle goroutine that created it owns closing the connection.
//
// Outbound frames go through a bounded queue drained by a single writer, so
// a slow peer only ever delays itself.
type Session struct {
	// ID is unique per connection, even when two sessions share a name.
	ID   string
	Name string
	// Seq orders sessions by the moment they completed the handshake.
	Seq         uint64
	ConnectedAt time.Time

	conn         transport.Conn
	writeTimeout time.Duration
	limiter      *rateLimiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	// received is only touched by the session's read loop.
	received int
}

func newSession(name string, conn transport.Conn, seq uint64, writeTimeout time.Duration, queueSize int, limiter *rateLimiter) *Session {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Session{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Name:         name,
		Seq:          seq,
		ConnectedAt:  time.Now(),
		conn:         conn,
		writeTimeout: writeTimeout,
		limiter:      limiter,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
	}
}

// IsOpen reports the transport's liveness.
func (s *Session) IsOpen() bool {
	return s.conn.IsOpen()
}

// RemoteAddr describes the peer.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

// Enqueue hands frame to the session's writer without blocking. When the
// queue is full the session is closed, the same treatment a stalled websocket
// client gets, and errQueueFull is returned.
func (s *Session) Enqueue(frame []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	select {
	case s.send <- frame:
		return nil
	default:
		_ = s.Close()
		return errQueueFull
	}
}

// enqueueWait queues frame, waiting for room. Replay uses it so a long
// history is never cut short by the queue bound.
func (s *Session) enqueueWait(ctx context.Context, frame []byte) error {
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes one encoded frame immediately. Concurrent callers are
// serialized so bytes of two frames never interleave. A frame cut short by a
// failed write leaves the stream misaligned, so the session is closed in that
// case and the read loop cleans it up.
func (s *Session) Send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.conn.IsOpen() {
		return errSessionClosed
	}

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	n, err := s.conn.Write(frame)
	if err != nil {
		if n > 0 && n < len(frame) {
			_ = s.Close()
		}
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close stops the writer and closes the underlying connection. It is safe to
// call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) allow() bool {
	return s.limiter.allow()
}

func (s *Session) nextMessageNumber() int {
	s.received++
	return s.received
}
