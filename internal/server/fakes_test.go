package server

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// fakeConn records writes and lets tests inject write behaviour. Reads block
// until the read deadline passes or the conn is closed.
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	closed atomic.Bool

	// onWrite, if set, decides the result of each write.
	onWrite func(p []byte) (int, error)

	readDeadline time.Time
	done         chan struct{}
	once         sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Read([]byte) (int, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-c.done:
		return 0, os.ErrClosed
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.onWrite != nil {
		n, err := c.onWrite(p)
		if err != nil {
			return n, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

func (c *fakeConn) IsOpen() bool { return !c.closed.Load() }

func (c *fakeConn) MessageOriented() bool { return true }

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) RemoteAddr() string { return "fake" }

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

var errWriteFailed = errors.New("write failed")
