package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/pipechat/internal/config"
	"github.com/Tyrowin/pipechat/internal/transport"
)

// chanListener hands out connections pushed by the test.
type chanListener struct {
	conns chan transport.Conn
	done  chan struct{}
	once  sync.Once
}

func newChanListener() *chanListener {
	return &chanListener{conns: make(chan transport.Conn), done: make(chan struct{})}
}

func (l *chanListener) Accept() (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, transport.ErrListenerClosed
	}
}

func (l *chanListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *chanListener) Addr() string { return "chan" }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Protocol.ReadDelay = 10 * time.Millisecond
	return New(cfg, zap.NewNop(), nil)
}

func TestShutdownWithNoConnections(t *testing.T) {
	srv := newTestServer(t)
	assert.NoError(t, srv.Shutdown(100*time.Millisecond))
}

func TestShutdownTimeoutClosesRemainingConnections(t *testing.T) {
	srv := newTestServer(t)
	l := newChanListener()

	// The server context is never cancelled, so only the forced close can
	// end the session.
	go func() { _ = srv.Serve(context.Background(), l) }()
	t.Cleanup(func() { _ = l.Close() })

	conn, peer := pipeConn(t)
	writeAsync(peer, srv.Hub().Codec().Encode("userName:alice"))
	l.conns <- conn

	require.Eventually(t, func() bool { return srv.Hub().Registry().Count() == 1 }, time.Second, 5*time.Millisecond)

	err := srv.Shutdown(50 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, conn.IsOpen())
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, srv.Hub().Registry().Count())
}

func TestConcurrentShutdownCalls(t *testing.T) {
	srv := newTestServer(t)
	l := newChanListener()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, l) }()

	conn, peer := pipeConn(t)
	writeAsync(peer, srv.Hub().Codec().Encode("userName:bob"))
	l.conns <- conn
	require.Eventually(t, func() bool { return srv.Hub().Registry().Count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-served)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, srv.Shutdown(time.Second))
		}()
	}
	wg.Wait()
	assert.Zero(t, srv.ActiveConnections())
}

// panicConn blows up on the first read.
type panicConn struct {
	*fakeConn
}

func (panicConn) Read([]byte) (int, error) {
	panic("read exploded")
}

func TestServeConnRecoversFromPanic(t *testing.T) {
	h, _ := newTestHub(t)
	conn := panicConn{newFakeConn()}

	assert.NotPanics(t, func() {
		h.ServeConn(context.Background(), conn)
	})
	assert.False(t, conn.IsOpen())
}

func TestWritePumpRecoversFromPanickingWrite(t *testing.T) {
	h, metrics := newTestHub(t)
	addSession(h, "alice")
	bob, bobConn := addSession(h, "bob")
	carol, carolConn := addSession(h, "carol")
	bobConn.onWrite = func([]byte) (int, error) { panic("write exploded") }
	startPump(t, h, bob)
	startPump(t, h, carol)

	assert.Equal(t, 2, h.Broadcast("alice", "hi"))

	require.Eventually(t, func() bool { return len(carolConn.written()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.Deliveries.WithLabelValues("failed")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, bobConn.written())
}
