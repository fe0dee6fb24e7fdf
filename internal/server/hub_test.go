package server

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/pipechat/internal/config"
	"github.com/Tyrowin/pipechat/internal/frame"
)

func newTestHub(t *testing.T, opts ...func(*config.Config)) (*Hub, *Metrics) {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Protocol.ReadDelay = 10 * time.Millisecond
	cfg.Protocol.WriteTimeout = time.Second
	for _, opt := range opts {
		opt(cfg)
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewHub(cfg, zap.NewNop(), metrics), metrics
}

func addSession(h *Hub, name string) (*Session, *fakeConn) {
	conn := newFakeConn()
	s := h.newSession(name, conn)
	h.Registry().Register(s)
	return s, conn
}

// queued empties the session's send queue without writing anything.
func queued(s *Session) [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-s.send:
			out = append(out, f)
		default:
			return out
		}
	}
}

// startPump runs the session's writer until the test ends.
func startPump(t *testing.T, h *Hub, s *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.writePump(ctx, s, zap.NewNop())
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// collectFrames reads whole frames from peer and decodes them onto the
// returned channel until the pipe closes.
func collectFrames(peer net.Conn, codec frame.Codec) <-chan string {
	out := make(chan string, 16)
	go func() {
		defer close(out)
		buf := make([]byte, codec.Size)
		for {
			if _, err := io.ReadFull(peer, buf); err != nil {
				return
			}
			out <- codec.Decode(buf)
		}
	}()
	return out
}

func TestBroadcastSkipsSender(t *testing.T) {
	h, _ := newTestHub(t)
	alice, aliceConn := addSession(h, "alice")
	bob, _ := addSession(h, "bob")
	carol, _ := addSession(h, "carol")

	delivered := h.Broadcast("alice", "hello")

	assert.Equal(t, 2, delivered)
	assert.Empty(t, queued(alice))
	want := frame.New(frame.DefaultSize).Encode("hello")
	assert.Equal(t, [][]byte{want}, queued(bob))
	assert.Equal(t, [][]byte{want}, queued(carol))
	assert.Empty(t, aliceConn.written(), "broadcast itself never writes")
}

func TestBroadcastWithSingleSessionIsNoop(t *testing.T) {
	h, _ := newTestHub(t)
	alice, _ := addSession(h, "alice")

	assert.Zero(t, h.Broadcast("alice", "anyone?"))
	assert.Zero(t, h.Broadcast("ghost", "anyone?"))
	assert.Empty(t, queued(alice))
}

func TestBroadcastSkipsClosedSessions(t *testing.T) {
	h, _ := newTestHub(t)
	addSession(h, "alice")
	bob, bobConn := addSession(h, "bob")
	carol, _ := addSession(h, "carol")
	require.NoError(t, bobConn.Close())

	assert.Equal(t, 1, h.Broadcast("alice", "hi"))
	assert.Empty(t, queued(bob))
	assert.Len(t, queued(carol), 1)
}

func TestBroadcastDoesNotWaitForWriters(t *testing.T) {
	h, _ := newTestHub(t)
	addSession(h, "alice")
	bob, bobConn := addSession(h, "bob")
	carol, _ := addSession(h, "carol")

	release := make(chan struct{})
	bobConn.onWrite = func([]byte) (int, error) {
		<-release
		return 0, nil
	}
	startPump(t, h, bob)
	t.Cleanup(func() { close(release) })

	start := time.Now()
	for i := 0; i < 3; i++ {
		assert.Equal(t, 2, h.Broadcast("alice", "hi"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Len(t, queued(carol), 3)
}

func TestBroadcastClosesRecipientWithFullQueue(t *testing.T) {
	h, metrics := newTestHub(t, func(cfg *config.Config) {
		cfg.Protocol.SendQueueSize = 1
	})
	addSession(h, "alice")
	bob, bobConn := addSession(h, "bob")
	carol, _ := addSession(h, "carol")

	assert.Equal(t, 2, h.Broadcast("alice", "one"))
	queued(carol)

	assert.Equal(t, 1, h.Broadcast("alice", "two"))
	assert.False(t, bobConn.IsOpen())
	assert.Len(t, queued(carol), 1)
	assert.Len(t, queued(bob), 1, "frames queued before the overflow stay put")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Deliveries.WithLabelValues("failed")))
}

func TestSessionEnqueueAfterClose(t *testing.T) {
	s := testSession("alice", 1)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Enqueue([]byte("late")), errSessionClosed)
	assert.ErrorIs(t, s.enqueueWait(context.Background(), []byte("late")), errSessionClosed)
}

func TestSessionEnqueueWaitHonoursContext(t *testing.T) {
	conn := newFakeConn()
	s := newSession("alice", conn, 1, time.Second, 1, nil)
	require.NoError(t, s.Enqueue([]byte("first")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.enqueueWait(ctx, []byte("second")), context.DeadlineExceeded)
	assert.True(t, s.IsOpen(), "waiting never closes the session")
}

func TestWritePumpDeliversInOrder(t *testing.T) {
	h, metrics := newTestHub(t)
	s, conn := addSession(h, "bob")
	startPump(t, h, s)

	codec := h.Codec()
	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, s.Enqueue(codec.Encode(msg)))
	}

	require.Eventually(t, func() bool { return len(conn.written()) == 3 }, time.Second, 5*time.Millisecond)
	var got []string
	for _, w := range conn.written() {
		got = append(got, codec.Decode(w))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.Deliveries.WithLabelValues("ok")))
}

func TestWritePumpContinuesPastFailedWrite(t *testing.T) {
	h, metrics := newTestHub(t)
	s, conn := addSession(h, "bob")
	var calls sync.Mutex
	failed := false
	conn.onWrite = func([]byte) (int, error) {
		calls.Lock()
		defer calls.Unlock()
		if !failed {
			failed = true
			return 0, errWriteFailed
		}
		return 0, nil
	}
	startPump(t, h, s)

	require.NoError(t, s.Enqueue(h.Codec().Encode("lost")))
	require.NoError(t, s.Enqueue(h.Codec().Encode("kept")))

	require.Eventually(t, func() bool { return len(conn.written()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "kept", h.Codec().Decode(conn.written()[0]))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Deliveries.WithLabelValues("failed")))
	assert.True(t, conn.IsOpen(), "a failed write with nothing sent leaves the connection alone")
}

func TestWritePumpStopsWhenSessionCloses(t *testing.T) {
	h, _ := newTestHub(t)
	s, _ := addSession(h, "bob")

	done := make(chan error, 1)
	go func() { done <- h.writePump(context.Background(), s, zap.NewNop()) }()

	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("writer kept running after close")
	}
}

func TestSlowRecipientDoesNotDelayOthers(t *testing.T) {
	h, _ := newTestHub(t, func(cfg *config.Config) {
		cfg.Protocol.WriteTimeout = 2 * time.Second
	})
	codec := h.Codec()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	serve := func(name string) net.Conn {
		conn, peer := pipeConn(t)
		writeAsync(peer, codec.Encode("userName:"+name))
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ServeConn(ctx, conn)
		}()
		return peer
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	// bob never reads, so every write to him blocks until the deadline.
	serve("bob")
	carol := collectFrames(serve("carol"), codec)
	require.Eventually(t, func() bool { return h.Registry().Count() == 2 }, time.Second, 5*time.Millisecond)

	alice, peer := pipeConn(t)
	writeAsync(peer, codec.Encode("userName:alice"),
		codec.Encode("m1"), codec.Encode("m2"), codec.Encode("m3"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.ServeConn(ctx, alice)
	}()

	deadline := time.After(time.Second)
	for _, want := range []string{"m1", "m2", "m3"} {
		select {
		case got := <-carol:
			assert.Equal(t, want, got)
		case <-deadline:
			t.Fatalf("carol did not get %q while bob was stalled", want)
		}
	}
}

func TestSessionSendSerializesFrames(t *testing.T) {
	conn := newFakeConn()
	s := newSession("alice", conn, 1, time.Second, 1, nil)
	codec := frame.New(frame.DefaultSize)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Send(codec.Encode("x")))
		}()
	}
	wg.Wait()

	writes := conn.written()
	require.Len(t, writes, 20)
	for _, w := range writes {
		assert.Len(t, w, frame.DefaultSize)
	}
}

func TestSessionSendClosesOnPartialWrite(t *testing.T) {
	conn := newFakeConn()
	conn.onWrite = func(p []byte) (int, error) { return len(p) / 2, errWriteFailed }
	s := newSession("alice", conn, 1, time.Second, 1, nil)

	err := s.Send(make([]byte, frame.DefaultSize))
	require.ErrorIs(t, err, errWriteFailed)
	assert.False(t, s.IsOpen())

	assert.ErrorIs(t, s.Send(make([]byte, frame.DefaultSize)), errSessionClosed)
}

func TestSessionIDsAreUnique(t *testing.T) {
	a := testSession("alice", 1)
	b := testSession("alice", 2)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestServeConnRejectsBadHandshake(t *testing.T) {
	h, metrics := newTestHub(t)
	conn, peer := pipeConn(t)
	writeAsync(peer, h.Codec().Encode("hello"))

	h.ServeConn(context.Background(), conn)

	assert.False(t, conn.IsOpen())
	assert.Zero(t, h.Registry().Count())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Handshakes.WithLabelValues("failed")))
}

func TestServeConnRegistersAndCleansUp(t *testing.T) {
	h, metrics := newTestHub(t)
	conn, peer := pipeConn(t)
	writeAsync(peer, h.Codec().Encode("userName:alice"), h.Codec().Encode("first"))

	done := make(chan struct{})
	go func() {
		h.ServeConn(context.Background(), conn)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.History().Len("alice") == 1 }, time.Second, 5*time.Millisecond)
	_, ok := h.Registry().Lookup("alice")
	assert.True(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SessionsConnected))

	require.NoError(t, peer.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after the peer closed")
	}

	assert.Zero(t, h.Registry().Count())
	assert.Zero(t, testutil.ToFloat64(metrics.SessionsConnected))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.MessagesReceived))
}

func TestSessionsGaugeSurvivesReplacement(t *testing.T) {
	h, metrics := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serve := func() (net.Conn, chan struct{}) {
		conn, peer := pipeConn(t)
		writeAsync(peer, h.Codec().Encode("userName:grace"))
		done := make(chan struct{})
		go func() {
			h.ServeConn(ctx, conn)
			close(done)
		}()
		return peer, done
	}

	firstPeer, firstDone := serve()
	require.Eventually(t, func() bool { return h.Registry().Count() == 1 }, time.Second, 5*time.Millisecond)
	first, _ := h.Registry().Lookup("grace")

	_, secondDone := serve()
	require.Eventually(t, func() bool {
		cur, ok := h.Registry().Lookup("grace")
		return ok && cur != first
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SessionsConnected))

	require.NoError(t, firstPeer.Close())
	<-firstDone
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SessionsConnected),
		"the replaced session leaves the gauge alone")

	cancel()
	<-secondDone
	assert.Zero(t, testutil.ToFloat64(metrics.SessionsConnected))
}

func TestServeConnStopsOnCancel(t *testing.T) {
	h, _ := newTestHub(t)
	conn, peer := pipeConn(t)
	writeAsync(peer, h.Codec().Encode("userName:alice"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.ServeConn(ctx, conn)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.Registry().Count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn ignored cancellation")
	}
	assert.False(t, conn.IsOpen())
	assert.Zero(t, h.Registry().Count())
}
