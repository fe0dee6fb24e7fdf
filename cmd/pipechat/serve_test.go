package main

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/pipechat/internal/server"
	"github.com/Tyrowin/pipechat/internal/transport"
)

func startServeAll(t *testing.T, ctx context.Context) (*transport.UnixListener, <-chan error) {
	t.Helper()
	socket, err := transport.ListenUnix(transport.NetworkUnix, filepath.Join(t.TempDir(), "serve.sock"), 0o600)
	require.NoError(t, err)

	srv := server.New(nil, zap.NewNop(), nil)
	httpSrv := server.CreateServer("127.0.0.1:0", http.NewServeMux())

	done := make(chan error, 1)
	go func() {
		done <- serveAll(ctx, srv, []transport.Listener{socket}, httpSrv, time.Second, zap.NewNop())
	}()
	t.Cleanup(func() { _ = srv.Shutdown(time.Second) })
	return socket, done
}

func TestServeAllStopsWhenListenersClose(t *testing.T) {
	socket, done := startServeAll(t, context.Background())

	// Let both servers start before the socket goes away on its own.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, socket.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("admin HTTP server kept running after the broker stopped")
	}
}

func TestServeAllStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, done := startServeAll(t, ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serveAll ignored cancellation")
	}
}
