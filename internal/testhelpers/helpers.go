// Package testhelpers starts pipechat servers on temporary unix sockets and
// connects clients to them, so tests can exercise the broker end to end.
package testhelpers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/pipechat/internal/client"
	"github.com/Tyrowin/pipechat/internal/config"
	"github.com/Tyrowin/pipechat/internal/server"
	"github.com/Tyrowin/pipechat/internal/transport"
)

// ReceiveTimeout bounds how long helpers wait for an expected frame.
const ReceiveTimeout = 3 * time.Second

// TestConfig returns defaults tightened for fast tests.
func TestConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Protocol.ReadDelay = 20 * time.Millisecond
	cfg.Protocol.HandshakeAttempts = 10
	cfg.Protocol.WriteTimeout = time.Second
	cfg.Server.ShutdownTimeout = 2 * time.Second
	return cfg
}

// Harness is a running server bound to a socket under t.TempDir().
type Harness struct {
	Server   *server.Server
	Config   *config.Config
	Registry *prometheus.Registry
	Metrics  *server.Metrics
	Network  string
	Path     string

	cancel context.CancelFunc
	done   chan error
}

// StartServer starts a server with TestConfig, optionally adjusted by
// mutate. It is stopped automatically when the test ends.
func StartServer(t *testing.T, mutate func(*config.Config)) *Harness {
	t.Helper()

	cfg := TestConfig()
	cfg.Socket.Path = filepath.Join(t.TempDir(), "pipechat.sock")
	if mutate != nil {
		mutate(cfg)
	}

	listener, err := transport.ListenUnix(cfg.Socket.Network, cfg.Socket.Path, 0o600)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := server.NewMetrics(reg)
	// Sessions keep logging after the test returns until shutdown completes.
	srv := server.New(cfg, zap.NewNop(), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	h := &Harness{
		Server:   srv,
		Config:   cfg,
		Registry: reg,
		Metrics:  metrics,
		Network:  cfg.Socket.Network,
		Path:     listener.Path(),
		cancel:   cancel,
		done:     make(chan error, 1),
	}

	go func() {
		h.done <- srv.Serve(ctx, listener)
	}()

	t.Cleanup(func() { h.Stop(t) })
	return h
}

// Stop cancels the server and waits for its sessions. Calling it twice is
// harmless.
func (h *Harness) Stop(t *testing.T) {
	t.Helper()

	h.cancel()
	select {
	case err, ok := <-h.done:
		if ok {
			assert.NoError(t, err)
			close(h.done)
		}
	case <-time.After(ReceiveTimeout):
		t.Error("server did not stop accepting in time")
	}
	if err := h.Server.Shutdown(h.Config.Server.ShutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("shutdown: %v", err)
	}
}

// Options returns client options matching the harness protocol settings.
func (h *Harness) Options() client.Options {
	return client.Options{
		FrameSize:    h.Config.Protocol.FrameSize,
		MetadataKey:  h.Config.Protocol.MetadataKey,
		PollInterval: 20 * time.Millisecond,
		WriteTimeout: time.Second,
	}
}

// Connect dials the harness and declares name.
func (h *Harness) Connect(t *testing.T, name string) *client.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), ReceiveTimeout)
	defer cancel()

	c, err := client.Connect(ctx, h.Network, h.Path, name, h.Options())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Dial opens a raw client without sending a handshake.
func (h *Harness) Dial(t *testing.T) *client.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), ReceiveTimeout)
	defer cancel()

	conn, err := transport.Dial(ctx, h.Network, h.Path)
	require.NoError(t, err)
	c := client.New(conn, h.Options())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// WaitForSessions waits until n sessions are registered.
func (h *Harness) WaitForSessions(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Server.Hub().Registry().Count() == n
	}, ReceiveTimeout, 10*time.Millisecond, "expected %d registered sessions", n)
}

// WaitForUser waits until name is registered.
func (h *Harness) WaitForUser(t *testing.T, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := h.Server.Hub().Registry().Lookup(name)
		return ok
	}, ReceiveTimeout, 10*time.Millisecond, "user %q never registered", name)
}

// ExpectMessage receives one frame and checks its text.
func ExpectMessage(t *testing.T, c *client.Client, want string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), ReceiveTimeout)
	defer cancel()

	got, err := c.Receive(ctx)
	require.NoError(t, err, "waiting for %q", want)
	assert.Equal(t, want, got)
}

// ExpectNoMessage asserts that nothing arrives within d.
func ExpectNoMessage(t *testing.T, c *client.Client, d time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	got, err := c.Receive(ctx)
	if err == nil {
		t.Errorf("expected no message, got %q", got)
		return
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ExpectClosed waits until the server has closed c's connection.
func ExpectClosed(t *testing.T, c *client.Client) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), ReceiveTimeout)
	defer cancel()

	_, err := c.Receive(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded, "connection was not closed")
}
