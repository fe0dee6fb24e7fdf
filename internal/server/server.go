// Package server accepts connections from any number of listeners and
// hands each one to the hub.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/pipechat/internal/config"
	"github.com/Tyrowin/pipechat/internal/logging"
	"github.com/Tyrowin/pipechat/internal/transport"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server accepts connections from one or more listeners and hands each to
// the hub on its own goroutine. Accepting never waits on a session.
type Server struct {
	hub     *Hub
	cfg     *config.Config
	metrics *Metrics
	log     *zap.Logger

	mu    sync.Mutex
	conns map[transport.Conn]struct{}
	wg    sync.WaitGroup
}

// New creates a server with a fresh hub.
func New(cfg *config.Config, log *zap.Logger, metrics *Metrics) *Server {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	log = logging.OrNop(log)

	return &Server{
		hub:     NewHub(cfg, log, metrics),
		cfg:     cfg,
		metrics: metrics,
		log:     log,
		conns:   make(map[transport.Conn]struct{}),
	}
}

// Hub returns the hub that serves this server's connections.
func (s *Server) Hub() *Hub { return s.hub }

// Serve runs an accept loop per listener until ctx is cancelled or every
// listener has closed. Cancelling ctx closes the listeners and is propagated
// to the sessions; use Shutdown afterwards to wait for them.
func (s *Server) Serve(ctx context.Context, listeners ...transport.Listener) error {
	if len(listeners) == 0 {
		return errors.New("serve: no listeners")
	}

	stop := context.AfterFunc(ctx, func() {
		for _, l := range listeners {
			if err := l.Close(); err != nil && !transport.IsClosed(err) {
				s.log.Warn("error closing listener", zap.String("addr", l.Addr()), zap.Error(err))
			}
		}
	})
	defer stop()

	var g errgroup.Group
	for _, l := range listeners {
		l := l
		g.Go(func() error { return s.acceptLoop(ctx, l) })
	}
	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, l transport.Listener) error {
	log := s.log.With(zap.String("listener", l.Addr()))
	log.Info("waiting for clients")

	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || transport.IsClosed(err) {
				log.Info("listener stopped")
				return nil
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			if sleepCtx(ctx, backoff) != nil {
				return nil
			}
			continue
		}
		backoff = 0

		if !s.track(conn) {
			s.metrics.ConnectionsRejected.Inc()
			log.Warn("connection limit reached, rejecting client",
				zap.String("remote", conn.RemoteAddr()),
				zap.Int("max_connections", s.cfg.Server.MaxConnections))
			_ = conn.Close()
			continue
		}

		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn transport.Conn) {
	defer s.untrack(conn)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered from panic in connection goroutine", zap.Any("panic", r))
		}
	}()
	s.hub.ServeConn(ctx, conn)
}

func (s *Server) track(conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit := s.cfg.Server.MaxConnections; limit > 0 && len(s.conns) >= limit {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn transport.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// ActiveConnections reports connections currently being served, including
// ones still in the handshake.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown waits for every connection goroutine to finish. If timeout passes
// first, the remaining connections are closed and context.DeadlineExceeded is
// returned.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.log.Info("waiting for sessions to finish", zap.Int("active", s.ActiveConnections()))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all sessions finished")
		return nil
	case <-time.After(timeout):
	}

	s.mu.Lock()
	remaining := make([]transport.Conn, 0, len(s.conns))
	for conn := range s.conns {
		remaining = append(remaining, conn)
	}
	s.mu.Unlock()

	for _, conn := range remaining {
		_ = conn.Close()
	}
	s.log.Warn("shutdown timeout reached, closed remaining connections", zap.Int("closed", len(remaining)))
	return context.DeadlineExceeded
}
