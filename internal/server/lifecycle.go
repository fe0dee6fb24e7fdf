// Package server drives each accepted connection through handshake,
// registration, history replay, reading and cleanup.
package server

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/pipechat/internal/frame"
	"github.com/Tyrowin/pipechat/internal/transport"
)

// ServeConn drives one connection from handshake to cleanup and returns when
// the session is over. The connection is always closed on return.
//
// After a successful handshake the session is registered and three tasks run
// side by side: the writer that drains the session's send queue, replay of
// the user's history as it stood at registration, and the read loop that
// stores and broadcasts new messages. The session ends when the read loop
// does; it is then unregistered, unless a newer connection has taken the
// name over in the meantime.
func (h *Hub) ServeConn(ctx context.Context, conn transport.Conn) {
	log := h.log.With(zap.String("remote", conn.RemoteAddr()))
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered from panic while serving connection", zap.Any("panic", r))
			_ = conn.Close()
		}
	}()

	log.Debug("connection attempt")

	name, err := h.negotiator.Negotiate(ctx, conn)
	if err != nil {
		h.metrics.handshake(false)
		log.Info("invalid connection attempt, closing", zap.Error(err))
		_ = conn.Close()
		return
	}
	h.metrics.handshake(true)

	sess := h.newSession(name, conn)
	log = log.With(zap.String("user", name), zap.String("session", sess.ID))

	if prev := h.registry.Register(sess); prev != nil {
		log.Warn("user reconnected, replacing registered session", zap.String("previous_session", prev.ID))
	} else {
		h.metrics.SessionsConnected.Inc()
	}
	log.Info("user connected to the chat")
	defer h.release(sess, log)

	backlog, count := h.history.Snapshot(name)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return safely(func() error { return h.writePump(gctx, sess, log) })
	})
	if count > 0 {
		g.Go(func() error {
			return safely(func() error {
				h.replay(gctx, sess, backlog, log)
				return nil
			})
		})
	}
	g.Go(func() error {
		// The writer and replay stop once the session is closed.
		defer sess.Close()
		return safely(func() error { return h.readLoop(gctx, sess, log) })
	})

	if err := g.Wait(); err != nil {
		log.Error("session task failed", zap.Error(err))
	}
}

// release closes the session's connection and removes it from the registry
// if it still owns its name.
func (h *Hub) release(sess *Session, log *zap.Logger) {
	if err := sess.Close(); err != nil && !transport.IsClosed(err) {
		log.Debug("error closing connection", zap.Error(err))
	}

	if h.registry.Unregister(sess) {
		h.metrics.SessionsConnected.Dec()
		log.Info("user disconnected from the chat")
	} else {
		log.Info("user disconnected, newer session keeps the name")
	}
}

// replay queues a user's earlier messages back to them in order. It waits for
// queue room rather than dropping, so the whole backlog is delivered unless
// the session ends first.
func (h *Hub) replay(ctx context.Context, sess *Session, backlog []string, log *zap.Logger) {
	log.Info("replaying message history", zap.Int("messages", len(backlog)))

	for i, msg := range backlog {
		if err := sess.enqueueWait(ctx, h.codec.Encode(msg)); err != nil {
			log.Warn("history replay interrupted", zap.Int("queued", i), zap.Error(err))
			return
		}
		h.metrics.ReplayedMessages.Inc()
		log.Debug("queued message from history", zap.Int("number", i+1))
	}

	log.Debug("history replay finished")
}

// readLoop polls the connection for frames until it closes or ctx is
// cancelled. Each non-empty frame is appended to the sender's history and
// then queued for every other session. Queueing never blocks, and each
// recipient's queue is drained in order, so one sender's messages reach
// everybody in the order they were read.
func (h *Hub) readLoop(ctx context.Context, sess *Session, log *zap.Logger) error {
	delay := h.cfg.Protocol.ReadDelay
	reader := frame.NewReader(sess.conn, h.codec, delay)

	for sess.IsOpen() {
		if ctx.Err() != nil {
			return nil
		}

		buf, err := reader.Next()
		if errors.Is(err, frame.ErrNoData) {
			continue
		}
		if err != nil {
			if transport.IsClosed(err) {
				log.Debug("connection closed by peer", zap.Error(err))
			} else {
				log.Warn("read failed", zap.Error(err))
			}
			return nil
		}

		text := h.codec.Decode(buf)
		if text == "" {
			if sleepCtx(ctx, delay) != nil {
				return nil
			}
			continue
		}

		if !sess.allow() {
			h.metrics.MessagesDropped.Inc()
			log.Warn("rate limit exceeded, discarding message")
			continue
		}

		total := h.history.Append(sess.Name, text)
		h.metrics.MessagesReceived.Inc()
		log.Info("message received",
			zap.Int("number", sess.nextMessageNumber()),
			zap.Int("history", total))
		log.Debug("message content", zap.String("content", text))

		h.Broadcast(sess.Name, text)
	}

	return nil
}
