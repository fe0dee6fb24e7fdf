// Package server coordinates session registration, message history and
// broadcast for the pipechat broker via the Hub type.
package server

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Tyrowin/pipechat/internal/config"
	"github.com/Tyrowin/pipechat/internal/frame"
	"github.com/Tyrowin/pipechat/internal/logging"
	"github.com/Tyrowin/pipechat/internal/transport"
)

// Hub owns the shared broker state: the session registry, the per-user
// message history and the broadcast fan-out. Every accepted connection is
// driven through ServeConn on its own goroutine.
type Hub struct {
	cfg        *config.Config
	codec      frame.Codec
	negotiator Negotiator
	registry   *Registry
	history    *History
	metrics    *Metrics
	log        *zap.Logger
	seq        atomic.Uint64
}

// NewHub creates a hub from cfg. A nil cfg means defaults, a nil logger
// discards output and nil metrics are replaced by an unregistered set.
func NewHub(cfg *config.Config, log *zap.Logger, metrics *Metrics) *Hub {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	cfg.Sanitize()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	codec := frame.New(cfg.Protocol.FrameSize)
	return &Hub{
		cfg:   cfg,
		codec: codec,
		negotiator: Negotiator{
			Codec:       codec,
			MetadataKey: cfg.Protocol.MetadataKey,
			Attempts:    cfg.Protocol.HandshakeAttempts,
			Delay:       cfg.Protocol.ReadDelay,
		},
		registry: NewRegistry(),
		history:  NewHistory(),
		metrics:  metrics,
		log:      logging.OrNop(log),
	}
}

// Registry returns the hub's session registry.
func (h *Hub) Registry() *Registry { return h.registry }

// History returns the hub's message history store.
func (h *Hub) History() *History { return h.history }

// Codec returns the frame codec every session of this hub uses.
func (h *Hub) Codec() frame.Codec { return h.codec }

func (h *Hub) newSession(name string, conn transport.Conn) *Session {
	return newSession(name, conn, h.seq.Add(1), h.cfg.Protocol.WriteTimeout,
		h.cfg.Protocol.SendQueueSize, newRateLimiter(h.cfg.RateLimit))
}

// Broadcast queues text for every registered session except the ones named
// senderName and returns how many sessions accepted it. It never waits on a
// peer: each session's writer delivers in queue order, so one slow recipient
// delays nobody else. A recipient whose queue is full is disconnected.
func (h *Hub) Broadcast(senderName, text string) int {
	sessions := h.registry.Snapshot()
	if len(sessions) < 2 {
		return 0
	}

	payload := h.codec.Encode(text)
	queued := 0

	for _, s := range sessions {
		if s.Name == senderName || !s.IsOpen() {
			continue
		}
		if err := s.Enqueue(payload); err != nil {
			h.metrics.delivery(false)
			if errors.Is(err, errQueueFull) {
				h.log.Warn("recipient is not keeping up, closing session",
					zap.String("from", senderName),
					zap.String("to", s.Name),
					zap.String("session", s.ID))
			}
			continue
		}
		queued++
	}

	h.log.Debug("message broadcast",
		zap.String("from", senderName),
		zap.Int("queued", queued))
	return queued
}

// writePump is the only writer for sess. It drains the send queue until the
// session closes or ctx is cancelled. Write failures are logged and counted,
// never retried.
func (h *Hub) writePump(ctx context.Context, sess *Session, log *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.done:
			return nil
		case payload := <-sess.send:
			err := safely(func() error { return sess.Send(payload) })
			if err != nil {
				h.metrics.delivery(false)
				log.Warn("failed to send message", zap.Error(err))
				if !sess.IsOpen() {
					return nil
				}
				continue
			}
			h.metrics.delivery(true)
		}
	}
}
