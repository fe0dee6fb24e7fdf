// Package server negotiates the user name a new connection declares.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Tyrowin/pipechat/internal/frame"
	"github.com/Tyrowin/pipechat/internal/transport"
)

// Negotiator reads the identity declaration a client must send first. It
// polls for a bounded number of attempts; the first non-empty frame decides
// the outcome, either a valid "<key>:<name>" declaration or a failure.
type Negotiator struct {
	Codec       frame.Codec
	MetadataKey string
	Attempts    int
	Delay       time.Duration
}

// Negotiate returns the declared name. Every failure wraps ErrHandshakeFailed.
func (n Negotiator) Negotiate(ctx context.Context, conn transport.Conn) (string, error) {
	attempts := n.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	reader := frame.NewReader(conn, n.Codec, n.Delay)

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
		}
		if !conn.IsOpen() {
			return "", fmt.Errorf("%w: connection closed", ErrHandshakeFailed)
		}

		buf, err := reader.Next()
		if errors.Is(err, frame.ErrNoData) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
		}

		text := n.Codec.Decode(buf)
		if text == "" {
			// A zero-length read returns immediately; pace it like a timeout.
			if err := sleepCtx(ctx, n.Delay); err != nil {
				return "", fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
			}
			continue
		}

		name, ok := frame.ParseHandshake(n.MetadataKey, text)
		if !ok {
			return "", fmt.Errorf("%w: first frame is not a %q declaration", ErrHandshakeFailed, n.MetadataKey)
		}
		return name, nil
	}

	return "", fmt.Errorf("%w: no declaration after %d attempts", ErrHandshakeFailed, attempts)
}
