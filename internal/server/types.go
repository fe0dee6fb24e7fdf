// Package server defines the errors and small helpers shared by the broker.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrHandshakeFailed wraps every reason a connection failed to declare an
// identity. Callers treat all of them the same way: close the connection.
var ErrHandshakeFailed = errors.New("handshake failed")

// errSessionClosed is returned when writing to a session whose transport is
// already gone.
var errSessionClosed = errors.New("session closed")

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// safely runs fn, turning a panic into an error so that one session can never
// take down the process.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	return fn()
}
