// Package frame reassembles fixed-size frames from polled reads.
package frame

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Source is the part of a transport connection a Reader needs.
type Source interface {
	Read(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	MessageOriented() bool
}

// Reader assembles frames from a Source.
//
// On stream sources bytes are accumulated until a full frame is available; a
// partial frame survives polling timeouts and is completed by later reads. On
// message-oriented sources every read is one frame, shorter messages being
// treated as zero padded.
type Reader struct {
	src   Source
	codec Codec
	poll  time.Duration
	buf   []byte
	n     int
}

// NewReader returns a Reader that waits at most poll for each call to Next.
// A zero poll blocks until data arrives.
func NewReader(src Source, codec Codec, poll time.Duration) *Reader {
	return &Reader{
		src:   src,
		codec: codec,
		poll:  poll,
		buf:   make([]byte, codec.size()),
	}
}

// Next returns the next complete frame. It returns ErrNoData when the poll
// interval elapsed first, and the transport error otherwise.
func (r *Reader) Next() ([]byte, error) {
	deadline := time.Time{}
	if r.poll > 0 {
		deadline = time.Now().Add(r.poll)
	}
	if err := r.src.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	if r.src.MessageOriented() {
		return r.nextMessage()
	}
	return r.nextChunk()
}

// Pending reports how many bytes of an incomplete frame are buffered.
func (r *Reader) Pending() int {
	return r.n
}

func (r *Reader) nextMessage() ([]byte, error) {
	clear(r.buf)
	n, err := r.src.Read(r.buf)
	if err != nil && n == 0 {
		if IsTimeout(err) {
			return nil, ErrNoData
		}
		return nil, err
	}
	return r.take(), nil
}

func (r *Reader) nextChunk() ([]byte, error) {
	for r.n < len(r.buf) {
		n, err := r.src.Read(r.buf[r.n:])
		r.n += n
		if err != nil {
			if r.n == len(r.buf) {
				break
			}
			if IsTimeout(err) {
				return nil, ErrNoData
			}
			return nil, err
		}
		if n == 0 {
			if r.n == 0 {
				return r.take(), nil
			}
			return nil, ErrNoData
		}
	}
	return r.take(), nil
}

func (r *Reader) take() []byte {
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	clear(r.buf)
	r.n = 0
	return out
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
