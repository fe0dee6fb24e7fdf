// Package client is a small pipechat client: it dials a server, declares a
// user name and exchanges fixed-size frames.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/pipechat/internal/frame"
	"github.com/Tyrowin/pipechat/internal/transport"
)

// ErrNotConnected is returned when the connection has been closed.
var ErrNotConnected = errors.New("client: not connected")

const defaultPollInterval = 100 * time.Millisecond

// Options tune the client's framing. Zero values use the server defaults.
type Options struct {
	FrameSize    int
	MetadataKey  string
	PollInterval time.Duration
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.FrameSize <= 0 {
		o.FrameSize = frame.DefaultSize
	}
	if o.MetadataKey == "" {
		o.MetadataKey = "userName"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	return o
}

// Client wraps one transport connection. Send and Receive may be used from
// different goroutines; concurrent Receive calls are not supported.
type Client struct {
	conn   transport.Conn
	codec  frame.Codec
	reader *frame.Reader
	opts   Options

	mu   sync.Mutex
	name string
}

// New wraps an established connection without performing the handshake.
func New(conn transport.Conn, opts Options) *Client {
	opts = opts.withDefaults()
	codec := frame.New(opts.FrameSize)
	return &Client{
		conn:   conn,
		codec:  codec,
		reader: frame.NewReader(conn, codec, opts.PollInterval),
		opts:   opts,
	}
}

// Connect dials a unix socket and declares name.
func Connect(ctx context.Context, network, path, name string, opts Options) (*Client, error) {
	conn, err := transport.Dial(ctx, network, path)
	if err != nil {
		return nil, err
	}
	return handshake(conn, name, opts)
}

// ConnectWebSocket dials a websocket endpoint and declares name.
func ConnectWebSocket(ctx context.Context, url, origin, name string, opts Options) (*Client, error) {
	conn, err := transport.DialWebSocket(ctx, url, origin)
	if err != nil {
		return nil, err
	}
	return handshake(conn, name, opts)
}

func handshake(conn transport.Conn, name string, opts Options) (*Client, error) {
	c := New(conn, opts)
	if err := c.Handshake(name); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Handshake sends the identity declaration for name. It must be the first
// frame on the connection.
func (c *Client) Handshake(name string) error {
	if name == "" {
		return errors.New("client: empty user name")
	}
	if err := c.Send(frame.HandshakeText(c.opts.MetadataKey, name)); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
	return nil
}

// Name returns the declared user name, or "" before the handshake.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Send writes text as a single frame. Text longer than the frame size is
// truncated.
func (c *Client) Send(text string) error {
	return c.SendRaw(c.codec.Encode(text))
}

// SendRaw writes b unchanged.
func (c *Client) SendRaw(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.conn.IsOpen() {
		return ErrNotConnected
	}
	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive blocks until a non-empty frame arrives, ctx is done or the
// connection fails.
func (c *Client) Receive(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !c.conn.IsOpen() {
			return "", ErrNotConnected
		}

		buf, err := c.reader.Next()
		if errors.Is(err, frame.ErrNoData) {
			continue
		}
		if err != nil {
			if transport.IsClosed(err) {
				return "", fmt.Errorf("%w: %w", ErrNotConnected, err)
			}
			return "", err
		}

		if text := c.codec.Decode(buf); text != "" {
			return text, nil
		}
	}
}

// IsOpen reports whether the connection is still usable.
func (c *Client) IsOpen() bool {
	return c.conn.IsOpen()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
