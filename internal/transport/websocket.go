// Package transport carries frames over websocket connections.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = 54 * time.Second
	controlWriteWait  = 10 * time.Second
)

// WebSocketOptions configures a WebSocketListener.
type WebSocketOptions struct {
	AllowedOrigins []string
	// MaxMessageSize is the websocket read limit. Messages above the frame
	// size but below this limit are truncated to one frame by the reader.
	MaxMessageSize int64
	PongWait       time.Duration
	PingPeriod     time.Duration
	Logger         *zap.Logger
}

// WebSocketListener is an http.Handler that upgrades requests to websocket
// connections and hands them out through Accept. Each websocket message is
// one frame.
type WebSocketListener struct {
	upgrader  websocket.Upgrader
	origins   originPolicy
	opts      WebSocketOptions
	log       *zap.Logger
	conns     chan Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketListener returns a listener ready to be mounted on a mux.
func NewWebSocketListener(opts WebSocketOptions) *WebSocketListener {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4096
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}

	l := &WebSocketListener{
		opts:  opts,
		log:   opts.Logger.Named("websocket"),
		conns: make(chan Conn),
		done:  make(chan struct{}),
	}
	l.origins = newOriginPolicy(opts.AllowedOrigins, l.log)
	l.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     l.checkOrigin,
	}
	return l
}

func (l *WebSocketListener) checkOrigin(r *http.Request) bool {
	if l.origins.allows(r) {
		return true
	}
	l.log.Warn("blocked websocket connection from disallowed origin", zap.String("origin", r.Header.Get("Origin")))
	return false
}

// ServeHTTP upgrades a GET request and queues the connection for Accept.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-l.done:
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(l.opts.MaxMessageSize)

	conn := newWSConn(ws, r.RemoteAddr, l.opts, l.log)
	select {
	case l.conns <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

// Accept waits for the next upgraded connection.
func (l *WebSocketListener) Accept() (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

// Close stops handing out connections. Upgrades in flight are closed.
func (l *WebSocketListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	return nil
}

// Addr names the listener for logs.
func (l *WebSocketListener) Addr() string {
	return "websocket"
}

// DialWebSocket opens a websocket connection to url, sending origin as the
// Origin header.
func DialWebSocket(ctx context.Context, url, origin string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	ws, resp, err := dialer.DialContext(ctx, url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", url, err)
	}
	return newWSConn(ws, url, WebSocketOptions{PongWait: defaultPongWait, PingPeriod: defaultPingPeriod}, zap.NewNop()), nil
}

// wsConn adapts a websocket connection to Conn. A read pump owns every
// ReadMessage call so that read deadlines can expire without breaking the
// websocket, which gorilla treats as fatal.
type wsConn struct {
	ws       *websocket.Conn
	addr     string
	log      *zap.Logger
	incoming chan []byte
	closing  chan struct{}
	gone     chan struct{}
	open     atomic.Bool

	closeOnce sync.Once

	deadlineMu   sync.Mutex
	readDeadline time.Time
}

func newWSConn(ws *websocket.Conn, addr string, opts WebSocketOptions, log *zap.Logger) *wsConn {
	c := &wsConn{
		ws:       ws,
		addr:     addr,
		log:      log.With(zap.String("remote", addr)),
		incoming: make(chan []byte),
		closing:  make(chan struct{}),
		gone:     make(chan struct{}),
	}
	c.open.Store(true)
	go c.readPump(opts.PongWait)
	go c.pingLoop(opts.PingPeriod)
	return c
}

// setupReadConnection arms the liveness deadline and extends it on every pong.
func (c *wsConn) setupReadConnection(pongWait time.Duration) {
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("error setting initial read deadline", zap.Error(err))
	}
	c.ws.SetPongHandler(func(string) error {
		if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Debug("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

func (c *wsConn) readPump(pongWait time.Duration) {
	defer func() {
		c.open.Store(false)
		close(c.gone)
	}()

	c.setupReadConnection(pongWait)

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Debug("error extending read deadline", zap.Error(err))
		}

		select {
		case c.incoming <- message:
		case <-c.closing:
			return
		}
	}
}

// handleReadError logs why the read pump stopped.
func (c *wsConn) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("websocket message exceeded read limit", zap.Error(err))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug("websocket peer disconnected", zap.Error(err))
	case IsClosed(err):
		c.log.Debug("websocket connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.log.Warn("websocket read error", zap.Error(err))
	}
}

func (c *wsConn) pingLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait)); err != nil {
				c.log.Debug("error writing ping", zap.Error(err))
				return
			}
		case <-c.closing:
			return
		case <-c.gone:
			return
		}
	}
}

// Read returns one websocket message. Messages longer than p are truncated.
func (c *wsConn) Read(p []byte) (int, error) {
	var timeout <-chan time.Time
	if deadline := c.getReadDeadline(); !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case message := <-c.incoming:
		return copy(p, message), nil
	case <-c.gone:
		return 0, io.EOF
	case <-c.closing:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

// Write sends p as one binary message. Callers serialize writes.
func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		if !IsTimeout(err) {
			c.open.Store(false)
		}
		return 0, err
	}
	return len(p), nil
}

// Close sends a close message and closes the connection.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.closing)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); werr != nil && !IsClosed(werr) {
			c.log.Debug("error writing close message", zap.Error(werr))
		}
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) IsOpen() bool { return c.open.Load() }

func (c *wsConn) MessageOriented() bool { return true }

func (c *wsConn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.readDeadline = t
	return nil
}

func (c *wsConn) getReadDeadline() time.Time {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	return c.readDeadline
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) RemoteAddr() string { return c.addr }
