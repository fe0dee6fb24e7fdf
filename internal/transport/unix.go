// Package transport listens on and dials unix domain sockets.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// Unix socket networks accepted by ListenUnix and Dial.
const (
	NetworkUnix       = "unix"
	NetworkUnixPacket = "unixpacket"
)

// UnixListener accepts connections on a named unix domain socket.
type UnixListener struct {
	ln        net.Listener
	network   string
	path      string
	closeOnce sync.Once
	closeErr  error
}

// ListenUnix listens on the socket file at path. A stale socket file from an
// earlier run is removed first, missing parent directories are created and
// perm is applied to the socket file when non-zero.
func ListenUnix(network, path string, perm os.FileMode) (*UnixListener, error) {
	if err := validNetwork(network); err != nil {
		return nil, err
	}

	absPath, err := prepareSocketPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare socket path: %w", err)
	}

	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket file: %w", err)
	}

	ln, err := net.Listen(network, absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s socket %s: %w", network, absPath, err)
	}

	if perm != 0 {
		if err := os.Chmod(absPath, perm); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("failed to set socket permissions: %w", err)
		}
	}

	return &UnixListener{ln: ln, network: network, path: absPath}, nil
}

// Accept waits for the next connection.
func (l *UnixListener) Accept() (Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewNetConn(conn, l.network == NetworkUnixPacket), nil
}

// Close stops listening and removes the socket file.
func (l *UnixListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) && l.closeErr == nil {
			l.closeErr = fmt.Errorf("failed to remove socket file %s: %w", l.path, err)
		}
	})
	return l.closeErr
}

// Addr returns the network and absolute socket path.
func (l *UnixListener) Addr() string {
	return l.network + ":" + l.path
}

// Path returns the absolute socket path.
func (l *UnixListener) Path() string {
	return l.path
}

// Dial connects to a unix socket server.
func Dial(ctx context.Context, network, path string) (Conn, error) {
	if err := validNetwork(network); err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, path)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, path, err)
	}
	return NewNetConn(conn, network == NetworkUnixPacket), nil
}

func validNetwork(network string) error {
	switch network {
	case NetworkUnix, NetworkUnixPacket:
		return nil
	default:
		return errors.New("transport: unsupported network " + network)
	}
}

func prepareSocketPath(socketPath string) (string, error) {
	if socketPath == "" {
		return "", errors.New("socket path is not configured")
	}

	absPath, err := filepath.Abs(socketPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	parentDir := filepath.Dir(absPath)
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create parent directory %s: %w", parentDir, err)
	}

	return absPath, nil
}
