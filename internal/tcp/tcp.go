// Package tcp provides raw, non-blocking TCP descriptors for a poll loop.
//
// net.Listener hides its descriptor behind the runtime netpoller, which does
// not mix with an explicit poll(2) table, so the sockets here are created and
// driven with plain syscalls.
package tcp

import (
	"errors"
	"fmt"
	"sync"
)

var ErrUnsupported = errors.New("tcp: raw sockets not supported on this platform")

// Conn is an accepted client connection.
type Conn struct {
	remote string

	mu sync.Mutex
	fd int
}

func (c *Conn) Fd() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fd
}

func (c *Conn) RemoteAddr() string { return c.remote }

func (c *Conn) String() string {
	return fmt.Sprintf("tcp(fd=%d remote=%s)", c.Fd(), c.remote)
}

// Listener is a bound, listening socket in non-blocking mode.
type Listener struct {
	port     int
	reuseErr error

	mu sync.Mutex
	fd int
}

func (l *Listener) Fd() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fd
}

// Port returns the bound port, which differs from the requested one when
// listening on port 0.
func (l *Listener) Port() int { return l.port }

// ReuseAddrErr returns the error from setting SO_REUSEADDR, if any. The
// listener works without it.
func (l *Listener) ReuseAddrErr() error { return l.reuseErr }
