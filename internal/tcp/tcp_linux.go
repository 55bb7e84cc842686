//go:build linux

package tcp

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Listen creates an IPv4 stream socket bound to all interfaces on port.
func Listen(port int, backlog int) (*Listener, error) {
	if backlog <= 0 {
		backlog = 1
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	// Not fatal: only affects rebinding while old connections sit in TIME_WAIT.
	reuseErr := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		return nil, fmt.Errorf("bind port %d: %w", port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return nil, fmt.Errorf("listen port %d: %w", port, err)
	}

	bound := port
	if sa, err := unix.Getsockname(fd); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			bound = in4.Port
		}
	}

	ok = true
	return &Listener{port: bound, fd: fd, reuseErr: reuseErr}, nil
}

// Accept takes one pending connection. The returned Conn is non-blocking.
func (l *Listener) Accept() (*Conn, error) {
	nfd, sa, err := unix.Accept4(l.Fd(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Conn{fd: nfd, remote: sockaddrString(sa)}, nil
}

// Temporary reports whether an Accept error leaves the listener usable.
func Temporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.ECONNABORTED) ||
		errors.Is(err, unix.EPROTO)
}

func (l *Listener) Close() error {
	l.mu.Lock()
	fd := l.fd
	l.fd = -1
	l.mu.Unlock()
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

func (c *Conn) Read(b []byte) (int, error) {
	n, err := unix.Read(c.Fd(), b)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Write sends b without raising SIGPIPE on a closed peer. A full socket
// buffer shows up as a short write or EAGAIN; nothing is retried.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := unix.SendmsgN(c.Fd(), b, nil, nil, unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	fd := c.fd
	c.fd = -1
	c.mu.Unlock()
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}
