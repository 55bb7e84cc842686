// Package udp mirrors forwarded frames to a single UDP destination, typically
// a broadcast address on the local network.
package udp

import (
	"fmt"
	"net"
	"syscall"
)

type udpConn interface {
	Write([]byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// Mirror sends each frame as one datagram. A connected UDP socket never
// waits on the receiver, so Send is safe to call from the poll loop.
type Mirror struct {
	dest string
	conn udpConn
}

func NewMirror(dest string) (*Mirror, error) {
	return newMirror(dest, net.ResolveUDPAddr, dialBroadcast)
}

func newMirror(dest string, resolve resolveFunc, dial dialFunc) (*Mirror, error) {
	addr, err := resolve("udp4", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Mirror{dest: dest, conn: conn}, nil
}

func dialBroadcast(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
	d := net.Dialer{
		LocalAddr: laddr,
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = setBroadcast(fd)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	conn, err := d.Dial(network, raddr.String())
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}

func (m *Mirror) Dest() string { return m.dest }

func (m *Mirror) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := m.conn.Write(payload)
	return err
}

func (m *Mirror) Close() error {
	if m == nil || m.conn == nil {
		return nil
	}
	return m.conn.Close()
}
