package bridge

import (
	"io"

	"golang.org/x/sys/unix"
)

// Fixed slot layout of the endpoint table.
const (
	UpstreamSlot    = 0
	ListenerSlot    = 1
	FirstClientSlot = 2
)

const emptyFd = -1

// readable covers data, hangup and error: each of them is resolved by a read.
const readable = unix.POLLIN | unix.POLLHUP | unix.POLLERR

// Endpoint is a non-blocking byte stream with a pollable descriptor.
type Endpoint interface {
	io.ReadWriteCloser
	Fd() int
}

type client struct {
	ep     Endpoint
	id     string
	remote string
}

// Table is the poll set: slot 0 is the upstream, slot 1 the listener and the
// rest are client slots. Empty slots hold fd -1, which poll(2) skips.
type Table struct {
	pfds    []unix.PollFd
	clients []client
}

func NewTable(size int) *Table {
	if size < FirstClientSlot+1 {
		size = FirstClientSlot + 1
	}
	t := &Table{
		pfds:    make([]unix.PollFd, size),
		clients: make([]client, size),
	}
	for i := range t.pfds {
		t.pfds[i].Fd = emptyFd
	}
	return t
}

func (t *Table) Len() int { return len(t.pfds) }

func (t *Table) setFixed(slot int, fd int) {
	t.pfds[slot] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
}

func (t *Table) clearFixed(slot int) {
	t.pfds[slot] = unix.PollFd{Fd: emptyFd}
}

// Allocate returns the lowest free client slot. There is no eviction: when
// every slot is taken the caller must refuse the new connection.
func (t *Table) Allocate() (int, bool) {
	for i := FirstClientSlot; i < len(t.pfds); i++ {
		if t.pfds[i].Fd == emptyFd {
			return i, true
		}
	}
	return 0, false
}

func (t *Table) put(slot int, ep Endpoint, id, remote string) {
	t.pfds[slot] = unix.PollFd{Fd: int32(ep.Fd()), Events: unix.POLLIN}
	t.clients[slot] = client{ep: ep, id: id, remote: remote}
}

// clear closes the client in slot and restores the empty sentinel.
func (t *Table) clear(slot int) error {
	c := t.clients[slot]
	t.pfds[slot] = unix.PollFd{Fd: emptyFd}
	t.clients[slot] = client{}
	if c.ep == nil {
		return nil
	}
	return c.ep.Close()
}

func (t *Table) client(slot int) (client, bool) {
	if slot < FirstClientSlot || slot >= len(t.pfds) || t.pfds[slot].Fd == emptyFd {
		return client{}, false
	}
	return t.clients[slot], true
}

// Clients returns the number of occupied client slots.
func (t *Table) Clients() int {
	n := 0
	for i := FirstClientSlot; i < len(t.pfds); i++ {
		if t.pfds[i].Fd != emptyFd {
			n++
		}
	}
	return n
}

// ready reports whether the last poll flagged slot as readable.
func (t *Table) ready(slot int) bool {
	p := t.pfds[slot]
	return p.Fd != emptyFd && p.Revents&readable != 0
}

// invalid reports whether the last poll rejected the slot's descriptor.
func (t *Table) invalid(slot int) bool {
	p := t.pfds[slot]
	return p.Fd != emptyFd && p.Revents&unix.POLLNVAL != 0
}
