package bridge

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeEndpoint struct {
	fd      int
	reads   [][]byte
	readErr error
	eof     bool

	writes   [][]byte
	writeErr error
	shortBy  int

	closed bool
}

func (e *fakeEndpoint) Fd() int { return e.fd }

func (e *fakeEndpoint) Read(p []byte) (int, error) {
	if len(e.reads) > 0 {
		n := copy(p, e.reads[0])
		e.reads = e.reads[1:]
		return n, nil
	}
	if e.readErr != nil {
		return 0, e.readErr
	}
	if e.eof {
		return 0, nil
	}
	return 0, unix.EAGAIN
}

func (e *fakeEndpoint) Write(p []byte) (int, error) {
	if e.writeErr != nil {
		return 0, e.writeErr
	}
	n := len(p) - e.shortBy
	if n < 0 {
		n = 0
	}
	e.writes = append(e.writes, append([]byte(nil), p[:n]...))
	return n, nil
}

func (e *fakeEndpoint) Close() error {
	e.closed = true
	return nil
}

func (e *fakeEndpoint) ready() bool {
	return len(e.reads) > 0 || e.readErr != nil || e.eof
}

func (e *fakeEndpoint) received() string {
	return string(bytes.Join(e.writes, nil))
}

type fakeListener struct {
	fd        int
	pending   []*fakeEndpoint
	acceptErr error
	closed    bool
}

func (l *fakeListener) Fd() int { return l.fd }

func (l *fakeListener) Accept() (Endpoint, string, error) {
	if err := l.acceptErr; err != nil {
		l.acceptErr = nil
		return nil, "", err
	}
	if len(l.pending) == 0 {
		return nil, "", unix.EAGAIN
	}
	c := l.pending[0]
	l.pending = l.pending[1:]
	return c, fmt.Sprintf("192.0.2.1:%d", 40000+c.fd), nil
}

func (l *fakeListener) Close() error {
	l.closed = true
	return nil
}

func (l *fakeListener) ready() bool { return len(l.pending) > 0 || l.acceptErr != nil }

type readier interface{ ready() bool }

// simPoller stands in for poll(2): a descriptor is readable while its fake
// has something to return.
type simPoller struct {
	byFd  map[int32]readier
	nval  map[int32]bool
	errs  []error
	hook  func(call int)
	calls int

	lastTimeout int
}

func (k *simPoller) poll(fds []unix.PollFd, timeoutMs int) (int, error) {
	k.calls++
	k.lastTimeout = timeoutMs
	if k.hook != nil {
		k.hook(k.calls)
	}
	if len(k.errs) > 0 {
		err := k.errs[0]
		k.errs = k.errs[1:]
		if err != nil {
			return -1, err
		}
	}

	n := 0
	for i := range fds {
		fds[i].Revents = 0
		if fds[i].Fd < 0 {
			continue
		}
		if k.nval[fds[i].Fd] {
			fds[i].Revents = unix.POLLNVAL
			n++
			continue
		}
		if r, ok := k.byFd[fds[i].Fd]; ok && r.ready() {
			fds[i].Revents = unix.POLLIN
			n++
		}
	}
	if n == 0 {
		time.Sleep(time.Millisecond)
	}
	return n, nil
}

type rig struct {
	t      *testing.T
	up     *fakeEndpoint
	ln     *fakeListener
	kernel *simPoller
	b      *Bridge
	logs   *bytes.Buffer
	nextFd int
}

func newRig(t *testing.T, cfg Config, opts ...Option) *rig {
	t.Helper()
	r := &rig{
		t:      t,
		up:     &fakeEndpoint{fd: 3},
		ln:     &fakeListener{fd: 4},
		kernel: &simPoller{byFd: map[int32]readier{}, nval: map[int32]bool{}},
		logs:   &bytes.Buffer{},
		nextFd: 9,
	}
	r.kernel.byFd[3] = r.up
	r.kernel.byFd[4] = r.ln

	all := append([]Option{
		WithPoller(r.kernel.poll),
		WithLogger(zerolog.New(r.logs)),
	}, opts...)
	b, err := newBridge(cfg, r.up, r.ln, all...)
	require.NoError(t, err)

	ids := 0
	b.newID = func() string {
		ids++
		return fmt.Sprintf("client-%d", ids)
	}
	r.b = b
	return r
}

// connect queues a pending connection on the listener.
func (r *rig) connect() *fakeEndpoint {
	r.nextFd++
	c := &fakeEndpoint{fd: r.nextFd}
	r.kernel.byFd[int32(c.fd)] = c
	r.ln.pending = append(r.ln.pending, c)
	return c
}

// accept connects n clients and runs one cycle per client.
func (r *rig) accept(n int) []*fakeEndpoint {
	out := make([]*fakeEndpoint, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.connect())
		r.cycle()
	}
	return out
}

func (r *rig) cycle() {
	r.t.Helper()
	require.NoError(r.t, r.b.cycle())
}

func (r *rig) slotOf(c *fakeEndpoint) int {
	for i := FirstClientSlot; i < r.b.table.Len(); i++ {
		if got, ok := r.b.table.client(i); ok && got.ep == Endpoint(c) {
			return i
		}
	}
	return -1
}
