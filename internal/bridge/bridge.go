// Package bridge forwards framed serial data to TCP clients from a single
// poll(2) loop.
//
// The loop owns every descriptor, buffer and counter; nothing in here is safe
// for concurrent use except State and the Prometheus metrics.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/csete/gpstools/internal/frame"
	"github.com/csete/gpstools/internal/serial"
	"github.com/csete/gpstools/internal/tcp"
)

type Config struct {
	Device   string
	Baud     int
	Blocking bool

	Port          int
	MaxClients    int
	ListenBacklog int
	BufferSize    int

	// PollInterval bounds how long one wait may block, and with it how long a
	// shutdown request can go unnoticed.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxClients <= 0 {
		c.MaxClients = 8
	}
	if c.BufferSize <= 0 {
		c.BufferSize = frame.DefaultCapacity
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.ListenBacklog <= 0 {
		c.ListenBacklog = 4
	}
	return c
}

type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats are the counters reported when the bridge stops.
type Stats struct {
	Valid         uint64
	Invalid       uint64
	Clients       int
	Accepted      uint64
	Rejected      uint64
	WriteFailures uint64
}

// Listener accepts client connections for the loop.
type Listener interface {
	Fd() int
	Accept() (Endpoint, string, error)
	Close() error
}

// PollFunc waits for readiness on fds, like unix.Poll.
type PollFunc func(fds []unix.PollFd, timeoutMs int) (int, error)

// Sink receives a copy of every forwarded frame. Send must not block.
type Sink interface {
	Send(frame []byte) error
}

type Option func(*options)

type options struct {
	log      zerolog.Logger
	poll     PollFunc
	registry prometheus.Registerer
	mirror   Sink
	newID    func() string
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithPoller replaces unix.Poll.
func WithPoller(p PollFunc) Option {
	return func(o *options) {
		if p != nil {
			o.poll = p
		}
	}
}

// WithRegistry registers bridge metrics with reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithMirror sends every forwarded frame to s as well. The caller owns s.
func WithMirror(s Sink) Option {
	return func(o *options) { o.mirror = s }
}

func buildOptions(opts []Option) options {
	o := options{
		log:   zerolog.Nop(),
		poll:  unix.Poll,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type Bridge struct {
	cfg       Config
	log       zerolog.Logger
	poll      PollFunc
	newID     func() string
	metrics   *Metrics
	mirror    Sink
	warn      *rate.Limiter
	timeoutMs int

	upstream Endpoint
	listener Listener
	table    *Table

	upBuf     *frame.Buffer
	clientBuf *frame.Buffer

	state         atomic.Int32
	accepted      uint64
	rejected      uint64
	writeFailures uint64
}

type tcpListener struct {
	*tcp.Listener
}

func (l tcpListener) Accept() (Endpoint, string, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, "", err
	}
	return c, c.RemoteAddr(), nil
}

// Open configures the serial device, binds the listening socket and returns a
// bridge ready to Run. Nothing is left open when it fails.
func Open(cfg Config, opts ...Option) (*Bridge, error) {
	cfg = cfg.withDefaults()
	o := buildOptions(opts)

	if fallback, ok := serial.NormalizeBaud(cfg.Baud); !ok {
		o.log.Warn().Int("baud", cfg.Baud).Int("fallback", fallback).Msg("unsupported serial speed")
	}
	port, err := serial.Open(cfg.Device, cfg.Baud, cfg.Blocking)
	if err != nil {
		return nil, fmt.Errorf("open serial: %w", err)
	}
	o.log.Info().Str("device", port.Path()).Int("baud", port.Baud()).Msg("serial port open")

	ln, err := tcp.Listen(cfg.Port, cfg.ListenBacklog)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}
	if err := ln.ReuseAddrErr(); err != nil {
		o.log.Warn().Err(err).Msg("SO_REUSEADDR not set")
	}
	cfg.Port = ln.Port()
	o.log.Info().Int("port", cfg.Port).Int("max_clients", cfg.MaxClients).Msg("listening")

	b, err := newBridge(cfg, port, tcpListener{ln}, opts...)
	if err != nil {
		_ = ln.Close()
		_ = port.Close()
		return nil, err
	}
	return b, nil
}

func newBridge(cfg Config, upstream Endpoint, listener Listener, opts ...Option) (*Bridge, error) {
	cfg = cfg.withDefaults()
	o := buildOptions(opts)

	m, err := NewMetrics(o.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	timeout := int(cfg.PollInterval / time.Millisecond)
	if timeout < 1 {
		timeout = 1
	}

	b := &Bridge{
		cfg:       cfg,
		log:       o.log,
		poll:      o.poll,
		newID:     o.newID,
		metrics:   m,
		mirror:    o.mirror,
		warn:      rate.NewLimiter(rate.Every(time.Second), 5),
		timeoutMs: timeout,
		upstream:  upstream,
		listener:  listener,
		table:     NewTable(cfg.MaxClients + FirstClientSlot),
		upBuf:     frame.NewBuffer(cfg.BufferSize),
		clientBuf: frame.NewBuffer(cfg.BufferSize),
	}
	b.table.setFixed(UpstreamSlot, upstream.Fd())
	b.table.setFixed(ListenerSlot, listener.Fd())
	return b, nil
}

func (b *Bridge) State() State { return State(b.state.Load()) }

func (b *Bridge) setState(s State) {
	prev := State(b.state.Swap(int32(s)))
	if prev != s {
		b.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("bridge state")
	}
}

// Port returns the bound listening port.
func (b *Bridge) Port() int { return b.cfg.Port }

// Stats is only meaningful from the loop goroutine or after Run returned.
func (b *Bridge) Stats() Stats {
	return Stats{
		Valid:         b.upBuf.Valid,
		Invalid:       b.upBuf.Invalid,
		Clients:       b.table.Clients(),
		Accepted:      b.accepted,
		Rejected:      b.rejected,
		WriteFailures: b.writeFailures,
	}
}

// Run services the endpoint table until ctx is done, the upstream ends, or an
// accept fails unrecoverably. Every descriptor is closed on return. Only the
// accept failure is returned as an error.
func (b *Bridge) Run(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	if !b.state.CompareAndSwap(int32(StateInitializing), int32(StateRunning)) {
		return fmt.Errorf("bridge already started")
	}
	b.log.Info().Msg("bridge running")

	var err error
	for b.State() == StateRunning {
		if ctx.Err() != nil {
			b.log.Info().Msg("shutdown requested")
			b.setState(StateDraining)
			break
		}
		if err = b.cycle(); err != nil {
			b.log.Error().Err(err).Msg("bridge failed")
			b.setState(StateDraining)
		}
	}

	b.terminate()
	return err
}

// Close releases every descriptor of a bridge that was opened but never run.
func (b *Bridge) Close() {
	if b.state.CompareAndSwap(int32(StateInitializing), int32(StateDraining)) {
		b.terminate()
	}
}

// cycle waits once and services every ready slot: clients first, then the
// listener, then the upstream.
func (b *Bridge) cycle() error {
	n, err := b.poll(b.table.pfds, b.timeoutMs)
	if err != nil {
		b.log.Debug().Err(err).Msg("poll interrupted")
		return nil
	}
	if n <= 0 {
		return nil
	}

	b.serviceClients()
	if err := b.serviceListener(); err != nil {
		return err
	}
	b.serviceUpstream()
	return nil
}

// service reads and classifies one chunk from ep. A complete frame is passed
// to onValid; with a nil onValid the payload is dropped.
func (b *Bridge) service(ep Endpoint, buf *frame.Buffer, onValid func([]byte)) (frame.Class, error) {
	class, err := frame.Classify(ep, buf)
	if class == frame.Valid && onValid != nil {
		onValid(buf.Bytes())
	}
	return class, err
}

func (b *Bridge) serviceClients() {
	for slot := FirstClientSlot; slot < b.table.Len(); slot++ {
		if b.table.invalid(slot) {
			b.closeClient(slot, "invalid descriptor")
			continue
		}
		if !b.table.ready(slot) {
			continue
		}
		c, _ := b.table.client(slot)

		// Clients only talk to us to hang up; whatever they send is dropped.
		class, err := b.service(c.ep, b.clientBuf, nil)
		b.clientBuf.Reset()

		switch {
		case class == frame.EndOfStream:
			b.closeClient(slot, "closed by peer")
		case errors.Is(err, frame.ErrRead):
			b.log.Warn().Err(err).Int("slot", slot).Str("client", c.id).Msg("client read failed")
			b.closeClient(slot, "read error")
		}
	}
}

func (b *Bridge) serviceListener() error {
	if b.table.invalid(ListenerSlot) {
		return fmt.Errorf("listener descriptor invalid")
	}
	if !b.table.ready(ListenerSlot) {
		return nil
	}

	ep, remote, err := b.listener.Accept()
	if err != nil {
		if tcp.Temporary(err) {
			b.log.Debug().Err(err).Msg("accept retry")
			return nil
		}
		return fmt.Errorf("accept: %w", err)
	}

	slot, ok := b.table.Allocate()
	if !ok {
		b.rejected++
		b.metrics.rejected()
		b.log.Warn().Str("remote", remote).Int("max_clients", b.cfg.MaxClients).Msg("connection refused, no free slot")
		_ = ep.Close()
		return nil
	}

	id := b.newID()
	b.table.put(slot, ep, id, remote)
	b.accepted++
	b.metrics.accepted()
	b.metrics.clients(b.table.Clients())
	b.log.Info().Str("remote", remote).Str("client", id).Int("slot", slot).Int("fd", ep.Fd()).Msg("connection accepted")
	return nil
}

func (b *Bridge) serviceUpstream() {
	if b.table.invalid(UpstreamSlot) {
		b.log.Error().Str("device", b.cfg.Device).Msg("upstream descriptor invalid")
		b.setState(StateDraining)
		return
	}
	if !b.table.ready(UpstreamSlot) {
		return
	}

	class, err := b.service(b.upstream, b.upBuf, b.forward)
	switch class {
	case frame.Valid:
		b.upBuf.MarkValid()
		b.metrics.frameValid()
	case frame.Invalid:
		b.upBuf.MarkInvalid()
		b.metrics.frameInvalid()
		if errors.Is(err, frame.ErrRead) {
			b.log.Error().Err(err).Str("device", b.cfg.Device).Msg("upstream read failed")
			b.setState(StateDraining)
			return
		}
		b.log.Debug().Err(err).Msg("invalid frame")
	case frame.EndOfStream:
		b.log.Info().Str("device", b.cfg.Device).Msg("end of stream from upstream")
		b.upBuf.Reset()
		b.setState(StateDraining)
	}
}

func (b *Bridge) forward(p []byte) {
	res := b.broadcast(p)
	if b.mirror != nil {
		if err := b.mirror.Send(p); err != nil && b.warn.Allow() {
			b.log.Warn().Err(err).Msg("mirror send failed")
		}
	}
	b.log.Debug().Int("bytes", len(p)).Int("delivered", res.delivered).Int("failed", res.failed).Msg("frame forwarded")
}

func (b *Bridge) closeClient(slot int, reason string) {
	c, ok := b.table.client(slot)
	if !ok {
		return
	}
	fd := c.ep.Fd()
	if err := b.table.clear(slot); err != nil {
		b.log.Debug().Err(err).Int("slot", slot).Msg("client close")
	}
	b.metrics.clients(b.table.Clients())
	b.log.Info().Str("client", c.id).Str("remote", c.remote).Int("slot", slot).Int("fd", fd).Str("reason", reason).Msg("connection closed")
}

func (b *Bridge) terminate() {
	for slot := FirstClientSlot; slot < b.table.Len(); slot++ {
		b.closeClient(slot, "shutdown")
	}
	if err := b.listener.Close(); err != nil {
		b.log.Debug().Err(err).Msg("listener close")
	}
	b.table.clearFixed(ListenerSlot)
	if err := b.upstream.Close(); err != nil {
		b.log.Debug().Err(err).Msg("upstream close")
	}
	b.table.clearFixed(UpstreamSlot)

	b.setState(StateTerminated)
	b.log.Info().
		Uint64("valid", b.upBuf.Valid).
		Uint64("invalid", b.upBuf.Invalid).
		Uint64("accepted", b.accepted).
		Uint64("rejected", b.rejected).
		Msg("bridge stopped")
}
