// Package monitor is a TCP client for the bridge: it reads the forwarded
// sentences, tracks the receiver fix and reconnects when the bridge goes away.
package monitor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/csete/gpstools/internal/nmea"
)

type Config struct {
	Addr string

	ReconnectDelay time.Duration
	MaxLineBytes   int

	// DialTimeout is used for each TCP connect.
	DialTimeout time.Duration
}

type Client struct {
	cfg Config
	log zerolog.Logger

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	lines    uint64
	bad      uint64
	fix      nmea.State

	cancel context.CancelFunc
	done   chan struct{}
}

type Snapshot struct {
	Addr        string   `json:"addr"`
	State       string   `json:"state"`
	LastError   string   `json:"last_error,omitempty"`
	LastSeenUTC string   `json:"last_seen_utc,omitempty"`
	Lines       uint64   `json:"lines"`
	Bad         uint64   `json:"bad"`
	Fix         nmea.Fix `json:"fix"`
}

func New(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("monitor addr is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 1 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 2048
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	return &Client{cfg: cfg, log: log, state: "stopped", done: make(chan struct{})}, nil
}

// Start connects in the background and reads newline-delimited sentences.
// onFix, if set, is called from the reader goroutine whenever a sentence
// changed the fix.
func (c *Client) Start(ctx context.Context, onFix func(nmea.Fix)) error {
	if c == nil {
		return fmt.Errorf("monitor is nil")
	}
	if c.closed.Load() {
		return fmt.Errorf("monitor is closed")
	}
	if c.started.Swap(true) {
		return fmt.Errorf("monitor already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState("connecting", "")

	go func() {
		defer close(c.done)
		c.runLoop(runCtx, onFix)
	}()
	return nil
}

// Close stops the reader and waits for it to exit.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.closed.Swap(true) {
		return
	}
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Client) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := Snapshot{
		Addr:      c.cfg.Addr,
		State:     c.state,
		LastError: c.lastErr,
		Lines:     c.lines,
		Bad:       c.bad,
		Fix:       c.fix.Fix(),
	}
	if !c.lastSeen.IsZero() {
		out.LastSeenUTC = c.lastSeen.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (c *Client) runLoop(ctx context.Context, onFix func(nmea.Fix)) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}

	for {
		if ctx.Err() != nil {
			c.setState("stopped", "")
			return
		}

		c.setState("connecting", "")
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			c.setState("error", err.Error())
			c.log.Debug().Err(err).Str("addr", c.cfg.Addr).Msg("monitor dial failed")
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				c.setState("stopped", "")
				return
			}
			continue
		}

		c.setState("connected", "")
		c.log.Info().Str("addr", c.cfg.Addr).Msg("monitor connected")
		c.readConn(ctx, conn, onFix)

		if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
			c.setState("stopped", "")
			return
		}
	}
}

func (c *Client) readConn(ctx context.Context, conn net.Conn, onFix func(nmea.Fix)) {
	// Unblock the reader on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, c.cfg.MaxLineBytes)
	for {
		line, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			c.setState("connected", fmt.Sprintf("line too large (>%d bytes)", c.cfg.MaxLineBytes))
			// Drop the rest of the oversized line.
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = reader.ReadSlice('\n')
			}
			if err != nil {
				c.disconnected(ctx, err)
				return
			}
			continue
		}
		if err != nil {
			c.disconnected(ctx, err)
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		c.handleLine(time.Now().UTC(), string(line), onFix)
	}
}

func (c *Client) handleLine(now time.Time, line string, onFix func(nmea.Fix)) {
	c.mu.Lock()
	c.lines++
	c.lastSeen = now
	changed, err := c.fix.ApplyLine(now, line)
	if err != nil {
		c.bad++
	}
	fix := c.fix.Fix()
	c.mu.Unlock()

	if err != nil {
		c.log.Debug().Err(err).Str("line", line).Msg("sentence skipped")
		return
	}
	if changed && onFix != nil {
		onFix(fix)
	}
}

func (c *Client) disconnected(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, net.ErrClosed) {
		c.setState("disconnected", "")
	} else {
		c.setState("disconnected", err.Error())
	}
	c.log.Info().Err(err).Str("addr", c.cfg.Addr).Msg("monitor disconnected")
}

func (c *Client) setState(state string, lastErr string) {
	c.mu.Lock()
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	} else if state == "connected" || state == "connecting" || state == "stopped" {
		c.lastErr = ""
	}
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
