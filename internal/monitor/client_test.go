package monitor

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csete/gpstools/internal/nmea"
)

func sentence(payload string) string {
	return fmt.Sprintf("$%s*%02X\r\n", payload, nmea.Checksum(payload))
}

// serve accepts connections on a loopback listener and hands each to fn.
func serve(t *testing.T, fn func(n int, conn net.Conn)) (string, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			n := int(accepted.Add(1))
			go fn(n, conn)
		}
	}()
	return ln.Addr().String(), &accepted
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func start(t *testing.T, cfg Config, onFix func(nmea.Fix)) *Client {
	t.Helper()
	c, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), onFix))
	t.Cleanup(c.Close)
	return c
}

func TestNew_RequiresAddr(t *testing.T) {
	_, err := New(Config{}, zerolog.Nop())
	assert.EqualError(t, err, "monitor addr is required")
}

func TestClient_TracksFix(t *testing.T) {
	addr, _ := serve(t, func(_ int, conn net.Conn) {
		defer conn.Close()
		_, _ = conn.Write([]byte(
			sentence("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,") +
				"$GPRMC,garbage\n" +
				"\n" +
				sentence("GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1") +
				sentence("GPRMC,123520,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"),
		))
		time.Sleep(time.Second)
	})

	fixes := make(chan nmea.Fix, 8)
	c := start(t, Config{Addr: addr}, func(f nmea.Fix) { fixes <- f })

	require.Eventually(t, func() bool { return len(fixes) == 3 }, 2*time.Second, 5*time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, uint64(4), snap.Lines)
	assert.Equal(t, "connected", snap.State)
	assert.Equal(t, uint64(1), snap.Bad)
	assert.NotEmpty(t, snap.LastSeenUTC)
	assert.True(t, snap.Fix.Valid)
	assert.InDelta(t, 48.1173, snap.Fix.LatDeg, 1e-4)
	assert.InDelta(t, 11.5167, snap.Fix.LonDeg, 1e-4)
	assert.Equal(t, "LOW", snap.Fix.Signal())
	assert.Equal(t, "3D", snap.Fix.Mode())
	require.NotNil(t, snap.Fix.GroundKt)
	assert.InDelta(t, 22.4, *snap.Fix.GroundKt, 1e-9)
}

func TestClient_Reconnects(t *testing.T) {
	addr, accepted := serve(t, func(n int, conn net.Conn) {
		if n == 1 {
			_ = conn.Close()
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte(sentence("GPGSA,A,2,,,,,,,,,,,,,,,")))
		time.Sleep(time.Second)
	})

	c := start(t, Config{Addr: addr, ReconnectDelay: 10 * time.Millisecond}, nil)

	require.Eventually(t, func() bool { return accepted.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.Snapshot().Fix.Mode() == "2D" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "connected", c.Snapshot().State)
}

func TestClient_DialErrorRetries(t *testing.T) {
	c := start(t, Config{Addr: freeAddr(t), ReconnectDelay: 20 * time.Millisecond}, nil)

	require.Eventually(t, func() bool {
		s := c.Snapshot()
		return s.State == "error" && s.LastError != ""
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_OversizedLineSkipped(t *testing.T) {
	addr, _ := serve(t, func(_ int, conn net.Conn) {
		defer conn.Close()
		_, _ = conn.Write([]byte("$" + strings.Repeat("x", 100) + "\n"))
		_, _ = conn.Write([]byte(sentence("GPGSA,A,3,,,,,,,,,,,,,,,")))
		time.Sleep(time.Second)
	})

	c := start(t, Config{Addr: addr, MaxLineBytes: 32}, nil)

	require.Eventually(t, func() bool { return c.Snapshot().Lines == 1 }, 2*time.Second, 5*time.Millisecond)
	snap := c.Snapshot()
	assert.Equal(t, "3D", snap.Fix.Mode())
	assert.Contains(t, snap.LastError, "line too large")
	assert.Zero(t, snap.Bad)
}

func TestClient_CloseStops(t *testing.T) {
	addr, _ := serve(t, func(_ int, conn net.Conn) {
		defer conn.Close()
		time.Sleep(5 * time.Second)
	})

	c, err := New(Config{Addr: addr}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), nil))
	require.Eventually(t, func() bool { return c.Snapshot().State == "connected" }, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		c.Close()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, "stopped", c.Snapshot().State)
	assert.EqualError(t, c.Start(context.Background(), nil), "monitor is closed")
}

func TestClient_StartTwice(t *testing.T) {
	c := start(t, Config{Addr: freeAddr(t)}, nil)
	assert.EqualError(t, c.Start(context.Background(), nil), "monitor already started")
}

func TestClient_setState_ClearsStaleErrorOnConnected(t *testing.T) {
	c, err := New(Config{Addr: "127.0.0.1:1"}, zerolog.Nop())
	require.NoError(t, err)

	c.setState("error", "dial tcp: connection refused")
	c.setState("connected", "")

	snap := c.Snapshot()
	assert.Equal(t, "connected", snap.State)
	assert.Empty(t, snap.LastError)
}
