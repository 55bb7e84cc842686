package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/csete/gpstools/internal/bridge"
	"github.com/csete/gpstools/internal/config"
	"github.com/csete/gpstools/internal/monitor"
	"github.com/csete/gpstools/internal/nmea"
	"github.com/csete/gpstools/internal/udp"
)

func bridgeConfig(cfg config.Config) bridge.Config {
	return bridge.Config{
		Device:        cfg.Serial.Device,
		Baud:          cfg.Serial.Baud,
		Blocking:      cfg.Serial.Blocking,
		Port:          cfg.Bridge.Port,
		MaxClients:    cfg.Bridge.MaxClients,
		ListenBacklog: cfg.Bridge.ListenBacklog,
		BufferSize:    cfg.Bridge.BufferSize,
		PollInterval:  cfg.Bridge.PollInterval.Std(),
	}
}

func runBridge(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	opts := []bridge.Option{bridge.WithLogger(log)}

	var reg *prometheus.Registry
	if cfg.Metrics.Enable {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, bridge.WithRegistry(reg))
	}

	if cfg.Bridge.UDPMirror != "" {
		m, err := udp.NewMirror(cfg.Bridge.UDPMirror)
		if err != nil {
			return fmt.Errorf("udp mirror: %w", err)
		}
		defer m.Close()
		log.Info().Str("dest", m.Dest()).Msg("udp mirror enabled")
		opts = append(opts, bridge.WithMirror(m))
	}

	b, err := bridge.Open(bridgeConfig(cfg), opts...)
	if err != nil {
		return err
	}

	var ln net.Listener
	if reg != nil {
		ln, err = net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			b.Close()
			return fmt.Errorf("metrics listen: %w", err)
		}
		log.Info().Str("addr", ln.Addr().String()).Msg("metrics listening")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The metrics server has nothing to report once the loop is gone.
		defer cancel()
		if err := b.Run(gctx); err != nil {
			return &exitError{code: exitAccept, err: err}
		}
		return nil
	})
	if ln != nil {
		g.Go(func() error { return serveMetrics(gctx, ln, reg) })
	}

	return g.Wait()
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

func serveMetrics(ctx context.Context, ln net.Listener, reg *prometheus.Registry) error {
	srv := &http.Server{Handler: metricsHandler(reg), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

func runMonitor(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	c, err := monitor.New(monitor.Config{
		Addr:           cfg.Monitor.Addr,
		ReconnectDelay: cfg.Monitor.ReconnectDelay.Std(),
		DialTimeout:    cfg.Monitor.DialTimeout.Std(),
		MaxLineBytes:   cfg.Bridge.BufferSize,
	}, log)
	if err != nil {
		return err
	}

	err = c.Start(ctx, func(f nmea.Fix) { logFix(log, f) })
	if err != nil {
		return err
	}
	log.Info().Str("addr", cfg.Monitor.Addr).Msg("monitor started")

	<-ctx.Done()
	c.Close()

	snap := c.Snapshot()
	log.Info().Uint64("lines", snap.Lines).Uint64("bad", snap.Bad).Msg("monitor stopped")
	return nil
}

func logFix(log zerolog.Logger, f nmea.Fix) {
	ev := log.Info().
		Bool("valid", f.Valid).
		Str("signal", f.Signal()).
		Str("mode", f.Mode())
	if f.Valid {
		ev = ev.Float64("lat", f.LatDeg).Float64("lon", f.LonDeg)
	}
	if f.AltM != nil {
		ev = ev.Float64("alt_m", *f.AltM)
	}
	if f.Satellites != nil {
		ev = ev.Int("sats", *f.Satellites)
	}
	if f.UTC != "" {
		ev = ev.Str("utc", f.UTC)
	}
	ev.Msg("fix")
}
