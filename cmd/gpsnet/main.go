package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/csete/gpstools/internal/config"
	"github.com/csete/gpstools/internal/logging"
)

const (
	exitStartup = 1
	exitAccept  = 2
)

// exitError carries a process exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitStartup
}

type options struct {
	configPath string

	device     string
	speed      int
	port       int
	maxClients int
	logLevel   string
	logFormat  string
	metrics    string
	udpMirror  string

	monitorAddr string
}

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func newRootCmd() *cobra.Command {
	def := config.Default()
	opts := options{
		device:      def.Serial.Device,
		speed:       def.Serial.Baud,
		port:        def.Bridge.Port,
		maxClients:  def.Bridge.MaxClients,
		logLevel:    def.Log.Level,
		logFormat:   def.Log.Format,
		monitorAddr: def.Monitor.Addr,
	}

	root := &cobra.Command{
		Use:   "gpsnet",
		Short: "Share an NMEA serial receiver with TCP clients",
		Long: "gpsnet reads NMEA sentences from a serial GPS receiver and forwards every\n" +
			"complete sentence to each connected TCP client.",
		Example:       "  gpsnet -d /dev/ttyUSB0 -s 9600 -p 45000\n  gpsnet -c /etc/gpsnet.yaml --metrics 127.0.0.1:9145\n  gpsnet monitor --addr 192.168.1.10:45000",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			return runBridge(cmd.Context(), cfg, log)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML or TOML config file")
	pf.StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level (trace, debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", opts.logFormat, "log format (console or json)")

	f := root.Flags()
	f.StringVarP(&opts.device, "device", "d", opts.device, "serial device")
	f.IntVarP(&opts.speed, "speed", "s", opts.speed, "serial speed in baud")
	f.IntVarP(&opts.port, "port", "p", opts.port, "TCP port for clients")
	f.IntVar(&opts.maxClients, "max-clients", opts.maxClients, "maximum simultaneous clients")
	f.StringVar(&opts.metrics, "metrics", "", "serve Prometheus metrics on this address")
	f.StringVar(&opts.udpMirror, "udp-mirror", "", "also send every sentence to this UDP host:port")

	monitor := &cobra.Command{
		Use:   "monitor",
		Short: "Connect to a bridge and log the receiver fix",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			return runMonitor(cmd.Context(), cfg, log)
		},
	}
	monitor.Flags().StringVar(&opts.monitorAddr, "addr", opts.monitorAddr, "bridge address host:port")
	root.AddCommand(monitor)

	return root
}

// setup resolves the effective config and builds the logger.
func setup(cmd *cobra.Command, opts options) (config.Config, zerolog.Logger, error) {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	cfg, err := resolveConfig(opts, changed, os.Getenv)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, log, nil
}

// resolveConfig layers defaults, the config file, the environment and the
// flags the user set explicitly, in that order.
func resolveConfig(opts options, changed map[string]bool, getenv func(string) string) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	if err := config.ApplyEnv(&cfg, getenv, changed); err != nil {
		return config.Config{}, err
	}

	if changed["device"] {
		cfg.Serial.Device = opts.device
	}
	if changed["speed"] {
		cfg.Serial.Baud = opts.speed
	}
	if changed["port"] {
		cfg.Bridge.Port = opts.port
	}
	if changed["max-clients"] {
		cfg.Bridge.MaxClients = opts.maxClients
	}
	if changed["log-level"] {
		cfg.Log.Level = opts.logLevel
	}
	if changed["log-format"] {
		cfg.Log.Format = opts.logFormat
	}
	if changed["metrics"] {
		cfg.Metrics.Enable = opts.metrics != ""
		if opts.metrics != "" {
			cfg.Metrics.Listen = opts.metrics
		}
	}
	if changed["udp-mirror"] {
		cfg.Bridge.UDPMirror = opts.udpMirror
	}
	if changed["addr"] {
		cfg.Monitor.Addr = opts.monitorAddr
	}

	if err := config.DefaultAndValidate(&cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()

	if err != nil {
		log, _ := logging.New("info", logging.FormatConsole, os.Stderr)
		log.Error().Err(err).Msg("gpsnet")
	}
	os.Exit(exitCode(err))
}
