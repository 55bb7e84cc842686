package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Serial  SerialConfig  `yaml:"serial" toml:"serial"`
	Bridge  BridgeConfig  `yaml:"bridge" toml:"bridge"`
	Log     LogConfig     `yaml:"log" toml:"log"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Monitor MonitorConfig `yaml:"monitor" toml:"monitor"`
}

type SerialConfig struct {
	Device   string `yaml:"device" toml:"device"`
	Baud     int    `yaml:"baud" toml:"baud"`
	Blocking bool   `yaml:"blocking" toml:"blocking"`
}

type BridgeConfig struct {
	Port          int      `yaml:"port" toml:"port"`
	MaxClients    int      `yaml:"max_clients" toml:"max_clients"`
	BufferSize    int      `yaml:"buffer_size" toml:"buffer_size"`
	PollInterval  Duration `yaml:"poll_interval" toml:"poll_interval"`
	ListenBacklog int      `yaml:"listen_backlog" toml:"listen_backlog"`
	// UDPMirror, when set, also sends every frame to this host:port.
	UDPMirror     string   `yaml:"udp_mirror" toml:"udp_mirror"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type MetricsConfig struct {
	Enable bool   `yaml:"enable" toml:"enable"`
	Listen string `yaml:"listen" toml:"listen"`
}

type MonitorConfig struct {
	Addr           string   `yaml:"addr" toml:"addr"`
	ReconnectDelay Duration `yaml:"reconnect_delay" toml:"reconnect_delay"`
	DialTimeout    Duration `yaml:"dial_timeout" toml:"dial_timeout"`
}

// Duration reads "100ms"-style strings from both YAML and TOML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

const (
	DefaultDevice        = "/dev/ttyO1"
	DefaultBaud          = 4800
	DefaultPort          = 45000
	DefaultMaxClients    = 8
	DefaultBufferSize    = 2048
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultListenBacklog = 4
	DefaultMetricsListen = "127.0.0.1:9145"
	DefaultMonitorAddr   = "127.0.0.1:45000"

	maxClientsLimit = 1024
	minBufferSize   = 16
)

// Default returns a config with every default applied.
func Default() Config {
	var cfg Config
	_ = DefaultAndValidate(&cfg)
	return cfg
}

// Load reads a YAML (.yaml, .yml) or TOML (.toml) file, applies defaults and
// validates the result. Unknown fields are rejected.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return Config{}, fmt.Errorf("config contains unknown fields: %s", strict.String())
			}
			return Config{}, err
		}
	case ".yaml", ".yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			// An empty document is a valid all-defaults config.
			if errors.Is(err, io.EOF) {
				break
			}
			var te *yaml.TypeError
			if errors.As(err, &te) {
				return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(te.Errors, "; "))
			}
			return Config{}, err
		}
	default:
		return Config{}, fmt.Errorf("config %s: unsupported extension %q", path, filepath.Ext(path))
	}

	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills zero values with defaults and checks ranges.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	cfg.Serial.Device = strings.TrimSpace(cfg.Serial.Device)
	if cfg.Serial.Device == "" {
		cfg.Serial.Device = DefaultDevice
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = DefaultBaud
	}
	if cfg.Serial.Baud < 0 {
		return fmt.Errorf("serial.baud must be > 0")
	}

	if cfg.Bridge.Port == 0 {
		cfg.Bridge.Port = DefaultPort
	}
	if cfg.Bridge.Port < 1 || cfg.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port must be 1..65535")
	}
	if cfg.Bridge.MaxClients == 0 {
		cfg.Bridge.MaxClients = DefaultMaxClients
	}
	if cfg.Bridge.MaxClients < 1 || cfg.Bridge.MaxClients > maxClientsLimit {
		return fmt.Errorf("bridge.max_clients must be 1..%d", maxClientsLimit)
	}
	if cfg.Bridge.BufferSize == 0 {
		cfg.Bridge.BufferSize = DefaultBufferSize
	}
	if cfg.Bridge.BufferSize < minBufferSize {
		return fmt.Errorf("bridge.buffer_size must be >= %d", minBufferSize)
	}
	if cfg.Bridge.PollInterval == 0 {
		cfg.Bridge.PollInterval = Duration(DefaultPollInterval)
	}
	if cfg.Bridge.PollInterval < Duration(time.Millisecond) {
		return fmt.Errorf("bridge.poll_interval must be >= 1ms")
	}
	if cfg.Bridge.ListenBacklog <= 0 {
		cfg.Bridge.ListenBacklog = DefaultListenBacklog
	}
	cfg.Bridge.UDPMirror = strings.TrimSpace(cfg.Bridge.UDPMirror)

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Format != "console" && cfg.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'console' or 'json'")
	}

	cfg.Metrics.Listen = strings.TrimSpace(cfg.Metrics.Listen)
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = DefaultMetricsListen
	}

	cfg.Monitor.Addr = strings.TrimSpace(cfg.Monitor.Addr)
	if cfg.Monitor.Addr == "" {
		cfg.Monitor.Addr = DefaultMonitorAddr
	}
	if cfg.Monitor.ReconnectDelay <= 0 {
		cfg.Monitor.ReconnectDelay = Duration(time.Second)
	}
	if cfg.Monitor.DialTimeout <= 0 {
		cfg.Monitor.DialTimeout = Duration(2 * time.Second)
	}

	return nil
}

// Env variable names consulted by ApplyEnv.
const (
	EnvDevice = "GPSNET_DEVICE"
	EnvBaud   = "GPSNET_BAUD"
	EnvPort   = "GPSNET_PORT"
)

// ApplyEnv overrides serial device, baud and port from the environment.
// Settings named in skip (flag names "device", "speed", "port") are left
// alone so explicit flags keep precedence.
func ApplyEnv(cfg *Config, getenv func(string) string, skip map[string]bool) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvDevice)); v != "" && !skip["device"] {
		cfg.Serial.Device = v
	}
	if v := strings.TrimSpace(getenv(EnvBaud)); v != "" && !skip["speed"] {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBaud, err)
		}
		cfg.Serial.Baud = n
	}
	if v := strings.TrimSpace(getenv(EnvPort)); v != "" && !skip["port"] {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Bridge.Port = n
	}
	return nil
}
