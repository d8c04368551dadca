package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/basket/boardsync/internal/model"
	"github.com/basket/boardsync/internal/otel"
)

const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// StreamConfig tunes the push subscription.
type StreamConfig struct {
	Path          string        `yaml:"path"`
	SilenceWindow time.Duration `yaml:"silence_window"`
	BackoffMin    time.Duration `yaml:"backoff_min"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	Jitter        float64       `yaml:"jitter"`
	DedupWindow   int           `yaml:"dedup_window"`
	DebugLines    int           `yaml:"debug_lines"`
}

// PollConfig sets the reconciliation cadence per kind.
type PollConfig struct {
	Tasks      time.Duration `yaml:"tasks"`
	Agents     time.Duration `yaml:"agents"`
	Events     time.Duration `yaml:"events"`
	EventLimit int           `yaml:"event_limit"`
	// Timeout bounds a single fetch. Zero uses the kind's interval.
	Timeout time.Duration `yaml:"timeout"`
}

type ConnectivityConfig struct {
	ProbePath        string        `yaml:"probe_path"`
	OnlineInterval   time.Duration `yaml:"online_interval"`
	OfflineInterval  time.Duration `yaml:"offline_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

type MutationConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BaseURL         string `yaml:"base_url" env:"BOARDSYNC_BASE_URL"`
	Workspace       string `yaml:"workspace" env:"BOARDSYNC_WORKSPACE"`
	AuthToken       string `yaml:"auth_token" env:"BOARDSYNC_AUTH_TOKEN"`
	LogLevel        string `yaml:"log_level" env:"BOARDSYNC_LOG_LEVEL"`
	StreamTransport string `yaml:"stream_transport" env:"BOARDSYNC_STREAM_TRANSPORT"`
	BindAddr        string `yaml:"bind_addr" env:"BOARDSYNC_BIND_ADDR"`

	// GatewayToken guards the local mirror API. Empty leaves it open.
	GatewayToken string   `yaml:"gateway_token" env:"BOARDSYNC_GATEWAY_TOKEN"`
	AllowOrigins []string `yaml:"allow_origins"`

	// EventHistory caps the activity feed kept in memory.
	EventHistory int `yaml:"event_history"`

	Stream       StreamConfig       `yaml:"stream"`
	Poll         PollConfig         `yaml:"poll"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Mutation     MutationConfig     `yaml:"mutation"`
	OTel         otel.Config        `yaml:"otel"`

	// NeedsSetup is set when config.yaml does not exist yet.
	NeedsSetup bool `yaml:"-"`
}

// PollIntervals returns the reconciliation period for each kind.
func (c Config) PollIntervals() map[model.Kind]time.Duration {
	return map[model.Kind]time.Duration{
		model.KindTask:  c.Poll.Tasks,
		model.KindAgent: c.Poll.Agents,
		model.KindEvent: c.Poll.Events,
	}
}

// Validate reports settings the engine cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if c.Workspace == "" {
		errs = append(errs, errors.New("workspace is required"))
	}
	switch c.StreamTransport {
	case TransportSSE, TransportWebSocket:
	default:
		errs = append(errs, fmt.Errorf("stream_transport %q: want %q or %q", c.StreamTransport, TransportSSE, TransportWebSocket))
	}
	if c.Stream.BackoffMin > c.Stream.BackoffMax {
		errs = append(errs, fmt.Errorf("stream.backoff_min (%s) exceeds backoff_max (%s)", c.Stream.BackoffMin, c.Stream.BackoffMax))
	}
	if c.Stream.Jitter < 0 || c.Stream.Jitter > 1 {
		errs = append(errs, fmt.Errorf("stream.jitter %.2f: want a fraction in [0,1]", c.Stream.Jitter))
	}
	return errors.Join(errs...)
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that shape sync behaviour.
// The auth token is deliberately left out.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "url=%s|ws=%s|transport=%s|log=%s|poll=%s,%s,%s,%d|silence=%s|backoff=%s-%s/%.2f|conn=%s,%s,%d,%d|mut=%s",
		c.BaseURL, c.Workspace, c.StreamTransport, c.LogLevel,
		c.Poll.Tasks, c.Poll.Agents, c.Poll.Events, c.Poll.EventLimit,
		c.Stream.SilenceWindow, c.Stream.BackoffMin, c.Stream.BackoffMax, c.Stream.Jitter,
		c.Connectivity.OnlineInterval, c.Connectivity.OfflineInterval,
		c.Connectivity.FailureThreshold, c.Connectivity.SuccessThreshold,
		c.Mutation.Timeout)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:        "info",
		StreamTransport: TransportSSE,
		BindAddr:        "127.0.0.1:18790",
		EventHistory:    200,
		Stream: StreamConfig{
			Path:          "/api/events/stream",
			SilenceWindow: 45 * time.Second,
			BackoffMin:    time.Second,
			BackoffMax:    30 * time.Second,
			Jitter:        0.5,
			DedupWindow:   512,
			DebugLines:    50,
		},
		Poll: PollConfig{
			Tasks:      10 * time.Second,
			Agents:     10 * time.Second,
			Events:     5 * time.Second,
			EventLimit: 20,
		},
		Connectivity: ConnectivityConfig{
			ProbePath:        "/api/status",
			OnlineInterval:   30 * time.Second,
			OfflineInterval:  5 * time.Second,
			ProbeTimeout:     5 * time.Second,
			FailureThreshold: 2,
			SuccessThreshold: 2,
		},
		Mutation: MutationConfig{Timeout: 15 * time.Second},
		OTel: otel.Config{
			Exporter:    otel.ExporterNone,
			ServiceName: "boardsync",
			SampleRate:  1,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("BOARDSYNC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".boardsync")
}

// Load reads config.yaml from HomeDir, applies env overrides and fills
// defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create boardsync home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsSetup = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func normalize(cfg *Config) {
	def := defaultConfig()

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.Workspace = strings.TrimSpace(cfg.Workspace)
	cfg.StreamTransport = strings.ToLower(strings.TrimSpace(cfg.StreamTransport))
	if cfg.StreamTransport == "ws" {
		cfg.StreamTransport = TransportWebSocket
	}
	if cfg.StreamTransport == "" {
		cfg.StreamTransport = def.StreamTransport
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = def.EventHistory
	}

	orDuration(&cfg.Stream.SilenceWindow, def.Stream.SilenceWindow)
	orDuration(&cfg.Stream.BackoffMin, def.Stream.BackoffMin)
	orDuration(&cfg.Stream.BackoffMax, def.Stream.BackoffMax)
	orInt(&cfg.Stream.DedupWindow, def.Stream.DedupWindow)
	orInt(&cfg.Stream.DebugLines, def.Stream.DebugLines)
	if cfg.Stream.Path == "" {
		cfg.Stream.Path = def.Stream.Path
	}

	orDuration(&cfg.Poll.Tasks, def.Poll.Tasks)
	orDuration(&cfg.Poll.Agents, def.Poll.Agents)
	orDuration(&cfg.Poll.Events, def.Poll.Events)
	orInt(&cfg.Poll.EventLimit, def.Poll.EventLimit)

	if cfg.Connectivity.ProbePath == "" {
		cfg.Connectivity.ProbePath = def.Connectivity.ProbePath
	}
	orDuration(&cfg.Connectivity.OnlineInterval, def.Connectivity.OnlineInterval)
	orDuration(&cfg.Connectivity.OfflineInterval, def.Connectivity.OfflineInterval)
	orDuration(&cfg.Connectivity.ProbeTimeout, def.Connectivity.ProbeTimeout)
	orInt(&cfg.Connectivity.FailureThreshold, def.Connectivity.FailureThreshold)
	orInt(&cfg.Connectivity.SuccessThreshold, def.Connectivity.SuccessThreshold)

	orDuration(&cfg.Mutation.Timeout, def.Mutation.Timeout)

	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
}

func orDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}

func orInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}
