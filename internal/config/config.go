// Package config holds all configuration types and loading logic for tickq.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/tickq/internal/alarm"
	"github.com/snehjoshi/tickq/internal/ticks"
)

// Config is the root configuration for a tickq daemon.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	TimeBases TimeBasesConfig `yaml:"timebases"`
	Events    EventsConfig    `yaml:"events"`
	Jobs      []JobConfig     `yaml:"jobs"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DeviceConfig holds identity and persistence settings.
type DeviceConfig struct {
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`
	// CheckpointInterval is how often job counters are written to the store.
	// "0" disables periodic checkpoints; state is still written on shutdown.
	CheckpointInterval string `yaml:"checkpoint_interval"`
}

// Epoch values for TimeBaseConfig.Epoch.
const (
	EpochBoot = "boot"
	EpochUnix = "unix"
)

// TimeBaseConfig describes one time base.
type TimeBaseConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interval is the interrupt period of the base's driver, e.g. "1ms".
	Interval string `yaml:"interval"`
	// Epoch is "boot" (counter starts at 0) or "unix" (seeded from Unix time).
	Epoch string `yaml:"epoch"`
}

// IntervalDuration parses Interval.
func (t TimeBaseConfig) IntervalDuration() (time.Duration, error) {
	return time.ParseDuration(t.Interval)
}

// TimeBasesConfig lists the three supported bases.
type TimeBasesConfig struct {
	Micro  TimeBaseConfig `yaml:"us"`
	Milli  TimeBaseConfig `yaml:"ms"`
	Second TimeBaseConfig `yaml:"s"`
}

// EventsConfig sizes the event queue.
type EventsConfig struct {
	Capacity int `yaml:"capacity"`
	// DropWarnInterval throttles the warning logged when events are dropped.
	DropWarnInterval string `yaml:"drop_warn_interval"`
}

// JobKind selects how a configured job rearms.
type JobKind string

const (
	KindPeriodic JobKind = "periodic" // rearms every Period ticks
	KindOneshot  JobKind = "oneshot"  // fires once, Delay ticks after start
	KindAlarm    JobKind = "alarm"    // rearms from a cron expression on the seconds base
)

// JobConfig declares one job started with the daemon.
type JobConfig struct {
	Name string  `yaml:"name"`
	Base string  `yaml:"base"`
	Kind JobKind `yaml:"kind"`
	// Period is in ticks of Base (periodic jobs).
	Period uint32 `yaml:"period"`
	// Delay is the first expiry in ticks from start. Periodic jobs default
	// to one period.
	Delay    uint32 `yaml:"delay"`
	Cron     string `yaml:"cron"`
	Location string `yaml:"location"`
	// Value is carried by every TIMEOUT event of the job.
	Value uint16 `yaml:"value"`
	// Log logs every firing at info level instead of debug.
	Log bool `yaml:"log"`
}

// HTTPConfig controls the diagnostics server.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	// APIKey, when set, is required in X-Api-Key on every /api request.
	APIKey string `yaml:"api_key"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// MetricsConfig controls the Prometheus endpoint on the HTTP server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:               "tickq",
			DataDir:            "./data",
			CheckpointInterval: "30s",
		},
		TimeBases: TimeBasesConfig{
			Micro:  TimeBaseConfig{Enabled: false, Interval: "1ms", Epoch: EpochBoot},
			Milli:  TimeBaseConfig{Enabled: true, Interval: "1ms", Epoch: EpochBoot},
			Second: TimeBaseConfig{Enabled: true, Interval: "100ms", Epoch: EpochUnix},
		},
		Events: EventsConfig{
			Capacity:         16,
			DropWarnInterval: "5s",
		},
		Jobs: []JobConfig{},
		HTTP: HTTPConfig{
			Enabled:   true,
			Host:      "127.0.0.1",
			Port:      8080,
			RateLimit: 50,
			Burst:     100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run tickq with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	TICKQ_DATA_DIR     sets device.data_dir
//	TICKQ_HTTP_PORT    sets http.port
//	TICKQ_LOG_LEVEL    sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := Parse(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// Parse overlays YAML data onto cfg.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TICKQ_DATA_DIR"); v != "" {
		cfg.Device.DataDir = v
	}
	if v := os.Getenv("TICKQ_HTTP_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.HTTP.Port = p
		}
	}
	if v := os.Getenv("TICKQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Base returns the config of the named base ("us", "ms" or "s").
func (c *Config) Base(name string) (TimeBaseConfig, bool) {
	switch name {
	case "us":
		return c.TimeBases.Micro, true
	case "ms":
		return c.TimeBases.Milli, true
	case "s":
		return c.TimeBases.Second, true
	}
	return TimeBaseConfig{}, false
}

// Job returns the job named name.
func (c *Config) Job(name string) (JobConfig, bool) {
	for _, j := range c.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobConfig{}, false
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Device.DataDir == "" {
		return errors.New("device.data_dir must not be empty")
	}
	if c.Device.CheckpointInterval != "" && c.Device.CheckpointInterval != "0" {
		if d, err := time.ParseDuration(c.Device.CheckpointInterval); err != nil || d < 0 {
			return errors.New("device.checkpoint_interval must be a non-negative duration")
		}
	}
	if c.HTTP.Enabled && (c.HTTP.Port < 1 || c.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if c.HTTP.RateLimit < 0 {
		return errors.New("http.rate_limit must be >= 0")
	}
	if c.Events.Capacity < 1 {
		return errors.New("events.capacity must be at least 1")
	}
	if c.Events.DropWarnInterval != "" {
		if _, err := time.ParseDuration(c.Events.DropWarnInterval); err != nil {
			return fmt.Errorf("events.drop_warn_interval: %w", err)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return errors.New(`log.format must be "console" or "json"`)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}

	enabled := 0
	for _, name := range []string{"us", "ms", "s"} {
		tb, _ := c.Base(name)
		if !tb.Enabled {
			continue
		}
		enabled++
		if d, err := tb.IntervalDuration(); err != nil || d <= 0 {
			return fmt.Errorf("timebases.%s.interval must be a positive duration", name)
		}
		switch tb.Epoch {
		case "", EpochBoot, EpochUnix:
		default:
			return fmt.Errorf(`timebases.%s.epoch must be "boot" or "unix"`, name)
		}
	}
	if enabled == 0 {
		return errors.New("at least one time base must be enabled")
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i, j := range c.Jobs {
		if err := c.validateJob(j); err != nil {
			return fmt.Errorf("jobs[%d]: %w", i, err)
		}
		if seen[j.Name] {
			return fmt.Errorf("jobs[%d]: duplicate name %q", i, j.Name)
		}
		seen[j.Name] = true
	}
	return nil
}

func (c *Config) validateJob(j JobConfig) error {
	if j.Name == "" {
		return errors.New("name must not be empty")
	}
	tb, ok := c.Base(j.Base)
	if !ok {
		return fmt.Errorf(`base must be "us", "ms" or "s", got %q`, j.Base)
	}
	if !tb.Enabled {
		return fmt.Errorf("base %q is not enabled", j.Base)
	}
	if j.Delay > ticks.MaxDelay {
		return errors.New("delay exceeds 2^31-1 ticks")
	}
	switch j.Kind {
	case KindPeriodic:
		if j.Period == 0 || j.Period > ticks.MaxDelay {
			return errors.New("period must be between 1 and 2^31-1 ticks")
		}
	case KindOneshot:
	case KindAlarm:
		if j.Base != "s" || tb.Epoch != EpochUnix {
			return errors.New(`alarm jobs need base "s" with epoch "unix"`)
		}
		if _, err := alarm.Parser.Parse(j.Cron); err != nil {
			return fmt.Errorf("cron: %w", err)
		}
		if j.Location != "" {
			if _, err := time.LoadLocation(j.Location); err != nil {
				return fmt.Errorf("location: %w", err)
			}
		}
	default:
		return fmt.Errorf(`kind must be "periodic", "oneshot" or "alarm", got %q`, j.Kind)
	}
	return nil
}
