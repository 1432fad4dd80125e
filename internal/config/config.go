package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

type Config struct {
	StoreDriver string // "postgres", "sqlite" or "memory"
	DatabaseURL string
	SQLitePath  string

	InstanceID string

	TickInterval     time.Duration // scheduler loop cadence
	StopPollInterval time.Duration // batch stop-signal polling cadence
	SweepSchedule    string        // cron spec for the stale-running sweep
	ShutdownTimeout  time.Duration

	WebAddr  string
	WebToken string

	// Politeness throttle toward target platforms; 0 disables.
	PlatformRPS   float64
	PlatformBurst int

	AdapterMode string // "registry" or "mock"
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.StoreDriver, "store", c.StoreDriver, "Task store driver (postgres|sqlite|memory)")
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Postgres connection string")
	fs.StringVar(&c.SQLitePath, "sqlite-path", c.SQLitePath, "SQLite database file path")
	fs.StringVar(&c.InstanceID, "instance-id", c.InstanceID, "Unique orchestrator instance ID")
	fs.DurationVar(&c.TickInterval, "tick-interval", c.TickInterval, "Scheduler tick interval")
	fs.DurationVar(&c.StopPollInterval, "stop-poll-interval", c.StopPollInterval, "Batch stop-signal poll interval")
	fs.StringVar(&c.SweepSchedule, "sweep-schedule", c.SweepSchedule, "Cron spec for the stale-running sweep")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for in-flight tasks on shutdown")
	fs.StringVar(&c.WebAddr, "web-addr", c.WebAddr, "HTTP address for health/metrics/events")
	fs.StringVar(&c.WebToken, "web-token", c.WebToken, "Bearer token for the HTTP endpoints (empty disables auth)")
	fs.Float64Var(&c.PlatformRPS, "platform-rps", c.PlatformRPS, "Per-platform publish rate limit (0 to disable)")
	fs.IntVar(&c.PlatformBurst, "platform-burst", c.PlatformBurst, "Per-platform publish burst size")
	fs.StringVar(&c.AdapterMode, "adapter-mode", c.AdapterMode, "Adapter mode (registry|mock)")
}

func Load() (*Config, error) {
	cfg := &Config{
		StoreDriver:      "postgres",
		TickInterval:     10 * time.Second,
		StopPollInterval: 10 * time.Second,
		SweepSchedule:    "@every 1m",
		ShutdownTimeout:  30 * time.Second,
		WebAddr:          ":8080",
		PlatformRPS:      0,
		PlatformBurst:    1,
		AdapterMode:      "registry",
	}

	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}

	cfg.InstanceID = os.Getenv("INSTANCE_ID")
	if cfg.InstanceID == "" {
		hostname, _ := os.Hostname()
		cfg.InstanceID = fmt.Sprintf("orchestrator-%s-%d", hostname, time.Now().Unix())
	}

	if v := os.Getenv("TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TickInterval = d
		}
	}
	if v := os.Getenv("STOP_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StopPollInterval = d
		}
	}
	if v := os.Getenv("SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
	if v := os.Getenv("WEB_ADDR"); v != "" {
		cfg.WebAddr = v
	}
	cfg.WebToken = os.Getenv("WEB_TOKEN")
	if v := os.Getenv("ADAPTER_MODE"); v != "" {
		cfg.AdapterMode = v
	}

	return cfg, nil
}

// Validate checks cross-field requirements once flags and files are merged.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("store driver postgres requires DATABASE_URL")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("store driver sqlite requires a database path")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.StopPollInterval <= 0 {
		return fmt.Errorf("stop poll interval must be positive")
	}
	return nil
}
