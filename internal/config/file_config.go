package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"orchestrator.yaml",
	"orchestrator.yml",
	"orchestrator.toml",
	".orchestrator.yaml",
	".orchestrator.yml",
	".orchestrator.toml",
}

type FileConfig struct {
	Store     StoreFileConfig     `yaml:"store" toml:"store"`
	Scheduler SchedulerFileConfig `yaml:"scheduler" toml:"scheduler"`
	Web       WebFileConfig       `yaml:"web" toml:"web"`
	Platforms PlatformFileConfig  `yaml:"platforms" toml:"platforms"`
}

type StoreFileConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	Path   string `yaml:"path" toml:"path"`
}

type SchedulerFileConfig struct {
	InstanceID       string `yaml:"instance_id" toml:"instance_id"`
	TickInterval     string `yaml:"tick_interval" toml:"tick_interval"`
	StopPollInterval string `yaml:"stop_poll_interval" toml:"stop_poll_interval"`
	SweepSchedule    string `yaml:"sweep_schedule" toml:"sweep_schedule"`
	ShutdownTimeout  string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	AdapterMode      string `yaml:"adapter_mode" toml:"adapter_mode"`
}

type WebFileConfig struct {
	Addr  string `yaml:"addr" toml:"addr"`
	Token string `yaml:"token" toml:"token"`
}

type PlatformFileConfig struct {
	RPS   *float64 `yaml:"rps" toml:"rps"`
	Burst *int     `yaml:"burst" toml:"burst"`
}

func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("ORCHESTRATOR_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.Store.Driver != "" {
		cfg.StoreDriver = fileCfg.Store.Driver
	}
	if fileCfg.Store.DSN != "" {
		cfg.DatabaseURL = fileCfg.Store.DSN
	}
	if fileCfg.Store.Path != "" {
		cfg.SQLitePath = fileCfg.Store.Path
	}

	if fileCfg.Scheduler.InstanceID != "" {
		cfg.InstanceID = fileCfg.Scheduler.InstanceID
	}
	if fileCfg.Scheduler.TickInterval != "" {
		parsed, err := parseDurationField("scheduler.tick_interval", fileCfg.Scheduler.TickInterval)
		if err != nil {
			return err
		}
		cfg.TickInterval = parsed
	}
	if fileCfg.Scheduler.StopPollInterval != "" {
		parsed, err := parseDurationField("scheduler.stop_poll_interval", fileCfg.Scheduler.StopPollInterval)
		if err != nil {
			return err
		}
		cfg.StopPollInterval = parsed
	}
	if fileCfg.Scheduler.SweepSchedule != "" {
		cfg.SweepSchedule = fileCfg.Scheduler.SweepSchedule
	}
	if fileCfg.Scheduler.ShutdownTimeout != "" {
		parsed, err := parseDurationField("scheduler.shutdown_timeout", fileCfg.Scheduler.ShutdownTimeout)
		if err != nil {
			return err
		}
		cfg.ShutdownTimeout = parsed
	}
	if fileCfg.Scheduler.AdapterMode != "" {
		cfg.AdapterMode = fileCfg.Scheduler.AdapterMode
	}

	if fileCfg.Web.Addr != "" {
		cfg.WebAddr = fileCfg.Web.Addr
	}
	if fileCfg.Web.Token != "" {
		cfg.WebToken = fileCfg.Web.Token
	}

	if fileCfg.Platforms.RPS != nil {
		cfg.PlatformRPS = *fileCfg.Platforms.RPS
	}
	if fileCfg.Platforms.Burst != nil {
		cfg.PlatformBurst = *fileCfg.Platforms.Burst
	}

	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
