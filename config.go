package ensemble

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// duration accepts "250ms" / "5s" style values in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(v)
	return nil
}

// DaemonConfig maps the daemon's YAML config file. Zero fields keep the
// orchestrator defaults.
type DaemonConfig struct {
	Region    string `yaml:"region"`
	AdminAddr string `yaml:"admin_addr"`
	LogLevel  string `yaml:"log_level"` // debug, info, warn, error

	Lifecycle struct {
		IdleTimeout  duration `yaml:"idle_timeout"`
		SaveInterval duration `yaml:"save_interval"`
	} `yaml:"lifecycle"`

	Placement struct {
		Wait            duration `yaml:"wait"`
		RescheduleWait  duration `yaml:"reschedule_wait"`
		ServerlessPools []string `yaml:"serverless_pools"`
	} `yaml:"placement"`

	Runners struct {
		SuspectAfter   duration `yaml:"suspect_after"`
		LostAfter      duration `yaml:"lost_after"`
		DrainGrace     duration `yaml:"drain_grace"`
		DrainOnUpgrade *bool    `yaml:"drain_on_upgrade"`
	} `yaml:"runners"`

	Timers struct {
		RecoveryInterval duration `yaml:"recovery_interval"`
	} `yaml:"timers"`
}

// LoadDaemonConfig reads and parses a YAML config file.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg DaemonConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// SlogLevel maps the config's log_level string to a slog level. Unknown
// values fall back to info.
func (c *DaemonConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options translates the config into orchestrator options. Only set
// fields produce an option.
func (c *DaemonConfig) Options() []Option {
	var opts []Option
	if c.Region != "" {
		opts = append(opts, WithRegion(c.Region))
	}
	if c.AdminAddr != "" {
		opts = append(opts, WithAdminAddr(c.AdminAddr))
	}
	if c.Lifecycle.IdleTimeout > 0 {
		opts = append(opts, WithIdleTimeout(time.Duration(c.Lifecycle.IdleTimeout)))
	}
	if c.Lifecycle.SaveInterval > 0 {
		opts = append(opts, WithSaveInterval(time.Duration(c.Lifecycle.SaveInterval)))
	}
	if c.Placement.Wait > 0 {
		opts = append(opts, WithPlacementWait(time.Duration(c.Placement.Wait)))
	}
	if c.Placement.RescheduleWait > 0 {
		opts = append(opts, WithRescheduleWait(time.Duration(c.Placement.RescheduleWait)))
	}
	for _, pool := range c.Placement.ServerlessPools {
		opts = append(opts, WithServerlessPool(pool))
	}
	if c.Runners.SuspectAfter > 0 && c.Runners.LostAfter > 0 {
		opts = append(opts, WithHeartbeatThresholds(time.Duration(c.Runners.SuspectAfter), time.Duration(c.Runners.LostAfter)))
	}
	if c.Runners.DrainGrace > 0 {
		opts = append(opts, WithDrainGrace(time.Duration(c.Runners.DrainGrace)))
	}
	if c.Runners.DrainOnUpgrade != nil {
		opts = append(opts, WithDrainOnUpgrade(*c.Runners.DrainOnUpgrade))
	}
	if c.Timers.RecoveryInterval > 0 {
		opts = append(opts, WithTimerRecoveryInterval(time.Duration(c.Timers.RecoveryInterval)))
	}
	opts = append(opts, WithLogLevel(c.SlogLevel()))
	return opts
}
