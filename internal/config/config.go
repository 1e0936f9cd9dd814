// Package config loads the fleetd configuration file into an immutable Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/fleetd/internal/logger"
)

// EnvPrefix is the prefix of environment overrides, e.g. FLEETD_AGENT_IDLE_INTERVAL.
const EnvPrefix = "FLEETD"

type Config struct {
	Environment string            `mapstructure:"environment"`
	Hostname    string            `mapstructure:"hostname"`
	Log         logger.Config     `mapstructure:"log"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Lease       LeaseConfig       `mapstructure:"lease"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Client      ClientConfig      `mapstructure:"client"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Notify      NotifyConfig      `mapstructure:"notify"`
}

type CoordinatorConfig struct {
	Listen               string        `mapstructure:"listen"`
	BasePath             string        `mapstructure:"base_path"`
	Build                string        `mapstructure:"build"`
	BuildFile            string        `mapstructure:"build_file"`
	Store                string        `mapstructure:"store"`
	History              []string      `mapstructure:"history"`
	ActionTTL            time.Duration `mapstructure:"action_ttl"`
	StaleAfter           time.Duration `mapstructure:"stale_after"`
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval"`
	ProcessProxy         bool          `mapstructure:"process_proxy"`
	TLS                  *TLSConfig    `mapstructure:"tls"`
	Auth                 AuthConfig    `mapstructure:"auth"`
}

type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	MinVersion   string      `mapstructure:"min_version"`
	MaxVersion   string      `mapstructure:"max_version"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// AuthConfig enables HTTP basic auth. Users carry bcrypt hashes.
type AuthConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Users   []UserConfig `mapstructure:"users"`
}

type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

type LeaseConfig struct {
	Period         time.Duration `mapstructure:"period"`
	ExpiryRatio    float64       `mapstructure:"expiry_ratio"`
	AssertInterval time.Duration `mapstructure:"assert_interval"`
}

type AgentConfig struct {
	LockFile       string        `mapstructure:"lock_file"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	BusyInterval   time.Duration `mapstructure:"busy_interval"`
	IdleInterval   time.Duration `mapstructure:"idle_interval"`
	StartGrace     time.Duration `mapstructure:"start_grace"`
	StopPoll       time.Duration `mapstructure:"stop_poll"`
	RestartDelay   time.Duration `mapstructure:"restart_delay"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type SupervisorConfig struct {
	Name           string        `mapstructure:"name"`
	Mode           string        `mapstructure:"mode"`
	Command        []string      `mapstructure:"command"`
	Task           string        `mapstructure:"task"`
	WorkDir        string        `mapstructure:"work_dir"`
	Env            []string      `mapstructure:"env"`
	Singleton      bool          `mapstructure:"singleton"`
	CrashGrace     time.Duration `mapstructure:"crash_grace"`
	RestartMode    string        `mapstructure:"restart_mode"`
	RestartCommand []string      `mapstructure:"restart_command"`
	RestartWait    time.Duration `mapstructure:"restart_wait"`
	RelaunchDelay  time.Duration `mapstructure:"relaunch_delay"`
	BuildPoll      time.Duration `mapstructure:"build_poll"`
	KillGrace      time.Duration `mapstructure:"kill_grace"`
	StageSource    string        `mapstructure:"stage_source"`
	StageTarget    string        `mapstructure:"stage_target"`
	LocalBuild     string        `mapstructure:"local_build"`
	PIDFile        string        `mapstructure:"pid_file"`
}

type ClientConfig struct {
	URL                string        `mapstructure:"url"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RetryInterval      time.Duration `mapstructure:"retry_interval"`
	CAFile             string        `mapstructure:"ca_file"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics for processes without the coordinator API.
	Listen string `mapstructure:"listen"`
}

type NotifyConfig struct {
	Webhook string `mapstructure:"webhook"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("hostname", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatPretty)
	v.SetDefault("log.no_color", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("coordinator.listen", ":8700")
	v.SetDefault("coordinator.base_path", "")
	v.SetDefault("coordinator.build", "dev")
	v.SetDefault("coordinator.build_file", "")
	v.SetDefault("coordinator.store", "memory://")
	v.SetDefault("coordinator.history", []string{})
	v.SetDefault("coordinator.action_ttl", 10*time.Minute)
	v.SetDefault("coordinator.stale_after", 24*time.Hour)
	v.SetDefault("coordinator.housekeeping_interval", time.Minute)
	v.SetDefault("coordinator.process_proxy", false)
	v.SetDefault("coordinator.auth.enabled", false)

	v.SetDefault("lease.period", 60*time.Second)
	v.SetDefault("lease.expiry_ratio", 1.1)
	v.SetDefault("lease.assert_interval", time.Duration(0))

	v.SetDefault("agent.lock_file", "/tmp/fleetd-agent.lock")
	v.SetDefault("agent.cache_ttl", 5*time.Minute)
	v.SetDefault("agent.busy_interval", time.Second)
	v.SetDefault("agent.idle_interval", 60*time.Second)
	v.SetDefault("agent.start_grace", 5*time.Second)
	v.SetDefault("agent.stop_poll", 5*time.Second)
	v.SetDefault("agent.restart_delay", 30*time.Second)
	v.SetDefault("agent.sample_interval", 15*time.Second)

	v.SetDefault("supervisor.name", "")
	v.SetDefault("supervisor.mode", "external")
	v.SetDefault("supervisor.command", []string{})
	v.SetDefault("supervisor.task", "")
	v.SetDefault("supervisor.work_dir", "")
	v.SetDefault("supervisor.env", []string{})
	v.SetDefault("supervisor.singleton", false)
	v.SetDefault("supervisor.crash_grace", 30*time.Second)
	v.SetDefault("supervisor.restart_mode", "exit")
	v.SetDefault("supervisor.restart_command", []string{})
	v.SetDefault("supervisor.restart_wait", 60*time.Second)
	v.SetDefault("supervisor.relaunch_delay", time.Second)
	v.SetDefault("supervisor.build_poll", 15*time.Second)
	v.SetDefault("supervisor.kill_grace", 5*time.Second)
	v.SetDefault("supervisor.stage_source", "")
	v.SetDefault("supervisor.stage_target", "")
	v.SetDefault("supervisor.local_build", "")
	v.SetDefault("supervisor.pid_file", "")

	v.SetDefault("client.url", "http://127.0.0.1:8700")
	v.SetDefault("client.username", "")
	v.SetDefault("client.password", "")
	v.SetDefault("client.timeout", 30*time.Second)
	v.SetDefault("client.retry_interval", 5*time.Second)
	v.SetDefault("client.ca_file", "")
	v.SetDefault("client.insecure_skip_verify", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")

	v.SetDefault("notify.webhook", "")
}

// Load reads path (TOML, YAML or JSON by extension) over the built-in
// defaults and FLEETD_* environment overrides. An empty path uses defaults
// and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if c.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("resolve hostname: %w", err)
		}
		c.Hostname = h
	}
	if c.Lease.AssertInterval <= 0 {
		c.Lease.AssertInterval = c.Lease.Period
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks values that would make a component misbehave.
func (c Config) Validate() error {
	var errs []error
	if c.Lease.Period <= 0 {
		errs = append(errs, errors.New("lease.period must be positive"))
	}
	if c.Lease.ExpiryRatio < 1 {
		errs = append(errs, fmt.Errorf("lease.expiry_ratio must be >= 1, got %v", c.Lease.ExpiryRatio))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"agent.busy_interval", c.Agent.BusyInterval},
		{"agent.idle_interval", c.Agent.IdleInterval},
		{"agent.stop_poll", c.Agent.StopPoll},
		{"client.retry_interval", c.Client.RetryInterval},
		{"supervisor.build_poll", c.Supervisor.BuildPoll},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	switch c.Supervisor.Mode {
	case "external", "inprocess":
	default:
		errs = append(errs, fmt.Errorf("supervisor.mode must be external or inprocess, got %q", c.Supervisor.Mode))
	}
	switch c.Supervisor.RestartMode {
	case "exit", "relaunch", "command":
	default:
		errs = append(errs, fmt.Errorf("supervisor.restart_mode must be exit, relaunch or command, got %q", c.Supervisor.RestartMode))
	}
	if c.Supervisor.RestartMode == "command" && len(c.Supervisor.RestartCommand) == 0 {
		errs = append(errs, errors.New("supervisor.restart_command required when restart_mode = command"))
	}
	if c.Coordinator.Auth.Enabled && len(c.Coordinator.Auth.Users) == 0 {
		errs = append(errs, errors.New("coordinator.auth enabled without users"))
	}
	return errors.Join(errs...)
}
