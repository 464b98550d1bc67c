// Package config provides configuration loading, defaults, and validation.
// Every component receives an immutable Config record at construction; there
// is no process-wide mutable configuration state.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Coordinator execution modes.
const (
	ModeSerial   = "serial"
	ModeThreaded = "threaded"
)

// Valid site identifiers.
var validNodeIDs = map[string]bool{"A": true, "B": true}

type Config struct {
	NodeID      string            `mapstructure:"node_id"`
	DataDir     string            `mapstructure:"data_dir"`
	Log         LogConfig         `mapstructure:"log"`
	Coordinator CoordinatorConfig `mapstructure:"cc"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Loan        LoanConfig        `mapstructure:"loan"`
	Endpoints   EndpointsConfig   `mapstructure:"endpoints"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	ToStdout bool   `mapstructure:"to_stdout"`
	FilePath string `mapstructure:"file_path"`
}

type CoordinatorConfig struct {
	Mode        string        `mapstructure:"mode"`
	Workers     int           `mapstructure:"workers"`
	LoanTimeout time.Duration `mapstructure:"loan_timeout"`
}

type HeartbeatConfig struct {
	IntervalMS int `mapstructure:"interval_ms"`
}

func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalMS) * time.Millisecond
}

type ReplicationConfig struct {
	SnapshotIntervalOps int `mapstructure:"snapshot_interval_ops"`
	RetainLastN         int `mapstructure:"retain_last_n"`
}

type LoanConfig struct {
	DurationDays int `mapstructure:"duration_days"`
	RenewDays    int `mapstructure:"renew_days"`
	MaxRenewals  int `mapstructure:"max_renewals"`
}

// EndpointsConfig names every socket of one site. Bind addresses are
// host:port tuples listened on; connect addresses are dialed.
type EndpointsConfig struct {
	ClientBind       string `mapstructure:"client_bind"`
	TopicBind        string `mapstructure:"topic_bind"`
	TopicConnect     string `mapstructure:"topic_connect"`
	LoanBind         string `mapstructure:"loan_bind"`
	LoanConnect      string `mapstructure:"loan_connect"`
	SMBind           string `mapstructure:"sm_bind"`
	SMConnect        string `mapstructure:"sm_connect"`
	ReplPubBind      string `mapstructure:"repl_pub_bind"`
	ReplSubConnect   string `mapstructure:"repl_sub_connect"`
	HealthBind       string `mapstructure:"health_bind"`
	HeartbeatPubBind string `mapstructure:"heartbeat_pub_bind"`
}

// Load reads configuration from an optional config.yaml (searched in dataDir
// and the working directory), the environment, and defaults, in that
// priority order.
func Load(dataDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dataDir != "" {
		v.AddConfigPath(dataDir)
	}
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindLegacyEnv(v)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.NodeID = strings.ToUpper(strings.TrimSpace(cfg.NodeID))
	cfg.Coordinator.Mode = NormalizeMode(cfg.Coordinator.Mode)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NormalizeMode maps arbitrary input onto a valid coordinator mode,
// defaulting to serial.
func NormalizeMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeThreaded:
		return ModeThreaded
	default:
		return ModeSerial
	}
}

// Validate rejects configurations that would only fail later at runtime.
func (c *Config) Validate() error {
	if !validNodeIDs[c.NodeID] {
		return fmt.Errorf("invalid node_id %q: must be A or B", c.NodeID)
	}
	if c.Coordinator.Workers <= 0 {
		return fmt.Errorf("cc.workers must be positive, got %d", c.Coordinator.Workers)
	}
	if c.Heartbeat.IntervalMS <= 0 {
		return fmt.Errorf("heartbeat.interval_ms must be positive, got %d", c.Heartbeat.IntervalMS)
	}
	if c.Replication.SnapshotIntervalOps <= 0 {
		return fmt.Errorf("replication.snapshot_interval_ops must be positive, got %d", c.Replication.SnapshotIntervalOps)
	}
	if c.Replication.RetainLastN <= 0 {
		return fmt.Errorf("replication.retain_last_n must be positive, got %d", c.Replication.RetainLastN)
	}
	if c.Loan.DurationDays <= 0 || c.Loan.RenewDays <= 0 {
		return fmt.Errorf("loan durations must be positive")
	}
	if c.Loan.MaxRenewals < 0 {
		return fmt.Errorf("loan.max_renewals must not be negative, got %d", c.Loan.MaxRenewals)
	}
	return nil
}

// bindLegacyEnv maps the flat environment names of the deployment contract
// onto the structured keys.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("cc.mode", "CC_MODE")
	_ = v.BindEnv("cc.workers", "CC_WORKERS")
	_ = v.BindEnv("heartbeat.interval_ms", "HEARTBEAT_INTERVAL_MS")
	_ = v.BindEnv("replication.snapshot_interval_ops", "SNAPSHOT_INTERVAL_OPS")
	_ = v.BindEnv("replication.retain_last_n", "OL_RETAIN_LAST_N")
	_ = v.BindEnv("loan.duration_days", "LOAN_DURATION_DAYS")
	_ = v.BindEnv("loan.renew_days", "RENEW_DURATION_DAYS")
	_ = v.BindEnv("loan.max_renewals", "MAX_RENEWALS")
	_ = v.BindEnv("node_id", "NODE_ID")
	_ = v.BindEnv("endpoints.client_bind", "CC_CLIENT_BIND")
	_ = v.BindEnv("endpoints.topic_bind", "CC_PUB_BIND")
	_ = v.BindEnv("endpoints.topic_connect", "CC_PUB_CONNECT")
	_ = v.BindEnv("endpoints.loan_bind", "LOAN_REP_BIND")
	_ = v.BindEnv("endpoints.loan_connect", "LOAN_REP_CONNECT")
	_ = v.BindEnv("endpoints.sm_bind", "SM_REP_BIND")
	_ = v.BindEnv("endpoints.sm_connect", "SM_REP_CONNECT")
	_ = v.BindEnv("endpoints.repl_pub_bind", "REPL_PUB_BIND")
	_ = v.BindEnv("endpoints.repl_sub_connect", "REPL_SUB_CONNECT")
	_ = v.BindEnv("endpoints.health_bind", "HEALTH_REP_BIND")
	_ = v.BindEnv("endpoints.heartbeat_pub_bind", "HB_PUB_BIND")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "A")
	v.SetDefault("data_dir", "./data/siteA")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.to_stdout", true)
	v.SetDefault("log.file_path", "")

	v.SetDefault("cc.mode", ModeSerial)
	v.SetDefault("cc.workers", 8)
	v.SetDefault("cc.loan_timeout", 10*time.Second)

	v.SetDefault("heartbeat.interval_ms", 2000)

	v.SetDefault("replication.snapshot_interval_ops", 500)
	v.SetDefault("replication.retain_last_n", 1000)

	v.SetDefault("loan.duration_days", 14)
	v.SetDefault("loan.renew_days", 7)
	v.SetDefault("loan.max_renewals", 2)

	v.SetDefault("endpoints.client_bind", "0.0.0.0:5555")
	v.SetDefault("endpoints.topic_bind", "0.0.0.0:5556")
	v.SetDefault("endpoints.topic_connect", "127.0.0.1:5556")
	v.SetDefault("endpoints.loan_bind", "0.0.0.0:5557")
	v.SetDefault("endpoints.loan_connect", "127.0.0.1:5557")
	v.SetDefault("endpoints.sm_bind", "0.0.0.0:5560")
	v.SetDefault("endpoints.sm_connect", "127.0.0.1:5560")
	v.SetDefault("endpoints.repl_pub_bind", "0.0.0.0:5562")
	v.SetDefault("endpoints.repl_sub_connect", "127.0.0.1:5563")
	v.SetDefault("endpoints.health_bind", "0.0.0.0:5564")
	v.SetDefault("endpoints.heartbeat_pub_bind", "0.0.0.0:5565")
}
