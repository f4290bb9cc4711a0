package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultServerAddr  = ":8080"
	DefaultGRPCAddr    = ":9090"
	DefaultDBType      = "sqlite"
	DefaultKafkaBroker = "localhost:9092"
	DefaultEventTopic  = "task_events"
)

// ServiceConfig declares one entry of the service registry.
type ServiceConfig struct {
	Name         string `yaml:"name"`
	Branch       string `yaml:"branch"`
	Repo         string `yaml:"repo"`
	StartCmd     string `yaml:"start_cmd"`
	StatusCmd    string `yaml:"status_cmd"`
	StopCmd      string `yaml:"stop_cmd"`
	Legacy       bool   `yaml:"legacy"`
	ResultFile   string `yaml:"result_file"`
	ParamSchema  string `yaml:"param_schema"`
	ResultSchema string `yaml:"result_schema"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

type DBConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// SchedulerConfig tunes the scheduler loop. Durations are Go duration strings in YAML.
type SchedulerConfig struct {
	Workers          int           `yaml:"workers"`
	IdleSleep        time.Duration `yaml:"idle_sleep"`
	ClaimLease       time.Duration `yaml:"claim_lease"`
	MaxStartAttempts int           `yaml:"max_start_attempts"`
	RequestedMaxAge  time.Duration `yaml:"requested_max_age"`
	Retention        time.Duration `yaml:"retention"`
	StaleProbeAfter  time.Duration `yaml:"stale_probe_after"`
}

type PoolConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ConnectWait       time.Duration `yaml:"connect_wait"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxStreams        int           `yaml:"max_streams"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	KnownHostsFile    string        `yaml:"known_hosts_file"`
}

type HealthConfig struct {
	Interval        time.Duration `yaml:"interval"`
	DeactivateAfter time.Duration `yaml:"deactivate_after"`
}

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	DB        DBConfig        `yaml:"db"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pool      PoolConfig      `yaml:"pool"`
	Health    HealthConfig    `yaml:"health"`
	MasterKey string          `yaml:"master_key"`
	Services  []ServiceConfig `yaml:"services"`
}

// Default returns the configuration used when neither a file nor the environment says otherwise.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: DefaultServerAddr, GRPCAddr: DefaultGRPCAddr},
		DB:     DBConfig{Type: DefaultDBType},
		Kafka:  KafkaConfig{Brokers: []string{DefaultKafkaBroker}, Topic: DefaultEventTopic},
		Scheduler: SchedulerConfig{
			Workers:          8,
			IdleSleep:        2 * time.Second,
			ClaimLease:       30 * time.Minute,
			MaxStartAttempts: 10,
			RequestedMaxAge:  20 * 24 * time.Hour,
			Retention:        25 * 24 * time.Hour,
			StaleProbeAfter:  2 * 24 * time.Hour,
		},
		Pool: PoolConfig{
			ConnectTimeout:    30 * time.Second,
			ConnectWait:       20 * time.Second,
			ProbeTimeout:      10 * time.Second,
			IdleTimeout:       30 * time.Minute,
			MaxStreams:        4,
			StreamIdleTimeout: 20 * time.Minute,
			KeepAlive:         30 * time.Second,
		},
		Health: HealthConfig{
			Interval:        5 * time.Minute,
			DeactivateAfter: 7 * 24 * time.Hour,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE (if any), then the individual environment variables.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from the individual environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("GRPC_ADDR"); v != "" {
		c.Server.GRPCAddr = v
	}
	if v := getenv("DB_TYPE"); v != "" {
		c.DB.Type = v
	}
	if v := getenv("DB_DSN"); v != "" {
		c.DB.DSN = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := getenv("EVENT_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := getenv("MASTER_KEY"); v != "" {
		c.MasterKey = v
	}
	if v := getenv("SCHEDULER_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SCHEDULER_WORKERS %q: %w", v, err)
		}
		c.Scheduler.Workers = n
	}
	if v := getenv("KNOWN_HOSTS_FILE"); v != "" {
		c.Pool.KnownHostsFile = v
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.MasterKey == "" {
		return fmt.Errorf("master key is required to decrypt resource credentials")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler workers must be at least 1, got %d", c.Scheduler.Workers)
	}
	if c.Pool.MaxStreams < 1 {
		return fmt.Errorf("pool max_streams must be at least 1, got %d", c.Pool.MaxStreams)
	}
	if c.DB.Type != "sqlite" && c.DB.Type != "mysql" {
		return fmt.Errorf("unsupported db type %q", c.DB.Type)
	}
	for i, s := range c.Services {
		if s.Name == "" || s.StartCmd == "" {
			return fmt.Errorf("service #%d needs a name and a start_cmd", i)
		}
	}
	return nil
}
