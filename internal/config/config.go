package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Companion  CompanionAPIConfig
	Scheduler  SchedulerConfig
	Conditions ConditionsConfig
}

type ServerConfig struct {
	Port     string
	Host     string
	RunToken string // bearer token for the manual run route; empty disables it
}

type DatabaseConfig struct {
	Host       string
	Port       string
	User       string
	Password   string
	DBName     string
	SSLMode    string
	URL        string
	Driver     string // sqlite3 or postgres
	SQLitePath string
}

type CompanionAPIConfig struct {
	BaseURL            string
	Timeout            int // seconds
	BreakerMaxFailures int
	BreakerOpenTimeout time.Duration
}

type SchedulerConfig struct {
	JobPeriod      time.Duration
	PollInterval   time.Duration
	MaxRunTime     time.Duration
	LockingEnabled bool
	LockTimeout    time.Duration
	InactiveDays   int
}

type ConditionsConfig struct {
	PowerSupplyPath   string
	IdleCPUThreshold  float64
	IdleLoadThreshold float64
	IdleSampleWindow  time.Duration
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("host", "localhost")
	v.SetDefault("run_token", "")

	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_user", "companion")
	v.SetDefault("db_password", "companion")
	v.SetDefault("db_name", "companion_core")
	v.SetDefault("db_sslmode", "disable")
	v.SetDefault("database_url", "")
	v.SetDefault("store_driver", "sqlite3")
	v.SetDefault("sqlite_path", "janitor.db")

	v.SetDefault("companion_api_url", "http://localhost:8081")
	v.SetDefault("companion_api_timeout", 30)
	v.SetDefault("breaker_max_failures", 5)
	v.SetDefault("breaker_open_timeout", "60s")

	v.SetDefault("job_period", "24h")
	v.SetDefault("condition_poll_interval", "1m")
	v.SetDefault("job_max_run_time", "0s")
	v.SetDefault("locking_enabled", false)
	v.SetDefault("lock_timeout", "0s")
	v.SetDefault("inactive_days", 90)

	v.SetDefault("power_supply_path", "/sys/class/power_supply")
	v.SetDefault("idle_cpu_threshold", 10.0)
	v.SetDefault("idle_load_threshold", 0.5)
	v.SetDefault("idle_sample_window", "1s")
}

// New builds the viper instance: defaults, then the optional JANITOR_CONFIG
// file, then environment variables
func New() (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	SetDefaults(v)

	if path := os.Getenv("JANITOR_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return v, nil
}

// Load reads the configuration from the environment and the optional config file
func Load() (*Config, error) {
	v, err := New()
	if err != nil {
		return nil, err
	}
	return FromViper(v), nil
}

// FromViper maps a viper instance onto Config
func FromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:     v.GetString("port"),
			Host:     v.GetString("host"),
			RunToken: v.GetString("run_token"),
		},
		Database: DatabaseConfig{
			Host:       v.GetString("db_host"),
			Port:       v.GetString("db_port"),
			User:       v.GetString("db_user"),
			Password:   v.GetString("db_password"),
			DBName:     v.GetString("db_name"),
			SSLMode:    v.GetString("db_sslmode"),
			URL:        v.GetString("database_url"),
			Driver:     v.GetString("store_driver"),
			SQLitePath: v.GetString("sqlite_path"),
		},
		Companion: CompanionAPIConfig{
			BaseURL:            v.GetString("companion_api_url"),
			Timeout:            v.GetInt("companion_api_timeout"),
			BreakerMaxFailures: v.GetInt("breaker_max_failures"),
			BreakerOpenTimeout: v.GetDuration("breaker_open_timeout"),
		},
		Scheduler: SchedulerConfig{
			JobPeriod:      v.GetDuration("job_period"),
			PollInterval:   v.GetDuration("condition_poll_interval"),
			MaxRunTime:     v.GetDuration("job_max_run_time"),
			LockingEnabled: v.GetBool("locking_enabled"),
			LockTimeout:    v.GetDuration("lock_timeout"),
			InactiveDays:   v.GetInt("inactive_days"),
		},
		Conditions: ConditionsConfig{
			PowerSupplyPath:   v.GetString("power_supply_path"),
			IdleCPUThreshold:  v.GetFloat64("idle_cpu_threshold"),
			IdleLoadThreshold: v.GetFloat64("idle_load_threshold"),
			IdleSampleWindow:  v.GetDuration("idle_sample_window"),
		},
	}
}

func (c *Config) DatabaseURL() string {
	// DATABASE_URL wins over the individual parts
	if c.Database.URL != "" {
		return c.Database.URL
	}

	return "postgres://" + c.Database.User + ":" + c.Database.Password +
		"@" + c.Database.Host + ":" + c.Database.Port +
		"/" + c.Database.DBName + "?sslmode=" + c.Database.SSLMode
}

// StoreDSN returns the data source name for the configured store driver
func (c *Config) StoreDSN() string {
	if c.Database.Driver == "postgres" {
		return c.DatabaseURL()
	}
	return c.Database.SQLitePath
}

// Validate rejects settings the daemon cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Database.Driver)
	}
	if c.Companion.BaseURL == "" {
		return fmt.Errorf("COMPANION_API_URL is required")
	}
	if c.Scheduler.JobPeriod <= 0 {
		return fmt.Errorf("JOB_PERIOD must be positive, got %s", c.Scheduler.JobPeriod)
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("CONDITION_POLL_INTERVAL must be positive, got %s", c.Scheduler.PollInterval)
	}
	if c.Scheduler.MaxRunTime < 0 {
		return fmt.Errorf("JOB_MAX_RUN_TIME must not be negative")
	}
	if c.Scheduler.LockingEnabled && c.Database.Driver != "postgres" {
		return fmt.Errorf("LOCKING_ENABLED requires STORE_DRIVER=postgres")
	}
	return nil
}
