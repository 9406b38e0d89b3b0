// Package config loads service configuration from the environment and an
// optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Service       ServiceConfig
	HTTP          HTTPConfig
	Database      DatabaseConfig
	Kafka         KafkaConfig
	Log           LogConfig
	Tracing       TracingConfig
	Adherence     AdherenceConfig
	Notifications NotificationsConfig
	// APIKeys maps an API key to the client name it authenticates.
	APIKeys map[string]string
}

type ServiceConfig struct {
	Name        string
	Environment string
	Version     string
}

type HTTPConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (h HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", h.Port)
}

type DatabaseConfig struct {
	URL      string
	MaxConns int32
}

type KafkaConfig struct {
	Brokers []string
}

type LogConfig struct {
	Level  string
	Format string
}

type TracingConfig struct {
	Enabled    bool
	Endpoint   string
	SampleRate float64
}

type AdherenceConfig struct {
	// Timezone names the single calendar used for dates and slot instants.
	Timezone         string
	Location         *time.Location
	Tolerance        time.Duration
	SweepInterval    time.Duration
	BackfillDays     int
	MaxBackfillDays  int
	SweepConcurrency int
}

type NotificationsConfig struct {
	HorizonDays    int
	MaxHorizonDays int
	ReplanInterval time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "adherence")
	v.SetDefault("service_env", "development")
	v.SetDefault("service_version", "0.0.0")

	v.SetDefault("http_port", 8080)
	v.SetDefault("http_read_timeout", 15*time.Second)
	v.SetDefault("http_write_timeout", 15*time.Second)
	v.SetDefault("http_idle_timeout", 60*time.Second)
	v.SetDefault("http_shutdown_timeout", 30*time.Second)

	v.SetDefault("database_url", "")
	v.SetDefault("database_max_conns", 10)

	v.SetDefault("kafka_brokers", "")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("tracing_enabled", false)
	v.SetDefault("tracing_endpoint", "localhost:4317")
	v.SetDefault("tracing_sample_rate", 1.0)

	v.SetDefault("adherence_timezone", "Local")
	v.SetDefault("adherence_tolerance", 5*time.Minute)
	v.SetDefault("adherence_sweep_interval", 5*time.Minute)
	v.SetDefault("adherence_backfill_days", 7)
	v.SetDefault("adherence_max_backfill_days", 90)
	v.SetDefault("adherence_sweep_concurrency", 8)

	v.SetDefault("notifications_horizon_days", 14)
	v.SetDefault("notifications_max_horizon_days", 90)
	v.SetDefault("notifications_replan_interval", 24*time.Hour)

	v.SetDefault("api_keys", "")
}

// Load reads configuration from the environment. When CONFIG_FILE is set the
// file is read first and environment variables override it.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        v.GetString("service_name"),
			Environment: v.GetString("service_env"),
			Version:     v.GetString("service_version"),
		},
		HTTP: HTTPConfig{
			Port:            v.GetInt("http_port"),
			ReadTimeout:     v.GetDuration("http_read_timeout"),
			WriteTimeout:    v.GetDuration("http_write_timeout"),
			IdleTimeout:     v.GetDuration("http_idle_timeout"),
			ShutdownTimeout: v.GetDuration("http_shutdown_timeout"),
		},
		Database: DatabaseConfig{
			URL:      v.GetString("database_url"),
			MaxConns: v.GetInt32("database_max_conns"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("kafka_brokers")),
		},
		Log: LogConfig{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
		Tracing: TracingConfig{
			Enabled:    v.GetBool("tracing_enabled"),
			Endpoint:   v.GetString("tracing_endpoint"),
			SampleRate: v.GetFloat64("tracing_sample_rate"),
		},
		Adherence: AdherenceConfig{
			Timezone:         v.GetString("adherence_timezone"),
			Tolerance:        v.GetDuration("adherence_tolerance"),
			SweepInterval:    v.GetDuration("adherence_sweep_interval"),
			BackfillDays:     v.GetInt("adherence_backfill_days"),
			MaxBackfillDays:  v.GetInt("adherence_max_backfill_days"),
			SweepConcurrency: v.GetInt("adherence_sweep_concurrency"),
		},
		Notifications: NotificationsConfig{
			HorizonDays:    v.GetInt("notifications_horizon_days"),
			MaxHorizonDays: v.GetInt("notifications_max_horizon_days"),
			ReplanInterval: v.GetDuration("notifications_replan_interval"),
		},
	}

	if err := validate(cfg, v.GetString("api_keys")); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config, rawKeys string) error {
	var errs []string

	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("HTTP_PORT %d is out of range", cfg.HTTP.Port))
	}

	loc, err := time.LoadLocation(cfg.Adherence.Timezone)
	if err != nil {
		errs = append(errs, fmt.Sprintf("ADHERENCE_TIMEZONE %q: %v", cfg.Adherence.Timezone, err))
	}
	cfg.Adherence.Location = loc

	if cfg.Adherence.Tolerance < 0 {
		errs = append(errs, "ADHERENCE_TOLERANCE must not be negative")
	}
	if cfg.Adherence.SweepInterval <= 0 {
		errs = append(errs, "ADHERENCE_SWEEP_INTERVAL must be positive")
	}
	if cfg.Adherence.BackfillDays < 0 {
		errs = append(errs, "ADHERENCE_BACKFILL_DAYS must not be negative")
	}
	if cfg.Adherence.MaxBackfillDays <= 0 {
		errs = append(errs, "ADHERENCE_MAX_BACKFILL_DAYS must be positive")
	} else if cfg.Adherence.BackfillDays > cfg.Adherence.MaxBackfillDays {
		errs = append(errs, "ADHERENCE_BACKFILL_DAYS exceeds ADHERENCE_MAX_BACKFILL_DAYS")
	}
	if cfg.Adherence.SweepConcurrency <= 0 {
		errs = append(errs, "ADHERENCE_SWEEP_CONCURRENCY must be positive")
	}

	if cfg.Notifications.HorizonDays <= 0 {
		errs = append(errs, "NOTIFICATIONS_HORIZON_DAYS must be positive")
	}
	if cfg.Notifications.MaxHorizonDays <= 0 || cfg.Notifications.MaxHorizonDays > 366 {
		errs = append(errs, "NOTIFICATIONS_MAX_HORIZON_DAYS must be between 1 and 366")
	} else if cfg.Notifications.HorizonDays > cfg.Notifications.MaxHorizonDays {
		errs = append(errs, "NOTIFICATIONS_HORIZON_DAYS exceeds NOTIFICATIONS_MAX_HORIZON_DAYS")
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, "TRACING_SAMPLE_RATE must be between 0 and 1")
	}

	keys, err := parseAPIKeys(rawKeys)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.APIKeys = keys

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// parseAPIKeys reads "key:client,key:client".
func parseAPIKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range splitList(raw) {
		key, client, ok := strings.Cut(pair, ":")
		key, client = strings.TrimSpace(key), strings.TrimSpace(client)
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("API_KEYS entry %q is not key:client", pair)
		}
		keys[key] = client
	}
	return keys, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
