// Package config loads service configuration from an optional YAML file,
// PROFITCAST_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fractal-lba/profitcast/internal/aggregate"
	"github.com/fractal-lba/profitcast/internal/api"
	"github.com/fractal-lba/profitcast/internal/artifact"
	"github.com/fractal-lba/profitcast/internal/auth"
	"github.com/fractal-lba/profitcast/internal/events"
	"github.com/fractal-lba/profitcast/internal/features"
	"github.com/fractal-lba/profitcast/internal/forecast"
	"github.com/fractal-lba/profitcast/internal/training"
	"github.com/fractal-lba/profitcast/pkg/otel"
)

// EnvPrefix prefixes every environment override, e.g.
// PROFITCAST_STORE_BACKEND=redis.
const EnvPrefix = "PROFITCAST"

// Store backends.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Source    SourceConfig              `mapstructure:"source"`
	Collector aggregate.CollectorConfig `mapstructure:"collector"`
	Features  features.Config           `mapstructure:"features"`
	Training  training.Config           `mapstructure:"training"`
	Forecast  forecast.Config           `mapstructure:"forecast"`
	Store     StoreConfig               `mapstructure:"store"`
	Events    EventsConfig              `mapstructure:"events"`
	Journal   JournalConfig             `mapstructure:"journal"`
	Telemetry otel.Config               `mapstructure:"telemetry"`
	Metrics   MetricsConfig             `mapstructure:"metrics"`
	Auth      auth.GatewayConfig        `mapstructure:"auth"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// TrainTimeout bounds a training run started over HTTP.
	TrainTimeout time.Duration   `mapstructure:"train_timeout"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RateLimitConfig configures the token buckets guarding train and forecast.
type RateLimitConfig struct {
	ForecastRPS   float64 `mapstructure:"forecast_rps"`
	ForecastBurst int     `mapstructure:"forecast_burst"`
	TrainRPS      float64 `mapstructure:"train_rps"`
	TrainBurst    int     `mapstructure:"train_burst"`
}

// LoggingConfig selects the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

// SourceConfig selects where daily aggregates come from. An empty DSN means
// every run is synthesized.
type SourceConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// StoreConfig selects and configures the artifact store.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Slot    string `mapstructure:"slot"`

	Dir  string `mapstructure:"dir"`
	Keep int    `mapstructure:"keep"`

	Redis       RedisConfig `mapstructure:"redis"`
	PostgresDSN string      `mapstructure:"postgres_dsn"`

	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// RedisConfig configures the Redis artifact store.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	Grace    time.Duration `mapstructure:"grace"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// Options converts to artifact.RedisOptions for slot.
func (r RedisConfig) Options(slot string) artifact.RedisOptions {
	return artifact.RedisOptions{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
		Prefix:   r.Prefix,
		Slot:     slot,
		Grace:    r.Grace,
		LockTTL:  r.LockTTL,
	}
}

// EventsConfig enables model.trained publication.
type EventsConfig struct {
	Enabled bool               `mapstructure:"enabled"`
	Kafka   events.KafkaConfig `mapstructure:"kafka"`
}

// JournalConfig locates the training run journal. An empty Dir disables it.
type JournalConfig struct {
	Dir string `mapstructure:"dir"`
}

// MetricsConfig protects /metrics with basic auth when User is set.
type MetricsConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// Load reads path (optional; empty searches ./config and the working
// directory for profitcast.yaml), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("profitcast")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading any file or
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not unmarshal: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10m")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.train_timeout", "10m")
	v.SetDefault("server.rate_limit.forecast_rps", 20)
	v.SetDefault("server.rate_limit.forecast_burst", 40)
	v.SetDefault("server.rate_limit.train_rps", 0.1)
	v.SetDefault("server.rate_limit.train_burst", 1)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Source
	v.SetDefault("source.postgres_dsn", "")

	// Collector
	cc := aggregate.DefaultCollectorConfig()
	v.SetDefault("collector.min_raw_rows", cc.MinRawRows)
	v.SetDefault("collector.history_days", cc.HistoryDays)
	v.SetDefault("collector.synthetic_days", cc.SyntheticDays)
	v.SetDefault("collector.seed", cc.Seed)

	// Features
	fc := features.DefaultConfig()
	v.SetDefault("features.lags", fc.Lags)
	v.SetDefault("features.windows", fc.Windows)

	// Training
	tc := training.DefaultConfig()
	v.SetDefault("training.min_samples", tc.MinSamples)
	v.SetDefault("training.test_fraction", tc.TestFraction)
	v.SetDefault("training.split_seed", tc.SplitSeed)
	v.SetDefault("training.default_algorithm", tc.DefaultAlgorithm)
	v.SetDefault("training.default_horizon_days", tc.DefaultHorizonDays)
	for key, p := range map[string]struct {
		trees, depth, split, leaf int
		lr                        float64
		seed                      int64
	}{
		"bagged":  {tc.Bagged.Trees, tc.Bagged.MaxDepth, tc.Bagged.MinSamplesSplit, tc.Bagged.MinSamplesLeaf, tc.Bagged.LearningRate, tc.Bagged.Seed},
		"boosted": {tc.Boosted.Trees, tc.Boosted.MaxDepth, tc.Boosted.MinSamplesSplit, tc.Boosted.MinSamplesLeaf, tc.Boosted.LearningRate, tc.Boosted.Seed},
	} {
		prefix := "training." + key + "."
		v.SetDefault(prefix+"trees", p.trees)
		v.SetDefault(prefix+"max_depth", p.depth)
		v.SetDefault(prefix+"min_samples_split", p.split)
		v.SetDefault(prefix+"min_samples_leaf", p.leaf)
		v.SetDefault(prefix+"learning_rate", p.lr)
		v.SetDefault(prefix+"seed", p.seed)
		v.SetDefault(prefix+"workers", 0)
	}
	v.SetDefault("training.schedule.enabled", tc.Schedule.Enabled)
	v.SetDefault("training.schedule.interval", tc.Schedule.Interval.String())
	v.SetDefault("training.schedule.algorithm", tc.Schedule.Algorithm)
	v.SetDefault("training.schedule.horizon_days", tc.Schedule.HorizonDays)
	v.SetDefault("training.schedule.run_on_start", tc.Schedule.RunOnStart)

	// Forecast
	fo := forecast.DefaultConfig()
	v.SetDefault("forecast.noise_std", fo.NoiseStd)
	v.SetDefault("forecast.noise_growth", fo.NoiseGrowth)
	v.SetDefault("forecast.growth_rate", fo.GrowthRate)
	v.SetDefault("forecast.weekend_factor", fo.WeekendFactor)
	v.SetDefault("forecast.revenue_noise_min", fo.RevenueNoiseMin)
	v.SetDefault("forecast.revenue_noise_max", fo.RevenueNoiseMax)
	v.SetDefault("forecast.cost_noise_min", fo.CostNoiseMin)
	v.SetDefault("forecast.cost_noise_max", fo.CostNoiseMax)
	v.SetDefault("forecast.trend_window", fo.TrendWindow)
	v.SetDefault("forecast.history_days", fo.HistoryDays)
	v.SetDefault("forecast.default_days", fo.DefaultDays)
	v.SetDefault("forecast.max_days", fo.MaxDays)

	// Store
	v.SetDefault("store.backend", BackendFile)
	v.SetDefault("store.slot", artifact.DefaultSlot)
	v.SetDefault("store.dir", "data/models")
	v.SetDefault("store.keep", 5)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "profitcast")
	v.SetDefault("store.redis.grace", "1h")
	v.SetDefault("store.redis.lock_ttl", "30m")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.cache_size", 4)
	v.SetDefault("store.cache_ttl", "1h")

	// Events
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("events.kafka.topic", "profitcast.model.trained")
	v.SetDefault("events.kafka.write_timeout", "5s")

	// Journal
	v.SetDefault("journal.dir", "data/journal")

	// Telemetry
	oc := otel.DefaultConfig("profitcast")
	v.SetDefault("telemetry.enabled", oc.Enabled)
	v.SetDefault("telemetry.service_name", oc.ServiceName)
	v.SetDefault("telemetry.service_version", oc.ServiceVersion)
	v.SetDefault("telemetry.environment", oc.Environment)
	v.SetDefault("telemetry.collector_endpoint", oc.CollectorEndpoint)
	v.SetDefault("telemetry.collector_insecure", oc.CollectorInsecure)
	v.SetDefault("telemetry.sampling_rate", oc.SamplingRate)
	v.SetDefault("telemetry.max_events_per_span", oc.MaxEventsPerSpan)
	v.SetDefault("telemetry.max_attributes_per_span", oc.MaxAttributesPerSpan)

	// Metrics
	v.SetDefault("metrics.user", "")
	v.SetDefault("metrics.password", "")

	// Auth
	gw := auth.DefaultGatewayConfig()
	v.SetDefault("auth.enabled", gw.Enabled)
	v.SetDefault("auth.require_verified", gw.RequireVerified)
	v.SetDefault("auth.subject_header", gw.SubjectHeader)
	v.SetDefault("auth.scopes_header", gw.ScopesHeader)
	v.SetDefault("auth.verified_header", gw.VerifiedHeader)
	v.SetDefault("auth.train_scope", gw.TrainScope)
	v.SetDefault("auth.read_scope", gw.ReadScope)
}

// Validate checks cross-field constraints and delegates to each
// component's own validation.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port must be in [1, 65535]", api.ErrInvalidInput)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("%w: logging.format must be json or console, got %q", api.ErrInvalidInput, c.Logging.Format)
	}
	if c.Collector.MinRawRows < 1 || c.Collector.SyntheticDays < 1 || c.Collector.HistoryDays < 1 {
		return fmt.Errorf("%w: collector windows must be >= 1", api.ErrInvalidInput)
	}
	if err := c.Features.Validate(); err != nil {
		return err
	}
	if err := c.Training.Validate(); err != nil {
		return err
	}
	if err := c.Forecast.Validate(); err != nil {
		return err
	}

	switch c.Store.Backend {
	case BackendFile:
		if c.Store.Dir == "" {
			return fmt.Errorf("%w: store.dir is required for the file backend", api.ErrInvalidInput)
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("%w: store.redis.addr is required for the redis backend", api.ErrInvalidInput)
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("%w: store.postgres_dsn is required for the postgres backend", api.ErrInvalidInput)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown store.backend %q", api.ErrInvalidInput, c.Store.Backend)
	}

	if c.Events.Enabled {
		if len(c.Events.Kafka.Brokers) == 0 || c.Events.Kafka.Topic == "" {
			return fmt.Errorf("%w: events.kafka.brokers and topic are required when events are enabled", api.ErrInvalidInput)
		}
	}
	if c.Telemetry.Enabled && (c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1) {
		return fmt.Errorf("%w: telemetry.sampling_rate must be in [0, 1]", api.ErrInvalidInput)
	}
	if c.Auth.Enabled && c.Auth.SubjectHeader == "" {
		return fmt.Errorf("%w: auth.subject_header is required when auth is enabled", api.ErrInvalidInput)
	}
	if (c.Metrics.User == "") != (c.Metrics.Password == "") {
		return fmt.Errorf("%w: metrics.user and metrics.password must be set together", api.ErrInvalidInput)
	}
	return nil
}
