package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	JobQueue    JobQueueConfig    `mapstructure:"jobqueue"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Timeouts    TimeoutConfig     `mapstructure:"timeouts"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Immediate   ImmediateConfig   `mapstructure:"immediate"`
	Rescheduler ReschedulerConfig `mapstructure:"rescheduler"`
	Cleanup     CleanupConfig     `mapstructure:"cleanup"`
	Extractor   ExtractorConfig   `mapstructure:"extractor"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type JobQueueConfig struct {
	DataRoot           string `mapstructure:"data_root"`
	MaxQueueLength     int    `mapstructure:"max_queue_length"`
	LeaseWindowSeconds int    `mapstructure:"lease_window_seconds"`
	MaxAttempts        int    `mapstructure:"max_attempts"`
	DedupeTTLMinutes   int    `mapstructure:"dedupe_ttl_minutes"`
	RetryAfterSeconds  int    `mapstructure:"retry_after_seconds"`
}

type ConcurrencyConfig struct {
	MaxParallelHeavyJobs int `mapstructure:"max_parallel_heavy_jobs"`
	DispatcherWorkers    int `mapstructure:"dispatcher_workers"`
	PollIntervalSeconds  int `mapstructure:"poll_interval_seconds"`
}

type TimeoutConfig struct {
	JobTimeoutSeconds int `mapstructure:"job_timeout_seconds"`
}

type UploadConfig struct {
	MaxRequestBodyMB int `mapstructure:"max_request_body_mb"`
	// MinFreeSpaceMB is the free-space floor on the data volume below which
	// submissions are rejected. Zero disables the check.
	MinFreeSpaceMB int `mapstructure:"min_free_space_mb"`
}

type ImmediateConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	TimeoutSeconds  int  `mapstructure:"timeout_seconds"`
	FallbackToQueue bool `mapstructure:"fallback_to_queue"`
}

type ReschedulerConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

type CleanupConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalMinutes int  `mapstructure:"interval_minutes"`
	TTLDays         int  `mapstructure:"ttl_days"`
}

type ExtractorConfig struct {
	Provider       string `mapstructure:"provider"`
	Model          string `mapstructure:"model"`
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LeaseWindow returns the configured lease window as a duration.
func (c JobQueueConfig) LeaseWindow() time.Duration {
	return time.Duration(c.LeaseWindowSeconds) * time.Second
}

// DedupeTTL returns the window within which idempotency-key and hash lookups
// match an existing job.
func (c JobQueueConfig) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeTTLMinutes) * time.Minute
}

// MaxRequestBodyBytes returns the upload limit in bytes.
func (c UploadConfig) MaxRequestBodyBytes() int64 {
	return int64(c.MaxRequestBodyMB) * 1024 * 1024
}

// MinFreeSpaceBytes returns the free-space floor in bytes.
func (c UploadConfig) MinFreeSpaceBytes() uint64 {
	return uint64(c.MinFreeSpaceMB) * 1024 * 1024
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	// Set config file path
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/jobs.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("jobqueue.data_root", "./data/jobs")
	v.SetDefault("jobqueue.max_queue_length", 100)
	v.SetDefault("jobqueue.lease_window_seconds", 120)
	v.SetDefault("jobqueue.max_attempts", 5)
	v.SetDefault("jobqueue.dedupe_ttl_minutes", 30)
	v.SetDefault("jobqueue.retry_after_seconds", 60)
	v.SetDefault("concurrency.max_parallel_heavy_jobs", 2)
	v.SetDefault("concurrency.dispatcher_workers", 4)
	v.SetDefault("concurrency.poll_interval_seconds", 2)
	v.SetDefault("timeouts.job_timeout_seconds", 900)
	v.SetDefault("upload.max_request_body_mb", 20)
	v.SetDefault("upload.min_free_space_mb", 500)
	v.SetDefault("immediate.enabled", true)
	v.SetDefault("immediate.max_parallel", 1)
	v.SetDefault("immediate.timeout_seconds", 30)
	v.SetDefault("immediate.fallback_to_queue", true)
	v.SetDefault("rescheduler.interval_seconds", 10)
	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.interval_minutes", 60)
	v.SetDefault("cleanup.ttl_days", 14)
	v.SetDefault("extractor.provider", "openai")
	v.SetDefault("extractor.model", "gpt-4o-mini")
	v.SetDefault("extractor.base_url", "https://api.openai.com/v1")
	v.SetDefault("extractor.timeout_seconds", 120)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.dsn", "DATABASE_DSN")
	v.BindEnv("extractor.api_key", "OPENAI_API_KEY")
	v.BindEnv("extractor.base_url", "OPENAI_BASE_URL")
	v.BindEnv("extractor.model", "EXTRACTOR_MODEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
