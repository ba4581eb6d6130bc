package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "config/booksync.yml"

var envConfigPaths = map[string]string{
	EnvironmentProduction: "config/booksync.production.yml",
	EnvironmentStaging:    "config/booksync.staging.yml",
}

type Config struct {
	BookSync  AppConfig       `yaml:"booksync"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Source    SourceConfig    `yaml:"source"`
	Processor ProcessorConfig `yaml:"processor"`
	Writer    WriterConfig    `yaml:"writer"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type ChannelsConfig struct {
	// QueueDepthInterval is how often the output queue depth is sampled.
	QueueDepthInterval time.Duration `yaml:"queue_depth_interval"`
}

type SourceConfig struct {
	Probit ProbitSourceConfig `yaml:"probit"`
}

type ProbitSourceConfig struct {
	RestURL        string               `yaml:"rest_url"`
	WebsocketURL   string               `yaml:"websocket_url"`
	UserAgent      string               `yaml:"user_agent"`
	LocalIP        string               `yaml:"local_ip"`
	TradingPairs   []string             `yaml:"trading_pairs"`
	RequestTimeout time.Duration        `yaml:"request_timeout"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Catalog        CatalogConfig        `yaml:"catalog"`
	Snapshots      SnapshotConfig       `yaml:"snapshots"`
	Stream         StreamConfig         `yaml:"stream"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type CatalogConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type SnapshotConfig struct {
	Enabled bool `yaml:"enabled"`
	// PairDelay separates two pairs of the hourly refresh.
	PairDelay time.Duration `yaml:"pair_delay"`
	// TrackerDelay follows a successful pair while building trackers.
	TrackerDelay time.Duration `yaml:"tracker_delay"`
	// ErrorPenalty follows a failed pair while building trackers.
	ErrorPenalty time.Duration `yaml:"error_penalty"`
	// RetryDelay follows a failed outer iteration.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type StreamConfig struct {
	Diffs          bool          `yaml:"diffs"`
	Trades         bool          `yaml:"trades"`
	MessageTimeout time.Duration `yaml:"message_timeout"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Jitter bool          `yaml:"jitter"`
}

type ProcessorConfig struct {
	// Depth limits how many levels per side are archived.
	Depth int `yaml:"depth"`
}

type WriterConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`
	Parallelism   int64         `yaml:"parallelism"`
	// ManifestDir, when set, keeps a local manifest of archived objects.
	ManifestDir   string        `yaml:"manifest_dir"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string        `yaml:"level"`
	Format        string        `yaml:"format"`
	Output        string        `yaml:"output"`
	MaxAge        int           `yaml:"max_age"`
	ReportPeriod  time.Duration `yaml:"report_period"`
	CloudWatch    bool          `yaml:"cloudwatch"`
	DashboardName string        `yaml:"dashboard_name"`
}

// Default returns the configuration used for any key the file omits.
func Default() Config {
	return Config{
		BookSync: AppConfig{Name: "booksync", Version: "dev"},
		Metrics:  MetricsConfig{Enabled: true, Address: ":2112"},
		Channels: ChannelsConfig{QueueDepthInterval: 5 * time.Second},
		Source: SourceConfig{Probit: ProbitSourceConfig{
			RestURL:        "https://api.probit.com",
			WebsocketURL:   "wss://api.probit.com/api/exchange/v1/ws",
			UserAgent:      "booksync/1.0",
			RequestTimeout: 10 * time.Second,
			RateLimit:      RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5},
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    16,
				MaxConnsPerHost: 8,
				IdleConnTimeout: 90 * time.Second,
			},
			Catalog: CatalogConfig{TTL: 30 * time.Minute},
			Snapshots: SnapshotConfig{
				Enabled:      true,
				PairDelay:    5 * time.Second,
				TrackerDelay: 400 * time.Millisecond,
				ErrorPenalty: 5 * time.Second,
				RetryDelay:   5 * time.Second,
			},
			Stream: StreamConfig{
				Diffs:          true,
				Trades:         false,
				MessageTimeout: 30 * time.Second,
				PingTimeout:    10 * time.Second,
				Backoff:        BackoffConfig{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true},
			},
		}},
		Processor: ProcessorConfig{Depth: 50},
		Writer: WriterConfig{
			FlushInterval: time.Minute,
			Compression:   "snappy",
			Parallelism:   4,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			Output:        "stdout",
			ReportPeriod:  time.Minute,
			DashboardName: "BookSync",
		},
	}
}

// ResolvePath picks the APP_ENV specific file when path is the default one.
func ResolvePath(path string) string {
	return resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := strings.TrimSpace(os.Getenv("PROBIT_TRADING_PAIRS")); v != "" {
		config.Source.Probit.TradingPairs = splitPairs(v)
	}
	if v := strings.TrimSpace(os.Getenv("PROBIT_LOCAL_IP")); v != "" {
		config.Source.Probit.LocalIP = v
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
}

func splitPairs(v string) []string {
	var pairs []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			pairs = append(pairs, p)
		}
	}
	return pairs
}

var pairRegexp = regexp.MustCompile(`^[A-Z0-9]+-[A-Z0-9]+$`)

func validateConfig(cfg *Config) error {
	if cfg.BookSync.Name == "" {
		return fmt.Errorf("booksync.name is required")
	}
	if cfg.BookSync.Version == "" {
		return fmt.Errorf("booksync.version is required")
	}

	p := cfg.Source.Probit
	if p.RestURL == "" {
		return fmt.Errorf("source.probit.rest_url is required")
	}
	if p.Stream.Diffs || p.Stream.Trades {
		if p.WebsocketURL == "" {
			return fmt.Errorf("source.probit.websocket_url is required when streaming is enabled")
		}
	}
	for _, pair := range p.TradingPairs {
		if !pairRegexp.MatchString(pair) {
			return fmt.Errorf("source.probit.trading_pairs entry '%s' is invalid", pair)
		}
	}
	if p.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("source.probit.rate_limit.requests_per_second must be greater than 0")
	}
	if p.Catalog.TTL <= 0 {
		return fmt.Errorf("source.probit.catalog.ttl must be greater than 0")
	}
	if p.Snapshots.PairDelay < 0 || p.Snapshots.TrackerDelay < 0 || p.Snapshots.ErrorPenalty < 0 || p.Snapshots.RetryDelay < 0 {
		return fmt.Errorf("source.probit.snapshots delays must not be negative")
	}
	if p.Stream.MessageTimeout <= 0 {
		return fmt.Errorf("source.probit.stream.message_timeout must be greater than 0")
	}
	if p.Stream.PingTimeout <= 0 {
		return fmt.Errorf("source.probit.stream.ping_timeout must be greater than 0")
	}
	if p.Stream.Backoff.Min <= 0 || p.Stream.Backoff.Max < p.Stream.Backoff.Min {
		return fmt.Errorf("source.probit.stream.backoff requires 0 < min <= max")
	}

	if cfg.Writer.FlushInterval <= 0 {
		return fmt.Errorf("writer.flush_interval must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
