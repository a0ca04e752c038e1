package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config represents the application configuration
type Config struct {
	Redis     RedisConfig     `json:"redis"`
	Database  DatabaseConfig  `json:"database"`
	Fetch     FetchConfig     `json:"fetch"`
	Consumer  ConsumerConfig  `json:"consumer"`
	Generator GeneratorConfig `json:"generator"`
	Channels  ChannelConfig   `json:"channels"`
	Ops       OpsConfig       `json:"ops"`
	Search    SearchConfig    `json:"search"`
	Tracing   TracingConfig   `json:"tracing"`
}

// RedisConfig holds connection parameters for the store backing the
// request queue, pub/sub channels, and locks.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// DatabaseConfig holds database connection parameters
type DatabaseConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Database          string `json:"database"`
	User              string `json:"user"`
	Password          string `json:"password"`
	MaxConnections    int    `json:"max_connections"`
	MinConnections    int    `json:"min_connections"`
	ConnectionTimeout int    `json:"connection_timeout_seconds"`
}

// FetchConfig tunes the HTTP fetcher
type FetchConfig struct {
	DefaultTimeout   time.Duration `json:"default_timeout_seconds"`
	MaxRetries       int           `json:"max_retries"`
	RetryBaseDelayMs int           `json:"retry_base_delay_ms"`
	ProxyURL         string        `json:"proxy_url"`
}

// ConsumerConfig tunes the queue consumer worker pool
type ConsumerConfig struct {
	DefaultConcurrency int           `json:"default_concurrency"`
	ProcessingTimeout  time.Duration `json:"processing_timeout_seconds"`
	PollInterval       time.Duration `json:"poll_interval_ms"`
}

// GeneratorConfig tunes the content generator pipeline
type GeneratorConfig struct {
	Concurrency       int `json:"concurrency"`
	BatchSize         int `json:"batch_size"`
	MinParagraphChars int `json:"min_paragraph_length"`
	RetryMax          int `json:"retry_max"`
	StatsIntervalSecs int `json:"stats_interval_seconds"`
}

// ChannelConfig names the pub/sub channels that make up the external
// command contract.
type ChannelConfig struct {
	SpiderCommands    string `json:"spider_commands"`
	WorkerCommand     string `json:"worker_command"`
	ProcessorCommands string `json:"processor_commands"`
	PoolReload        string `json:"pool_reload"`
}

// OpsConfig controls the /health and /metrics surface. Port 0 disables it.
type OpsConfig struct {
	Port int `json:"port"`
}

// SearchConfig points the generator's best-effort indexer at
// Elasticsearch. An empty Addrs disables indexing entirely.
type SearchConfig struct {
	Addrs []string `json:"addrs"`
}

// TracingConfig controls the OpenTelemetry TracerProvider installed at
// startup. Disabled by default; Exporter must be "jaeger" or "otlp" when
// enabled, matching telemetry.NewTracerProvider's supported exporters.
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	Exporter       string  `json:"exporter"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SamplingRatio  float64 `json:"sampling_ratio"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(filepath string) (*Config, error) {
	config := Default()

	if filepath != "" {
		data, err := os.ReadFile(filepath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables
	config.applyEnvironmentOverrides()

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Default returns a Config with sensible defaults for local development.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{Addr: "localhost:6379"},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "crawlpipe",
			MaxConnections: 10,
			MinConnections: 1,
		},
		Fetch: FetchConfig{
			DefaultTimeout:   30 * time.Second,
			MaxRetries:       3,
			RetryBaseDelayMs: 500,
		},
		Consumer: ConsumerConfig{
			DefaultConcurrency: 8,
			ProcessingTimeout:  300 * time.Second,
			PollInterval:       100 * time.Millisecond,
		},
		Generator: GeneratorConfig{
			Concurrency:       4,
			BatchSize:         50,
			MinParagraphChars: 20,
			RetryMax:          3,
			StatsIntervalSecs: 5,
		},
		Channels: ChannelConfig{
			SpiderCommands:    "spider:commands",
			WorkerCommand:     "worker:command",
			ProcessorCommands: "processor:commands",
			PoolReload:        "pool:reload",
		},
		Ops:    OpsConfig{Port: 8080},
		Search: SearchConfig{},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "jaeger",
			SamplingRatio: 0.1,
		},
	}
}

// applyEnvironmentOverrides applies environment variable overrides
func (c *Config) applyEnvironmentOverrides() {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}

	// Database configuration from environment
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		c.Database.Host = host
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		if p, err := parseInt(port); err == nil {
			c.Database.Port = p
		}
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		c.Database.User = user
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		c.Database.Password = password
	}
	if dbname := os.Getenv("POSTGRES_DB"); dbname != "" {
		c.Database.Database = dbname
	}

	if proxy := os.Getenv("FETCH_PROXY_URL"); proxy != "" {
		c.Fetch.ProxyURL = proxy
	}
	if port := os.Getenv("OPS_PORT"); port != "" {
		if p, err := parseInt(port); err == nil {
			c.Ops.Port = p
		}
	}
	if addrs := os.Getenv("ELASTICSEARCH_ADDRS"); addrs != "" {
		c.Search.Addrs = parseCommaSeparated(addrs)
	}

	if enabled := os.Getenv("TRACING_ENABLED"); enabled != "" {
		c.Tracing.Enabled = enabled == "true" || enabled == "1"
	}
	if exporter := os.Getenv("TRACING_EXPORTER"); exporter != "" {
		c.Tracing.Exporter = exporter
	}
	if endpoint := os.Getenv("JAEGER_ENDPOINT"); endpoint != "" {
		c.Tracing.JaegerEndpoint = endpoint
	}
	if endpoint := os.Getenv("OTLP_ENDPOINT"); endpoint != "" {
		c.Tracing.OTLPEndpoint = endpoint
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	if c.Consumer.DefaultConcurrency < 1 {
		return fmt.Errorf("consumer.default_concurrency must be >= 1")
	}

	if c.Generator.BatchSize < 1 {
		return fmt.Errorf("generator.batch_size must be >= 1")
	}

	// Validate database config
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 10
	}
	if c.Database.MinConnections == 0 {
		c.Database.MinConnections = 1
	}

	if c.Fetch.DefaultTimeout == 0 {
		c.Fetch.DefaultTimeout = 30 * time.Second
	}
	if c.Consumer.ProcessingTimeout == 0 {
		c.Consumer.ProcessingTimeout = 300 * time.Second
	}
	if c.Consumer.PollInterval == 0 {
		c.Consumer.PollInterval = 100 * time.Millisecond
	}

	return nil
}

// GetDatabaseURL returns the PostgreSQL connection string
func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions
func parseCommaSeparated(s string) []string {
	var result []string
	for _, item := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseInt(s string) (int, error) {
	var i int
	_, err := fmt.Sscanf(s, "%d", &i)
	return i, err
}
