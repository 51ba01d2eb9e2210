package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	Queue      QueueConfig
	Worker     WorkerConfig
	Pipeline   PipelineConfig
	Chunker    ChunkerConfig
	Resolver   ResolverConfig
	Extraction ExtractionConfig
	Mentions   MentionsConfig
	Cache      CacheConfig
	Neo4j      Neo4jConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	ReadTimeout        int
	WriteTimeout       int
	BodyLimit          int
	RateLimitPerMinute int
	AllowedOrigins     []string
	Development        bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type QueueConfig struct {
	Backend           string
	Name              string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	ReapInterval      time.Duration
}

type WorkerConfig struct {
	Enabled     bool
	Concurrency int
	ID          string
}

type PipelineConfig struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    float64
	LockLease      time.Duration
}

type ChunkerConfig struct {
	WindowSize int
	Overlap    int
}

type ResolverConfig struct {
	Threshold      float64
	Metric         string
	MaxClusterSize int
}

type ExtractionConfig struct {
	Backend        string
	Endpoint       string
	APIKey         string
	SourceRoot     string
	Timeout        time.Duration
	PollInitial    time.Duration
	PollMultiplier float64
	PollMax        time.Duration
}

type MentionsConfig struct {
	Provider          string
	APIKey            string
	BaseURL           string
	Model             string
	Temperature       float32
	MaxTokens         int
	Concurrency       int
	DefaultConfidence float64
}

type CacheConfig struct {
	Backend string
	Version int
	TTL     map[string]time.Duration
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/docpipe")

	v.SetEnvPrefix("DOCPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFile reads a specific config file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Chunker.WindowSize <= 0 {
		return fmt.Errorf("chunker.windowSize must be positive, got %d", c.Chunker.WindowSize)
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.WindowSize {
		return fmt.Errorf("chunker.overlap must be in [0, windowSize), got %d", c.Chunker.Overlap)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.maxAttempts must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.LockLease <= 0 {
		return fmt.Errorf("pipeline.lockLease must be positive, got %s", c.Pipeline.LockLease)
	}
	if c.Queue.VisibilityTimeout > 0 && c.Pipeline.LockLease > c.Queue.VisibilityTimeout {
		return fmt.Errorf("pipeline.lockLease (%s) must not exceed queue.visibilityTimeout (%s)", c.Pipeline.LockLease, c.Queue.VisibilityTimeout)
	}
	if c.Resolver.Threshold <= 0 || c.Resolver.Threshold > 1 {
		return fmt.Errorf("resolver.threshold must be in (0, 1], got %v", c.Resolver.Threshold)
	}

	switch c.Resolver.Metric {
	case "levenshtein", "jaro_winkler", "token_jaccard":
	default:
		return fmt.Errorf("unknown resolver.metric %q", c.Resolver.Metric)
	}

	switch c.Extraction.Backend {
	case "local", "http":
	default:
		return fmt.Errorf("unknown extraction.backend %q", c.Extraction.Backend)
	}

	switch c.Mentions.Provider {
	case "openai", "prose":
	default:
		return fmt.Errorf("unknown mentions.provider %q", c.Mentions.Provider)
	}

	switch c.Cache.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}

	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}

	return nil
}

// StageTTL returns the cache TTL configured for a stage name, or the "default" entry.
func (c CacheConfig) StageTTL(stage string) time.Duration {
	if ttl, ok := c.TTL[strings.ToLower(stage)]; ok {
		return ttl
	}
	return c.TTL["default"]
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.rateLimitPerMinute", 120)
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/docpipe.db")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.backend", "redis")
	v.SetDefault("queue.name", "docpipe:stages")
	v.SetDefault("queue.visibilityTimeout", "5m")
	v.SetDefault("queue.pollInterval", "500ms")
	v.SetDefault("queue.reapInterval", "30s")

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.id", "")

	v.SetDefault("pipeline.maxAttempts", 3)
	v.SetDefault("pipeline.retryBaseDelay", "2s")
	v.SetDefault("pipeline.retryMaxDelay", "5m")
	v.SetDefault("pipeline.retryJitter", 0.1)
	v.SetDefault("pipeline.lockLease", "5m")

	v.SetDefault("chunker.windowSize", 1000)
	v.SetDefault("chunker.overlap", 100)

	v.SetDefault("resolver.threshold", 0.85)
	v.SetDefault("resolver.metric", "levenshtein")
	v.SetDefault("resolver.maxClusterSize", 50)

	v.SetDefault("extraction.backend", "local")
	v.SetDefault("extraction.sourceRoot", "./data/sources")
	v.SetDefault("extraction.timeout", "15m")
	v.SetDefault("extraction.pollInitial", "2s")
	v.SetDefault("extraction.pollMultiplier", 2.0)
	v.SetDefault("extraction.pollMax", "1m")

	v.SetDefault("mentions.provider", "openai")
	v.SetDefault("mentions.model", "gpt-4o-mini")
	v.SetDefault("mentions.baseURL", "")
	v.SetDefault("mentions.temperature", 0.0)
	v.SetDefault("mentions.maxTokens", 1024)
	v.SetDefault("mentions.concurrency", 4)
	v.SetDefault("mentions.defaultConfidence", 0.6)

	v.SetDefault("cache.backend", "redis")
	v.SetDefault("cache.version", 1)
	v.SetDefault("cache.ttl", map[string]string{
		"default":               "24h",
		"extraction":            "168h",
		"chunking":              "72h",
		"entity_extraction":     "72h",
		"entity_resolution":     "24h",
		"relationship_building": "24h",
	})

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
