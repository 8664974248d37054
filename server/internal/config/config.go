package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Source    SourceConfig    `yaml:"source"`
	Feed      FeedConfig      `yaml:"feed"`
	Detector  DetectorConfig  `yaml:"detector"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	LastSeen  LastSeenConfig  `yaml:"lastseen"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// AllowedOrigins 是允许跨域与 WebSocket 握手的来源。
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SourceConfig 远端动态源配置
type SourceConfig struct {
	Driver string      `yaml:"driver"` // "memory" or "mongo"
	Mongo  MongoConfig `yaml:"mongo"`
	// SeedPath 仅 memory 驱动使用：启动时导入的帖子。
	SeedPath string `yaml:"seed_path"`
}

type MongoConfig struct {
	URI         string `yaml:"uri"`
	Database    string `yaml:"database"`
	MaxPoolSize uint64 `yaml:"max_pool_size"`
}

type FeedConfig struct {
	PageSize     int           `yaml:"page_size"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

type DetectorConfig struct {
	Interval          time.Duration `yaml:"interval"`
	SuppressionWindow time.Duration `yaml:"suppression_window"`
}

// BroadcastConfig 变更广播配置
type BroadcastConfig struct {
	Driver           string          `yaml:"driver"` // "local" or "nats"
	NATS             NATSConfig      `yaml:"nats"`
	PollInterval     time.Duration   `yaml:"poll_interval"`
	ReplayWindow     time.Duration   `yaml:"replay_window"`
	ReplayCapacity   int             `yaml:"replay_capacity"`
	ReannounceDelays []time.Duration `yaml:"reannounce_delays"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	KVBucket      string `yaml:"kv_bucket"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LastSeenConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite"
	Path   string `yaml:"path"`
}

type GatewayConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default 返回全部取默认值的配置（内存源、本地广播、内存 lastSeen）
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	fmt.Printf("📋 Loading config from: %s\n", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	fmt.Printf("\n📊 Configuration Summary:\n")
	fmt.Printf("   Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Source: %s\n", cfg.Source.Driver)
	fmt.Printf("   Broadcast: %s (poll %v, replay %v)\n", cfg.Broadcast.Driver, cfg.Broadcast.PollInterval, cfg.Broadcast.ReplayWindow)
	fmt.Printf("   LastSeen: %s\n", cfg.LastSeen.Driver)
	fmt.Printf("   Cache TTL: %v  Page size: %d\n\n", cfg.Feed.CacheTTL, cfg.Feed.PageSize)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// applyEnv 从环境变量覆盖连接信息。设置了连接串就隐含切换到对应驱动。
func (c *Config) applyEnv() {
	if uri := os.Getenv("FEED_MONGO_URI"); uri != "" {
		fmt.Printf("🔑 Using FEED_MONGO_URI from environment variable\n")
		c.Source.Mongo.URI = uri
		c.Source.Driver = "mongo"
	}
	if url := os.Getenv("FEED_NATS_URL"); url != "" {
		fmt.Printf("🔑 Using FEED_NATS_URL from environment variable\n")
		c.Broadcast.NATS.URL = url
		c.Broadcast.Driver = "nats"
	}
	if path := os.Getenv("FEED_SQLITE_PATH"); path != "" {
		c.LastSeen.Path = path
		c.LastSeen.Driver = "sqlite"
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Source.Driver == "" {
		c.Source.Driver = "memory"
	}
	if c.Source.Mongo.Database == "" {
		c.Source.Mongo.Database = "team_feed"
	}

	if c.Feed.PageSize == 0 {
		c.Feed.PageSize = 20
	}
	if c.Feed.CacheTTL == 0 {
		c.Feed.CacheTTL = 30 * time.Second
	}
	if c.Feed.FetchTimeout == 0 {
		c.Feed.FetchTimeout = 15 * time.Second
	}

	if c.Detector.Interval == 0 {
		c.Detector.Interval = 60 * time.Second
	}
	if c.Detector.SuppressionWindow == 0 {
		c.Detector.SuppressionWindow = 70 * time.Second
	}

	if c.Broadcast.Driver == "" {
		c.Broadcast.Driver = "local"
	}
	if c.Broadcast.PollInterval == 0 {
		c.Broadcast.PollInterval = time.Second
	}
	if c.Broadcast.ReplayWindow == 0 {
		c.Broadcast.ReplayWindow = 2 * time.Second
	}
	if c.Broadcast.NATS.KVBucket == "" {
		c.Broadcast.NATS.KVBucket = "feed_flags"
	}
	if c.Broadcast.NATS.SubjectPrefix == "" {
		c.Broadcast.NATS.SubjectPrefix = "feed.changes"
	}

	if c.LastSeen.Driver == "" {
		c.LastSeen.Driver = "memory"
	}

	if c.Gateway.PingInterval == 0 {
		c.Gateway.PingInterval = 30 * time.Second
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = 5 * time.Second
	}
	if c.Gateway.CommandTimeout == 0 {
		c.Gateway.CommandTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Addr 返回监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Source.Driver {
	case "memory":
	case "mongo":
		if c.Source.Mongo.URI == "" {
			return fmt.Errorf("mongo uri is required (set FEED_MONGO_URI env var or source.mongo.uri)")
		}
	default:
		return fmt.Errorf("unknown source driver %q", c.Source.Driver)
	}

	switch c.Broadcast.Driver {
	case "local":
	case "nats":
		if c.Broadcast.NATS.URL == "" {
			return fmt.Errorf("nats url is required (set FEED_NATS_URL env var or broadcast.nats.url)")
		}
	default:
		return fmt.Errorf("unknown broadcast driver %q", c.Broadcast.Driver)
	}

	switch c.LastSeen.Driver {
	case "memory":
	case "sqlite":
		if c.LastSeen.Path == "" {
			return fmt.Errorf("sqlite path is required (set FEED_SQLITE_PATH env var or lastseen.path)")
		}
	default:
		return fmt.Errorf("unknown lastseen driver %q", c.LastSeen.Driver)
	}

	if c.Feed.PageSize < 1 {
		return fmt.Errorf("feed.page_size must be positive")
	}
	if c.Feed.CacheTTL < 0 || c.Broadcast.PollInterval < 0 || c.Detector.Interval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	for _, d := range c.Broadcast.ReannounceDelays {
		if d <= 0 {
			return fmt.Errorf("broadcast.reannounce_delays must be positive, got %v", d)
		}
	}
	return nil
}
