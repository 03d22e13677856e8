// Package config loads and validates crawl-engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// Snapshot backends.
const (
	SnapshotLocal  = "local"
	SnapshotMemory = "memory"
	SnapshotGCS    = "gcs"
)

// Index backends.
const (
	IndexBleve    = "bleve"
	IndexPostgres = "postgres"
)

// Notify backends.
const (
	NotifyNone   = "none"
	NotifyMemory = "memory"
	NotifyPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	// Crawler is read through crawler.ReadConfig so the crawl knobs keep a
	// single definition. It is validated when a crawl starts, since serve and
	// status do not need seeds.
	Crawler   crawler.Config `mapstructure:"-"`
	Log       LogConfig      `mapstructure:"log"`
	Snapshots SnapshotConfig `mapstructure:"snapshots"`
	Index     IndexConfig    `mapstructure:"index"`
	Notify    NotifyConfig   `mapstructure:"notify"`
	Server    ServerConfig   `mapstructure:"server"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

// LogConfig locates the write-ahead log.
type LogConfig struct {
	Path           string `mapstructure:"path"`
	MaxRecordBytes int    `mapstructure:"max_record_bytes"`
}

// SnapshotConfig selects where raw page bodies are kept.
type SnapshotConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// IndexConfig selects the document index.
type IndexConfig struct {
	Backend         string        `mapstructure:"backend"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// NotifyConfig controls page-indexed notifications.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the query API.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Crawler = crawler.ReadConfig(v)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) normalize() {
	c.Snapshots.Backend = strings.ToLower(strings.TrimSpace(c.Snapshots.Backend))
	c.Index.Backend = strings.ToLower(strings.TrimSpace(c.Index.Backend))
	c.Notify.Backend = strings.ToLower(strings.TrimSpace(c.Notify.Backend))
}

// Validate performs basic sanity checks on configuration values outside the
// crawler section.
func (c Config) Validate() error {
	if c.Log.Path == "" {
		return fmt.Errorf("log.path must be set")
	}
	if c.Log.MaxRecordBytes < 0 {
		return fmt.Errorf("log.max_record_bytes must be >= 0")
	}
	switch c.Snapshots.Backend {
	case SnapshotMemory:
	case SnapshotLocal:
		if c.Snapshots.Dir == "" {
			return fmt.Errorf("snapshots.dir is required for the local backend")
		}
	case SnapshotGCS:
		if c.Snapshots.GCSBucket == "" {
			return fmt.Errorf("snapshots.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("snapshots.backend must be one of local, memory, gcs")
	}
	switch c.Index.Backend {
	case IndexBleve:
	case IndexPostgres:
		if c.Index.DSN == "" {
			return fmt.Errorf("index.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("index.backend must be one of bleve, postgres")
	}
	switch c.Notify.Backend {
	case NotifyNone, NotifyMemory:
	case NotifyPubSub:
		if c.Notify.ProjectID == "" {
			return fmt.Errorf("notify.project_id is required for the pubsub backend")
		}
		if c.Notify.Topic == "" {
			return fmt.Errorf("notify.topic is required for the pubsub backend")
		}
	default:
		return fmt.Errorf("notify.backend must be one of none, memory, pubsub")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be within 1-65535")
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("server.request_timeout must be >= 0")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.seeds", []string{})
	v.SetDefault("crawler.max_sites", 1000)
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.worker_count", 8)
	v.SetDefault("crawler.per_host_delay_ms", 1000)
	v.SetDefault("crawler.per_host_max_in_flight", 1)
	v.SetDefault("crawler.retry_limit", 3)
	v.SetDefault("crawler.scope.allow_hosts", []string{})
	v.SetDefault("crawler.scope.exclude", []string{})
	v.SetDefault("crawler.mode", string(crawler.ModeOffline))
	v.SetDefault("crawler.fetch_timeout", "15s")
	v.SetDefault("crawler.shutdown_grace", "10s")
	v.SetDefault("crawler.user_agent", "crawl-engine/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.max_page_bytes", 5<<20)
	v.SetDefault("crawler.retry_base_delay", "1s")
	v.SetDefault("crawler.retry_max_delay", "1m")
	v.SetDefault("crawler.fairness_window", 100)
	v.SetDefault("crawler.fairness_share", 0.5)
	v.SetDefault("crawler.global_rps", 0)
	v.SetDefault("log.path", "data/crawl.log")
	v.SetDefault("log.max_record_bytes", 0)
	v.SetDefault("snapshots.backend", SnapshotLocal)
	v.SetDefault("snapshots.dir", "data/snapshots")
	v.SetDefault("snapshots.gcs_bucket", "")
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("index.backend", IndexBleve)
	v.SetDefault("index.path", "data/index.bleve")
	v.SetDefault("index.dsn", "")
	v.SetDefault("index.table", "documents")
	v.SetDefault("index.max_conns", 4)
	v.SetDefault("index.min_conns", 0)
	v.SetDefault("index.max_conn_lifetime", "30m")
	v.SetDefault("notify.backend", NotifyNone)
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "pages-indexed")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}
