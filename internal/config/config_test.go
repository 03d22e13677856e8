package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	path := writeConfig(t, `
crawler:
  seeds: ["https://a.test/", "https://b.test/"]
  max_sites: 50
  max_depth: 2
  worker_count: 6
  per_host_delay_ms: 250
  mode: Online
  fetch_timeout: 5s
  retry_base_delay: 100ms
  retry_max_delay: 2s
  scope:
    allow_hosts: ["*.test"]
    exclude: ["\\.pdf$"]
log:
  path: /var/lib/crawl/crawl.log
snapshots:
  backend: GCS
  gcs_bucket: pages
  prefix: raw
index:
  backend: postgres
  dsn: postgres://crawl@localhost/crawl
  table: docs
  max_conns: 8
notify:
  backend: pubsub
  project_id: proj
  topic: indexed
server:
  port: 9090
  request_timeout: 3s
logging:
  development: false
  level: warn
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.test/", "https://b.test/"}, cfg.Crawler.Seeds)
	assert.Equal(t, 50, cfg.Crawler.MaxSites)
	assert.Equal(t, 6, cfg.Crawler.WorkerCount)
	assert.Equal(t, 250*time.Millisecond, cfg.Crawler.PerHostDelay)
	assert.Equal(t, crawler.ModeOnline, cfg.Crawler.Mode)
	assert.Equal(t, 2*time.Second, cfg.Crawler.RetryMaxDelay)
	assert.Equal(t, []string{"*.test"}, cfg.Crawler.Scope.AllowHosts)
	require.NoError(t, cfg.Crawler.Validate())

	assert.Equal(t, "/var/lib/crawl/crawl.log", cfg.Log.Path)
	assert.Equal(t, SnapshotGCS, cfg.Snapshots.Backend)
	assert.Equal(t, "raw", cfg.Snapshots.Prefix)
	assert.Equal(t, IndexPostgres, cfg.Index.Backend)
	assert.Equal(t, int32(8), cfg.Index.MaxConns)
	assert.Equal(t, 30*time.Minute, cfg.Index.MaxConnLifetime)
	assert.Equal(t, NotifyPubSub, cfg.Notify.Backend)
	assert.Equal(t, "indexed", cfg.Notify.Topic)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.RequestTimeout)
	assert.False(t, cfg.Logging.Development)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, SnapshotLocal, cfg.Snapshots.Backend)
	assert.Equal(t, IndexBleve, cfg.Index.Backend)
	assert.Equal(t, NotifyNone, cfg.Notify.Backend)
	assert.Equal(t, 3, cfg.Crawler.RetryLimit)
	assert.Equal(t, crawler.ModeOffline, cfg.Crawler.Mode)
	assert.True(t, cfg.Crawler.RespectRobots)
	assert.Empty(t, cfg.Crawler.Seeds)
	assert.Error(t, cfg.Crawler.Validate(), "a crawl still needs seeds")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_SERVER_PORT", "7070")
	t.Setenv("CRAWLER_INDEX_BACKEND", "postgres")
	t.Setenv("CRAWLER_INDEX_DSN", "postgres://env")
	t.Setenv("CRAWLER_CRAWLER_MAX_DEPTH", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, IndexPostgres, cfg.Index.Backend)
	assert.Equal(t, "postgres://env", cfg.Index.DSN)
	assert.Equal(t, 9, cfg.Crawler.MaxDepth)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Log:       LogConfig{Path: "crawl.log"},
		Snapshots: SnapshotConfig{Backend: SnapshotMemory},
		Index:     IndexConfig{Backend: IndexBleve},
		Notify:    NotifyConfig{Backend: NotifyNone},
		Server:    ServerConfig{Port: 8080},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing log path", func(c *Config) { c.Log.Path = "" }, "log.path"},
		{"unknown snapshot backend", func(c *Config) { c.Snapshots.Backend = "s3" }, "snapshots.backend"},
		{"local without dir", func(c *Config) { c.Snapshots.Backend = SnapshotLocal }, "snapshots.dir"},
		{"gcs without bucket", func(c *Config) { c.Snapshots.Backend = SnapshotGCS }, "snapshots.gcs_bucket"},
		{"unknown index backend", func(c *Config) { c.Index.Backend = "solr" }, "index.backend"},
		{"postgres without dsn", func(c *Config) { c.Index.Backend = IndexPostgres }, "index.dsn"},
		{"unknown notify backend", func(c *Config) { c.Notify.Backend = "kafka" }, "notify.backend"},
		{"pubsub without project", func(c *Config) {
			c.Notify = NotifyConfig{Backend: NotifyPubSub, Topic: "t"}
		}, "notify.project_id"},
		{"pubsub without topic", func(c *Config) {
			c.Notify = NotifyConfig{Backend: NotifyPubSub, ProjectID: "p"}
		}, "notify.topic"},
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"negative timeout", func(c *Config) { c.Server.RequestTimeout = -time.Second }, "server.request_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
