package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-engine/internal/config"
	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/wal"
)

type fakeApp struct {
	crawled bool
	serve   bool
	served  bool
	closed  bool
	cfg     *config.Config
}

func (f *fakeApp) RunCrawl(_ context.Context, serve bool) error {
	f.crawled, f.serve = true, serve
	return nil
}

func (f *fakeApp) Serve(context.Context) error {
	f.served = true
	return nil
}

func (f *fakeApp) Close() error {
	f.closed = true
	return nil
}

// installFakeApp swaps the app factory; tests using it must not run in
// parallel.
func installFakeApp(t *testing.T) *fakeApp {
	t.Helper()
	fake := &fakeApp{}
	orig := newApp
	newApp = func(_ context.Context, cfg *config.Config) (App, error) {
		fake.cfg = cfg
		return fake, nil
	}
	t.Cleanup(func() { newApp = orig })
	return fake
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := "crawler:\n  seeds: [\"http://a.test/\"]\nlog:\n  path: " + filepath.Join(dir, "crawl.log") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlCommandAppliesFlags(t *testing.T) {
	fake := installFakeApp(t)
	cfgPath := writeConfig(t, t.TempDir())

	_, err := run(t, "crawl", "--config", cfgPath, "--serve", "--seed", "http://b.test/", "--mode", "ONLINE")
	require.NoError(t, err)
	assert.True(t, fake.crawled)
	assert.True(t, fake.serve)
	assert.True(t, fake.closed)
	assert.Equal(t, []string{"http://b.test/"}, fake.cfg.Crawler.Seeds)
	assert.Equal(t, crawler.ModeOnline, fake.cfg.Crawler.Mode)
}

func TestCrawlCommandRejectsBadMode(t *testing.T) {
	fake := installFakeApp(t)
	cfgPath := writeConfig(t, t.TempDir())

	_, err := run(t, "crawl", "--config", cfgPath, "--mode", "batch")
	require.ErrorContains(t, err, "crawler.mode")
	assert.False(t, fake.crawled)
}

func TestServeCommand(t *testing.T) {
	fake := installFakeApp(t)
	cfgPath := writeConfig(t, t.TempDir())

	_, err := run(t, "serve", "--config", cfgPath)
	require.NoError(t, err)
	assert.True(t, fake.served)
	assert.True(t, fake.closed)
}

func TestStatusCommandPrintsStates(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	log, err := wal.Open(filepath.Join(dir, "crawl.log"), wal.Options{}, nil)
	require.NoError(t, err)
	_, err = log.Append(context.Background(), crawler.DiscoveredRecord(1, "http://a.test/", 0, 0))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	out, err := run(t, "status", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "http://a.test/")
	assert.Contains(t, out, "discovered")
	assert.Contains(t, out, "records=1")
}

func TestMissingConfigFileFails(t *testing.T) {
	_, err := run(t, "status", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorContains(t, err, "load config")
}
