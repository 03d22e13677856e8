package crawler

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects how a run terminates.
type Mode string

// Run modes. Offline runs stop when the frontier drains; online runs keep
// serving until a stop signal arrives.
const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// Config captures every configuration knob that influences a crawl run.
// All values originate from Viper so the crawler can be configured via files,
// env vars, or CLI flags.
type Config struct {
	Seeds              []string
	MaxSites           int
	MaxDepth           int
	WorkerCount        int
	PerHostDelay       time.Duration
	PerHostMaxInFlight int
	RetryLimit         int
	Scope              ScopeConfig
	Mode               Mode
	FetchTimeout       time.Duration
	ShutdownGrace      time.Duration
	UserAgent          string
	RespectRobots      bool
	MaxPageBytes       int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	FairnessWindow     int
	FairnessShare      float64
	GlobalRPS          float64
}

// LoadConfig constructs a Config by reading the crawler section from Viper
// and validates it.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := ReadConfig(v)
	return cfg, cfg.Validate()
}

// ReadConfig reads the crawler section from Viper without validating it.
// Commands that only inspect an existing crawl do not need seeds.
func ReadConfig(v *viper.Viper) Config {
	return Config{
		Seeds:              v.GetStringSlice("crawler.seeds"),
		MaxSites:           v.GetInt("crawler.max_sites"),
		MaxDepth:           v.GetInt("crawler.max_depth"),
		WorkerCount:        v.GetInt("crawler.worker_count"),
		PerHostDelay:       time.Duration(v.GetInt("crawler.per_host_delay_ms")) * time.Millisecond,
		PerHostMaxInFlight: v.GetInt("crawler.per_host_max_in_flight"),
		RetryLimit:         v.GetInt("crawler.retry_limit"),
		Scope: ScopeConfig{
			AllowHosts: v.GetStringSlice("crawler.scope.allow_hosts"),
			Exclude:    v.GetStringSlice("crawler.scope.exclude"),
		},
		Mode:           Mode(strings.ToLower(strings.TrimSpace(v.GetString("crawler.mode")))),
		FetchTimeout:   v.GetDuration("crawler.fetch_timeout"),
		ShutdownGrace:  v.GetDuration("crawler.shutdown_grace"),
		UserAgent:      v.GetString("crawler.user_agent"),
		RespectRobots:  v.GetBool("crawler.respect_robots"),
		MaxPageBytes:   v.GetInt("crawler.max_page_bytes"),
		RetryBaseDelay: v.GetDuration("crawler.retry_base_delay"),
		RetryMaxDelay:  v.GetDuration("crawler.retry_max_delay"),
		FairnessWindow: v.GetInt("crawler.fairness_window"),
		FairnessShare:  v.GetFloat64("crawler.fairness_share"),
		GlobalRPS:      v.GetFloat64("crawler.global_rps"),
	}
}

// Validate checks for obviously bad configuration combinations.
func (c Config) Validate() error {
	if len(c.Seeds) == 0 {
		return fmt.Errorf("crawler.seeds must include at least one seed URL")
	}
	for _, seed := range c.Seeds {
		if _, err := NormalizeURL(seed); err != nil {
			return fmt.Errorf("crawler.seeds: %w", err)
		}
	}
	if c.MaxSites < 0 {
		return fmt.Errorf("crawler.max_sites must be >= 0")
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("crawler.worker_count must be > 0")
	}
	if c.PerHostDelay < 0 {
		return fmt.Errorf("crawler.per_host_delay_ms must be >= 0")
	}
	if c.PerHostMaxInFlight <= 0 {
		return fmt.Errorf("crawler.per_host_max_in_flight must be > 0")
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("crawler.retry_limit must be >= 0")
	}
	if c.Mode != ModeOnline && c.Mode != ModeOffline {
		return fmt.Errorf("crawler.mode must be %q or %q", ModeOnline, ModeOffline)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("crawler.fetch_timeout must be > 0")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("crawler.shutdown_grace must be >= 0")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.MaxPageBytes <= 0 {
		return fmt.Errorf("crawler.max_page_bytes must be > 0")
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 {
		return fmt.Errorf("crawler.retry_base_delay and crawler.retry_max_delay must be >= 0")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("crawler.retry_max_delay must be >= crawler.retry_base_delay")
	}
	if c.FairnessWindow < 0 {
		return fmt.Errorf("crawler.fairness_window must be >= 0")
	}
	if c.FairnessShare < 0 || c.FairnessShare > 1 {
		return fmt.Errorf("crawler.fairness_share must be within [0, 1]")
	}
	if c.GlobalRPS < 0 {
		return fmt.Errorf("crawler.global_rps must be >= 0")
	}
	if _, err := NewScope(c.Scope); err != nil {
		return fmt.Errorf("crawler.scope: %w", err)
	}
	return nil
}
