package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// robotsFailureTTL bounds how long a failed robots.txt load is remembered.
const robotsFailureTTL = time.Minute

// RobotsEnforcer enforces robots.txt directives per host.
type RobotsEnforcer struct {
	client    *http.Client
	cache     sync.Map
	loads     singleflight.Group
	userAgent string
	logger    *zap.Logger
	now       func() time.Time
}

type robotsEntry struct {
	data    *robotstxt.RobotsData
	err     error
	expires time.Time
}

// NewRobotsEnforcer builds a RobotsPolicy respecting the config toggle.
func NewRobotsEnforcer(respect bool, userAgent string, client *http.Client, logger *zap.Logger) RobotsPolicy {
	if !respect {
		return allowAllPolicy{}
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsEnforcer{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		now:       time.Now,
	}
}

// Check implements RobotsPolicy. A robots.txt that cannot be fetched allows
// access.
func (r *RobotsEnforcer) Check(ctx context.Context, rawURL string) RobotsVerdict {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return RobotsVerdict{Allowed: false}
	}
	data, fetched, err := r.load(ctx, parsed)
	if err != nil {
		if fetched {
			r.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		}
		return RobotsVerdict{Allowed: true, Fetched: fetched}
	}
	group := data.FindGroup(r.userAgent)
	if group == nil {
		return RobotsVerdict{Allowed: true, Fetched: fetched}
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return RobotsVerdict{Allowed: group.Test(target), CrawlDelay: group.CrawlDelay, Fetched: fetched}
}

// load returns the cached rules for the host of parsed, requesting
// robots.txt at most once per host at a time. fetched is true only for the
// caller whose request went over the network. Failures are cached for
// robotsFailureTTL.
func (r *RobotsEnforcer) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, bool, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if entry, ok := r.cached(hostKey); ok {
		return entry.data, false, entry.err
	}

	fetched := false
	v, _, _ := r.loads.Do(hostKey, func() (any, error) {
		if entry, ok := r.cached(hostKey); ok {
			return entry, nil
		}
		fetched = true
		data, err := r.fetch(ctx, parsed)
		entry := robotsEntry{data: data, err: err}
		if err != nil {
			entry.expires = r.now().Add(robotsFailureTTL)
		}
		r.cache.Store(hostKey, entry)
		return entry, nil
	})
	entry, ok := v.(robotsEntry)
	if !ok {
		return nil, fetched, fmt.Errorf("robots cache type mismatch: %T", v)
	}
	return entry.data, fetched, entry.err
}

func (r *RobotsEnforcer) cached(hostKey string) (robotsEntry, bool) {
	v, ok := r.cache.Load(hostKey)
	if !ok {
		return robotsEntry{}, false
	}
	entry, ok := v.(robotsEntry)
	if !ok {
		return robotsEntry{}, false
	}
	if !entry.expires.IsZero() && !r.now().Before(entry.expires) {
		r.cache.Delete(hostKey)
		return robotsEntry{}, false
	}
	return entry, true
}

func (r *RobotsEnforcer) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

type allowAllPolicy struct{}

func (allowAllPolicy) Check(context.Context, string) RobotsVerdict {
	return RobotsVerdict{Allowed: true}
}
