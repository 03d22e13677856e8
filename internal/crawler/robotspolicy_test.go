package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRobotsEnforcer(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	allowAll := NewRobotsEnforcer(false, "test-agent", nil, logger)
	if !allowAll.Check(ctx, "https://example.com/whatever").Allowed {
		t.Fatal("allow-all policy should permit URLs")
	}

	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			fmt.Fprintln(w, "User-agent: *\nCrawl-delay: 2\nDisallow: /blocked")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	enforcer := NewRobotsEnforcer(true, "test-agent", srv.Client(), logger)
	verdict := enforcer.Check(ctx, srv.URL+"/allowed")
	if !verdict.Allowed {
		t.Fatal("expected allowed path to pass robots")
	}
	if verdict.CrawlDelay != 2*time.Second {
		t.Fatalf("crawl delay = %v, want 2s", verdict.CrawlDelay)
	}
	if enforcer.Check(ctx, srv.URL+"/blocked").Allowed {
		t.Fatal("expected blocked path to be denied")
	}
	if got := robotsHits.Load(); got != 1 {
		t.Fatalf("robots.txt fetched %d times, want 1", got)
	}
}

func TestRobotsEnforcerAllowsOnFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	enforcer := NewRobotsEnforcer(true, "test-agent", nil, zap.NewNop())
	if !enforcer.Check(context.Background(), url+"/page").Allowed {
		t.Fatal("unreachable robots.txt should allow access")
	}
}

func TestRobotsEnforcerCachesFailuresBriefly(t *testing.T) {
	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("response writer cannot hijack")
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
			}
		}
	}))
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	policy := NewRobotsEnforcer(true, "test-agent", srv.Client(), zap.NewNop())
	enforcer, ok := policy.(*RobotsEnforcer)
	if !ok {
		t.Fatalf("policy is %T", policy)
	}
	enforcer.now = func() time.Time { return now }

	first := enforcer.Check(context.Background(), srv.URL+"/a")
	if !first.Allowed || !first.Fetched {
		t.Fatalf("first check = %+v, want allowed and fetched", first)
	}
	second := enforcer.Check(context.Background(), srv.URL+"/b")
	if !second.Allowed || second.Fetched {
		t.Fatalf("second check = %+v, want allowed from cache", second)
	}
	if got := robotsHits.Load(); got != 1 {
		t.Fatalf("robots.txt fetched %d times, want 1", got)
	}

	now = now.Add(robotsFailureTTL)
	if !enforcer.Check(context.Background(), srv.URL+"/c").Fetched {
		t.Fatal("expired failure should be fetched again")
	}
	if got := robotsHits.Load(); got != 2 {
		t.Fatalf("robots.txt fetched %d times, want 2", got)
	}
}

func TestRobotsEnforcerConcurrentMissFetchesOnce(t *testing.T) {
	var robotsHits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			<-release
			fmt.Fprintln(w, "User-agent: *\nDisallow: /private")
		}
	}))
	defer srv.Close()

	enforcer := NewRobotsEnforcer(true, "test-agent", srv.Client(), zap.NewNop())
	const callers = 4
	verdicts := make(chan RobotsVerdict, callers)
	for i := 0; i < callers; i++ {
		go func() { verdicts <- enforcer.Check(context.Background(), srv.URL+"/page") }()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	fetched := 0
	for i := 0; i < callers; i++ {
		v := <-verdicts
		if !v.Allowed {
			t.Fatalf("verdict %+v, want allowed", v)
		}
		if v.Fetched {
			fetched++
		}
	}
	if fetched != 1 {
		t.Fatalf("%d callers reported a fetch, want 1", fetched)
	}
	if got := robotsHits.Load(); got != 1 {
		t.Fatalf("robots.txt fetched %d times, want 1", got)
	}
}
