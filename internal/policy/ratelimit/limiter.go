// Package ratelimit tracks per-host politeness state and decides whether a
// host may receive another fetch right now.
package ratelimit

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// Denial reasons reported to crawler.AdmissionDenials.
const (
	ReasonInFlight   = "in_flight"
	ReasonPoliteness = "politeness"
	ReasonGlobalRate = "global_rate"
)

// Config holds host admission configuration.
type Config struct {
	// Delay is the minimum spacing between two dispatches to one host.
	Delay time.Duration
	// MaxInFlight caps concurrent fetches per host.
	MaxInFlight int
	// GlobalRPS caps dispatches across all hosts; 0 disables the cap.
	GlobalRPS   float64
	GlobalBurst int
}

type hostState struct {
	lastDispatch time.Time
	inFlight     int
	delay        time.Duration

	// prevDispatch and reservation let Cancel undo the latest Admit.
	prevDispatch time.Time
	reservation  *rate.Reservation
}

// Limiter manages per-host admission. Admit and Release are safe for
// concurrent use; the frontier calls Admit under its own lock so that host
// selection and admission happen as one step.
type Limiter struct {
	mu          sync.Mutex
	hosts       map[string]*hostState
	delay       time.Duration
	maxInFlight int
	global      *rate.Limiter
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	l := &Limiter{
		hosts:       make(map[string]*hostState),
		delay:       cfg.Delay,
		maxInFlight: maxInFlight,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = 1
		}
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	return l
}

// Admit reserves a fetch slot for host at now. When the host is refused the
// returned time is the earliest instant a retry can succeed; it is zero when
// the host is waiting for an in-flight fetch to release its slot.
func (l *Limiter) Admit(host string, now time.Time) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hs := l.stateLocked(host)
	if hs.inFlight >= l.maxInFlight {
		crawler.AdmissionDenials.WithLabelValues(ReasonInFlight).Inc()
		return false, time.Time{}
	}
	if !hs.lastDispatch.IsZero() {
		if next := hs.lastDispatch.Add(hs.delay); now.Before(next) {
			crawler.AdmissionDenials.WithLabelValues(ReasonPoliteness).Inc()
			return false, next
		}
	}
	var reservation *rate.Reservation
	if l.global != nil {
		reservation = l.global.ReserveN(now, 1)
		if wait := reservation.DelayFrom(now); wait > 0 {
			reservation.CancelAt(now)
			crawler.AdmissionDenials.WithLabelValues(ReasonGlobalRate).Inc()
			return false, now.Add(wait)
		}
	}
	hs.inFlight++
	hs.prevDispatch = hs.lastDispatch
	hs.lastDispatch = now
	hs.reservation = reservation
	return true, time.Time{}
}

// Cancel undoes an Admit granted at now whose fetch never happened: the slot
// is freed and the host's last dispatch time is restored. A dispatch stamped
// after now is left alone.
func (l *Limiter) Cancel(host string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hs, ok := l.hosts[host]
	if !ok {
		return
	}
	if hs.inFlight > 0 {
		hs.inFlight--
	}
	if hs.lastDispatch.Equal(now) {
		hs.lastDispatch = hs.prevDispatch
		if hs.reservation != nil {
			hs.reservation.CancelAt(now)
		}
	}
	hs.reservation = nil
}

// Reserve books the next dispatch slot of host without taking an in-flight
// slot, for a worker that already holds one and must make a second request,
// such as the page fetch after a robots.txt load. It returns the instant the
// request may start.
func (l *Limiter) Reserve(host string, now time.Time) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	hs := l.stateLocked(host)
	at := now
	if !hs.lastDispatch.IsZero() {
		if next := hs.lastDispatch.Add(hs.delay); next.After(at) {
			at = next
		}
	}
	hs.prevDispatch = hs.lastDispatch
	hs.lastDispatch = at
	hs.reservation = nil
	return at
}

// Release frees the slot taken by a successful Admit.
func (l *Limiter) Release(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hs, ok := l.hosts[host]; ok && hs.inFlight > 0 {
		hs.inFlight--
	}
}

// RaiseDelay increases the politeness delay of one host, typically to a
// robots.txt Crawl-delay. It never lowers the configured delay.
func (l *Limiter) RaiseDelay(host string, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hs := l.stateLocked(host)
	if delay > hs.delay {
		hs.delay = delay
	}
}

// State returns the bookkeeping for one host.
func (l *Limiter) State(host string) (crawler.HostState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hs, ok := l.hosts[host]
	if !ok {
		return crawler.HostState{}, false
	}
	return toHostState(host, hs), true
}

// Snapshot returns every known host ordered by name.
func (l *Limiter) Snapshot() []crawler.HostState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]crawler.HostState, 0, len(l.hosts))
	for host, hs := range l.hosts {
		out = append(out, toHostState(host, hs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (l *Limiter) stateLocked(host string) *hostState {
	hs, ok := l.hosts[host]
	if !ok {
		hs = &hostState{delay: l.delay}
		l.hosts[host] = hs
	}
	return hs
}

func toHostState(host string, hs *hostState) crawler.HostState {
	return crawler.HostState{
		Host:         host,
		LastDispatch: hs.lastDispatch,
		InFlight:     hs.inFlight,
		Delay:        hs.delay,
	}
}
