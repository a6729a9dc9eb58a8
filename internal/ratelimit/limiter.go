// Package ratelimit implements the Rate Limiter (C5): an exact sliding
// window over the most recent N accepted events per (identifier,
// endpoint-class) key. This is deliberately not golang.org/x/time/rate —
// that package models continuous token refill, which can't express "at
// most N of the most recent events in the last 60s" exactly at the
// boundary (spec §8 "rate limit at exactly N succeeds, N+1 fails").
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/audit"
)

// Class names an endpoint-class cap. The two the spec names explicitly
// are the general API cap and the tighter medical-endpoint cap; callers
// may register others through Config.
type Class string

const (
	ClassAPI     Class = "api"
	ClassMedical Class = "medical"
)

// Result is what Check returns.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Config configures one Limiter.
type Config struct {
	Window     time.Duration // default 60s
	Caps       map[Class]int
	Sink       *audit.Sink
	Registerer prometheus.Registerer
}

// Limiter tracks sliding windows keyed by (identifier, class).
type Limiter struct {
	window time.Duration
	caps   map[Class]int
	sink   *audit.Sink

	mu      sync.Mutex
	windows map[string]*slidingWindow

	rejectedCounter *prometheus.CounterVec
}

type slidingWindow struct {
	mu    sync.Mutex
	times []time.Time
}

// New builds a Limiter. Window defaults to 60 seconds.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Caps == nil {
		cfg.Caps = map[Class]int{ClassAPI: 120, ClassMedical: 30}
	}
	l := &Limiter{
		window:  cfg.Window,
		caps:    cfg.Caps,
		sink:    cfg.Sink,
		windows: make(map[string]*slidingWindow),
	}
	if cfg.Registerer != nil {
		l.rejectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter, by endpoint class.",
		}, []string{"class"})
		_ = cfg.Registerer.Register(l.rejectedCounter)
	}
	return l
}

// Identifier is the rate-limit key's subject: the session id when
// present, otherwise the hashed peer address. Never a raw IP, per spec
// §4.5.
type Identifier string

// Check evaluates and, if allowed, records the event in the same step —
// an accepted call always counts against its own window.
func (l *Limiter) Check(id Identifier, class Class) Result {
	return l.checkAt(id, class, time.Now())
}

func (l *Limiter) checkAt(id Identifier, class Class, now time.Time) Result {
	limit := l.caps[class]
	if limit <= 0 {
		limit = l.caps[ClassAPI]
	}

	key := string(class) + ":" + string(id)
	l.mu.Lock()
	w, ok := l.windows[key]
	if !ok {
		w = &slidingWindow{}
		l.windows[key] = w
	}
	l.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept

	resetAt := now.Add(l.window)
	if len(w.times) > 0 {
		resetAt = w.times[0].Add(l.window)
	}

	if len(w.times) >= limit {
		if l.rejectedCounter != nil {
			l.rejectedCounter.WithLabelValues(string(class)).Inc()
		}
		l.emitRateLimitEvent(id, class)
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}

	w.times = append(w.times, now)
	remaining := limit - len(w.times)
	return Result{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

func (l *Limiter) emitRateLimitEvent(id Identifier, class Class) {
	if l.sink == nil {
		return
	}
	l.sink.Emit(audit.Record{
		Kind:     audit.KindSecurityEvent,
		Severity: audit.SeveritySecurity,
		Action:   "rate-limit",
		Outcome:  "rejected",
		Fields: map[string]any{
			"class":      string(class),
			"identifier": string(id),
		},
	})
}
