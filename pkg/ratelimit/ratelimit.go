// Package ratelimit gates RPC dispatch with token buckets keyed globally or
// per method.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Mode string

const (
	ModeGlobal Mode = "global"
	ModeMethod Mode = "method"

	GlobalKey = "global"
)

type Config struct {
	Enabled  bool
	Capacity int
	Refill   time.Duration
	Mode     Mode
}

// Decision is the outcome of one Allow call. Remaining is -1 when limiting is
// disabled.
type Decision struct {
	Allowed   bool
	Key       string
	Remaining float64
}

type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(cfg Config, opts ...Option) *Limiter {
	if cfg.Capacity < 1 {
		cfg.Capacity = 30
	}
	if cfg.Refill <= 0 {
		cfg.Refill = time.Minute
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeMethod
	}
	l := &Limiter{cfg: cfg, now: time.Now, buckets: make(map[string]*rate.Limiter)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Enabled() bool { return l != nil && l.cfg.Enabled }

// Allow takes one token for method. Each bucket holds Capacity tokens and
// regains Capacity tokens per Refill interval.
func (l *Limiter) Allow(method string) Decision {
	if !l.Enabled() {
		return Decision{Allowed: true, Key: method, Remaining: -1}
	}
	key := GlobalKey
	if l.cfg.Mode == ModeMethod {
		key = method
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Every(l.cfg.Refill/time.Duration(l.cfg.Capacity)), l.cfg.Capacity)
		l.buckets[key] = b
	}
	allowed := b.AllowN(now, 1)
	return Decision{Allowed: allowed, Key: key, Remaining: math.Floor(b.TokensAt(now))}
}

// Snapshot reports the whole tokens left per key; nil when disabled.
func (l *Limiter) Snapshot() map[string]float64 {
	if !l.Enabled() {
		return nil
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.buckets))
	for k, b := range l.buckets {
		out[k] = math.Floor(b.TokensAt(now))
	}
	return out
}
