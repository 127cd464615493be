// Package ratelimit throttles passive heartbeat traffic per client address.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

var (
	ErrInvalidLimit  = errors.New("ratelimit: request limit must not be negative")
	ErrInvalidWindow = errors.New("ratelimit: window must be positive")
)

// Config describes a fixed-window limiter. Counter defaults to an in-process
// httprate counter; any httprate.LimitCounter (for example a shared one) may be
// supplied instead. Only the current window's count is consulted.
type Config struct {
	Requests int
	Window   time.Duration
	Clock    func() time.Time
	Counter  httprate.LimitCounter
	Logger   *zap.Logger
}

// Limiter allows at most Requests calls per key within each Window.
// A limit of zero rejects every call.
type Limiter struct {
	mu       sync.Mutex
	requests int
	window   time.Duration
	clock    func() time.Time
	counter  httprate.LimitCounter
	logger   *zap.Logger
}

// New validates the configuration and constructs a Limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.Requests < 0 {
		return nil, ErrInvalidLimit
	}
	if cfg.Window <= 0 {
		return nil, ErrInvalidWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	counter := cfg.Counter
	if counter == nil {
		counter = httprate.NewLocalLimitCounter(cfg.Window)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	counter.Config(cfg.Requests, cfg.Window)
	return &Limiter{
		requests: cfg.Requests,
		window:   cfg.Window,
		clock:    clock,
		counter:  counter,
		logger:   logger,
	}, nil
}

// Allow records one call for key and reports whether it fits in the current window.
// Counter failures let the call through; throttling is approximate.
func (l *Limiter) Allow(key string) bool {
	if l.requests == 0 {
		return false
	}

	currentWindow := l.clock().UTC().Truncate(l.window)
	previousWindow := currentWindow.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	current, _, err := l.counter.Get(key, currentWindow, previousWindow)
	if err != nil {
		l.logger.Warn("rate limit counter read failed", zap.String("key", key), zap.Error(err))
		return true
	}
	if current >= l.requests {
		return false
	}
	if err := l.counter.IncrementBy(key, currentWindow, 1); err != nil {
		l.logger.Warn("rate limit counter increment failed", zap.String("key", key), zap.Error(err))
	}
	return true
}

// Limit returns the configured request limit.
func (l *Limiter) Limit() int {
	return l.requests
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}
