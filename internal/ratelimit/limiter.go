package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/config"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Blocked    bool // administratively blocked key
}

// Limiter applies the bucket family to each validated request. One lock
// guards only the bucket maps; each bucket synchronizes itself.
type Limiter struct {
	global *Bucket
	cfg    config.RateLimitConfig
	logger *zap.Logger

	mu       sync.Mutex
	perConn  map[string]*Bucket
	perKey   map[string]*Bucket
	windows  map[string]*SlidingWindow
	blocked  map[string]bool
}

// NewLimiter creates the limiter family from configuration.
func NewLimiter(cfg config.RateLimitConfig, logger *zap.Logger) *Limiter {
	return &Limiter{
		global:  NewBucket(cfg.GlobalPerMinute, cfg.GlobalBurst),
		cfg:     cfg,
		logger:  logger,
		perConn: make(map[string]*Bucket),
		perKey:  make(map[string]*Bucket),
		windows: make(map[string]*SlidingWindow),
		blocked: make(map[string]bool),
	}
}

// Admit checks every applicable bucket for one request. connID is ""
// for stdio callers; keyID is "" for unauthenticated methods. keyPerMinute
// sizes the per-key bucket on first sight (the key's own rate limit).
func (l *Limiter) Admit(connID, keyID string, keyPerMinute uint32) Decision {
	now := time.Now()

	if keyID != "" {
		l.mu.Lock()
		blocked := l.blocked[keyID]
		l.mu.Unlock()
		if blocked {
			return Decision{Allowed: false, Blocked: true, RetryAfter: 0}
		}
	}

	buckets := []*Bucket{l.global}
	if connID != "" {
		buckets = append(buckets, l.connBucket(connID))
	}
	if keyID != "" {
		buckets = append(buckets, l.keyBucket(keyID, keyPerMinute))
	}

	// Reserve one token from every bucket in a single pass. Any bucket
	// that cannot serve immediately refunds all reservations, so a
	// rejected request consumes nothing and two racing requests cannot
	// both pass an availability check for the same last token.
	var worst time.Duration
	cancels := make([]func(), 0, len(buckets))
	for _, b := range buckets {
		delay, cancel := b.Take(now)
		cancels = append(cancels, cancel)
		if delay > worst {
			worst = delay
		}
	}
	if worst > 0 {
		for _, cancel := range cancels {
			cancel()
		}
		return Decision{Allowed: false, RetryAfter: worst}
	}

	if keyID != "" {
		l.window(keyID).Record(now)
	}
	return Decision{Allowed: true}
}

// Block administratively rejects a key regardless of tokens.
func (l *Limiter) Block(keyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[keyID] = true
}

// Unblock lifts an administrative block.
func (l *Limiter) Unblock(keyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocked, keyID)
}

// RequestsLastMinute returns the sliding-window count for a key.
func (l *Limiter) RequestsLastMinute(keyID string) int {
	return l.window(keyID).Count(time.Now())
}

// ReleaseConnection drops the per-connection bucket when a socket closes.
func (l *Limiter) ReleaseConnection(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.perConn, connID)
}

func (l *Limiter) connBucket(connID string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.perConn[connID]
	if !ok {
		b = NewBucket(l.cfg.ConnectionPerMinute, l.cfg.ConnectionBurst)
		l.perConn[connID] = b
	}
	return b
}

func (l *Limiter) keyBucket(keyID string, perMinute uint32) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.perKey[keyID]
	if !ok {
		burst := int(perMinute)
		if burst < 1 {
			burst = 1
		}
		b = NewBucket(float64(perMinute), burst)
		l.perKey[keyID] = b
	}
	return b
}

func (l *Limiter) window(keyID string) *SlidingWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[keyID]
	if !ok {
		w = NewSlidingWindow(time.Minute)
		l.windows[keyID] = w
	}
	return w
}
