package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultRateLimitMaxEntries      = 10000
	DefaultRateLimitCleanupInterval = 5 * time.Minute
	DefaultRateLimitIdleTimeout     = 30 * time.Minute
)

// RateLimitConfig configures a RateLimiter. Zero values take the defaults
// above.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int

	// MaxEntries caps the number of tracked identifiers. The least recently
	// seen identifier is evicted when the cap is reached.
	MaxEntries      int
	CleanupInterval time.Duration
	IdleTimeout     time.Duration
}

type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a per-identifier token bucket with LRU eviction.
type RateLimiter struct {
	cfg    RateLimitConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*list.Element
	lru      *list.List

	totalEvictions int64
	totalCleanups  int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter and starts its idle cleanup loop. Stop
// must be called to release the goroutine.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	rl := newRateLimiter(cfg, logger, time.Now)
	go rl.cleanupLoop()
	return rl
}

func newRateLimiter(cfg RateLimitConfig, logger *slog.Logger, now func() time.Time) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultRateLimitMaxEntries
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRateLimitCleanupInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultRateLimitIdleTimeout
	}

	return &RateLimiter{
		cfg:      cfg,
		logger:   logger,
		now:      now,
		limiters: make(map[string]*list.Element),
		lru:      list.New(),
		stop:     make(chan struct{}),
	}
}

// Allow reports whether one more request from identifier fits its bucket.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[identifier]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if len(rl.limiters) >= rl.cfg.MaxEntries {
		rl.evictOldest()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lru.PushFront(entry)

	return entry.limiter.AllowN(now, 1)
}

// RetryAfter is the advisory wait, in whole seconds, for a refused request.
func (rl *RateLimiter) RetryAfter() int {
	if rl.cfg.RequestsPerSecond <= 0 {
		return 60
	}
	seconds := int(1/rl.cfg.RequestsPerSecond + 0.999)
	return max(seconds, 1)
}

// must hold rl.mu
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lru.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"identifier", entry.identifier,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stop:
			return
		}
	}
}

// Cleanup drops identifiers idle for longer than the configured timeout.
func (rl *RateLimiter) Cleanup() {
	cutoff := rl.now().Add(-rl.cfg.IdleTimeout)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	// The list is ordered by recency, so walk from the back and stop at the
	// first entry that is still active.
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if !entry.lastAccess.Before(cutoff) {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Stats is a snapshot for monitoring.
type Stats struct {
	CurrentEntries int
	MaxEntries     int
	TotalEvictions int64
	TotalCleanups  int64
	MemoryPressure float64 // percentage of MaxEntries in use
}

// GetStats returns the current limiter statistics.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return Stats{
		CurrentEntries: len(rl.limiters),
		MaxEntries:     rl.cfg.MaxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
		MemoryPressure: float64(len(rl.limiters)) / float64(rl.cfg.MaxEntries) * 100.0,
	}
}
