package security

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg RateLimitConfig) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newRateLimiter(cfg, nil, clock.Now), clock
}

func TestNewRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 10, Burst: 20}, nil)
	defer rl.Stop()

	if rl.cfg.MaxEntries != DefaultRateLimitMaxEntries {
		t.Errorf("MaxEntries = %d", rl.cfg.MaxEntries)
	}
	if rl.cfg.IdleTimeout != DefaultRateLimitIdleTimeout {
		t.Errorf("IdleTimeout = %v", rl.cfg.IdleTimeout)
	}
	if rl.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, _ := newTestLimiter(RateLimitConfig{RequestsPerSecond: 10, Burst: 5})

	for i := 0; i < 5; i++ {
		if !rl.Allow("client-a") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("client-a") {
		t.Error("request beyond burst should be refused")
	}
	if !rl.Allow("client-b") {
		t.Error("a different identifier has its own bucket")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl, clock := newTestLimiter(RateLimitConfig{RequestsPerSecond: 2, Burst: 2})

	rl.Allow("client-a")
	rl.Allow("client-a")
	if rl.Allow("client-a") {
		t.Fatal("bucket should be empty")
	}

	clock.Advance(500 * time.Millisecond)
	if !rl.Allow("client-a") {
		t.Error("one token should have been refilled")
	}
}

func TestRateLimiter_Eviction(t *testing.T) {
	rl, _ := newTestLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxEntries: 2})

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("a") // b is now the least recently used
	rl.Allow("c")

	stats := rl.GetStats()
	if stats.CurrentEntries != 2 || stats.TotalEvictions != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, ok := rl.limiters["b"]; ok {
		t.Error("b should have been evicted")
	}
	if stats.MemoryPressure != 100 {
		t.Errorf("MemoryPressure = %v", stats.MemoryPressure)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl, clock := newTestLimiter(RateLimitConfig{RequestsPerSecond: 10, Burst: 10, IdleTimeout: time.Minute})

	rl.Allow("idle-1")
	rl.Allow("idle-2")
	clock.Advance(2 * time.Minute)
	rl.Allow("active")

	rl.Cleanup()

	stats := rl.GetStats()
	if stats.CurrentEntries != 1 || stats.TotalCleanups != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, ok := rl.limiters["active"]; !ok {
		t.Error("active identifier should survive cleanup")
	}
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	tests := []struct {
		rps  float64
		want int
	}{
		{rps: 10, want: 1},
		{rps: 1, want: 1},
		{rps: 0.2, want: 5},
		{rps: 0, want: 60},
	}
	for _, tt := range tests {
		rl, _ := newTestLimiter(RateLimitConfig{RequestsPerSecond: tt.rps, Burst: 1})
		if got := rl.RetryAfter(); got != tt.want {
			t.Errorf("RetryAfter() at %v rps = %d, want %d", tt.rps, got, tt.want)
		}
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 100, Burst: 100}, nil)
	defer rl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rl.Allow(fmt.Sprintf("client-%d", id))
			}
		}(i)
	}
	wg.Wait()

	if got := rl.GetStats().CurrentEntries; got != 10 {
		t.Errorf("CurrentEntries = %d, want 10", got)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}, nil)
	rl.Stop()
	rl.Stop()
}
