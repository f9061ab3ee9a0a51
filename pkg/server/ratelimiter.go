package server

import (
	"sync"
	"time"
)

// RateLimiter is a per-client sliding-window limiter.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter allows limit requests per client within window. A
// non-positive limit disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
		stop:   make(chan struct{}),
	}
	go rl.sweepLoop(5 * window)
	return rl
}

// Allow records a request from client and reports whether it is within
// the limit.
func (rl *RateLimiter) Allow(client string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := rl.recent(client, now)
	if len(recent) >= rl.limit {
		rl.hits[client] = recent
		return false
	}
	rl.hits[client] = append(recent, now)
	return true
}

// RetryAfter returns the seconds until client may send again, rounded up.
func (rl *RateLimiter) RetryAfter(client string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	recent := rl.recent(client, rl.now())
	if len(recent) == 0 {
		return 0
	}
	wait := rl.window - rl.now().Sub(recent[0])
	if wait <= 0 {
		return 0
	}
	return int((wait + time.Second - 1) / time.Second)
}

// recent returns client's hits inside the window ending at now.
// Callers hold mu.
func (rl *RateLimiter) recent(client string, now time.Time) []time.Time {
	hits := rl.hits[client]
	i := 0
	for i < len(hits) && now.Sub(hits[i]) >= rl.window {
		i++
	}
	return hits[i:]
}

func (rl *RateLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for client := range rl.hits {
		if recent := rl.recent(client, now); len(recent) == 0 {
			delete(rl.hits, client)
		} else {
			rl.hits[client] = recent
		}
	}
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
