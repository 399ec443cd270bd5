package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client IP
type RateLimiter struct {
	mu      sync.Mutex
	enabled bool
	limit   rate.Limit
	burst   int
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(enabled bool, requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		enabled: enabled,
		limit:   rate.Limit(requestsPerSecond),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow checks if a request from the given client IP is allowed
func (r *RateLimiter) Allow(clientIP string) bool {
	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		return true
	}
	client, ok := r.clients[clientIP]
	if !ok {
		client = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[clientIP] = client
	}
	client.lastSeen = time.Now()
	r.mu.Unlock()

	return client.limiter.Allow()
}

// Update applies new limits to every existing and future client
func (r *RateLimiter) Update(enabled bool, requestsPerSecond float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.enabled = enabled
	r.limit = rate.Limit(requestsPerSecond)
	r.burst = burst
	for _, client := range r.clients {
		client.limiter.SetLimit(r.limit)
		client.limiter.SetBurst(r.burst)
	}
}

// Clients returns the number of tracked client buckets
func (r *RateLimiter) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// CleanupIdle removes buckets not used since maxIdle ago
func (r *RateLimiter) CleanupIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for ip, client := range r.clients {
		if client.lastSeen.Before(cutoff) {
			delete(r.clients, ip)
			removed++
		}
	}
	return removed
}

// StartCleanup removes idle buckets every interval until ctx is done
func (r *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CleanupIdle(interval)
		}
	}
}
