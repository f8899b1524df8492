// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PayRelay Contributors

package relay

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Default rate limiting values.
const (
	// DefaultBurstCapacity is the maximum number of frames a connection can
	// send in a burst before rate limiting kicks in.
	DefaultBurstCapacity = 20

	// DefaultSustainedRate is the number of frames per second allowed as
	// sustained rate (token refill rate).
	DefaultSustainedRate = 10.0

	// MinBurstCapacity ensures burst capacity is at least 1.
	MinBurstCapacity = 1

	// MinSustainedRate ensures sustained rate is at least 0.1 tokens/second.
	MinSustainedRate = 0.1

	// DefaultCleanupInterval is the interval at which the background
	// goroutine runs to clean up buckets of departed connections.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultBucketMaxAge is how long an idle bucket survives before the
	// cleanup removes it.
	DefaultBucketMaxAge = time.Hour
)

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// BurstCapacity is the maximum number of frames allowed in a burst.
	// Defaults to DefaultBurstCapacity (20) if zero or negative.
	BurstCapacity int

	// SustainedRate is the number of frames per second allowed as sustained
	// rate. Defaults to DefaultSustainedRate (10.0) if zero or negative.
	SustainedRate float64

	// CleanupInterval is the interval at which background cleanup runs.
	// Defaults to DefaultCleanupInterval (5 minutes) if zero.
	CleanupInterval time.Duration

	// BucketMaxAge is the maximum idle age for a bucket before cleanup
	// removes it. Defaults to DefaultBucketMaxAge (1 hour) if zero.
	BucketMaxAge time.Duration
}

// connBucket tracks rate limiting state for a single connection using the
// token bucket algorithm.
type connBucket struct {
	tokens    float64
	lastCheck time.Time
}

// RateLimiter implements per-connection inbound frame rate limiting using a
// token bucket algorithm. It is safe for concurrent use.
//
// The RateLimiter runs a background goroutine to periodically drop buckets
// of connections that have gone away. Call Close() to stop the goroutine.
type RateLimiter struct {
	mu            sync.Mutex
	buckets       map[string]*connBucket
	burstCapacity int
	sustainedRate float64 // tokens per second
	bucketMaxAge  time.Duration

	// Background cleanup
	stopChan chan struct{}
	wg       sync.WaitGroup

	// Metrics gauge for tracked connection count (nil if no registry provided)
	connGauge prometheus.Gauge
}

// NewRateLimiter creates a new rate limiter with the given configuration.
// It starts a background goroutine for cleanup. Call Close() to stop it.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	return newRateLimiter(cfg, nil)
}

// NewRateLimiterWithRegistry creates a new rate limiter and registers a
// tracked-connection gauge with the provided Prometheus registry.
// It starts a background goroutine for cleanup. Call Close() to stop it.
func NewRateLimiterWithRegistry(cfg RateLimiterConfig, reg prometheus.Registerer) *RateLimiter {
	return newRateLimiter(cfg, reg)
}

func newRateLimiter(cfg RateLimiterConfig, reg prometheus.Registerer) *RateLimiter {
	burstCapacity := cfg.BurstCapacity
	if burstCapacity <= 0 {
		burstCapacity = DefaultBurstCapacity
	}
	if burstCapacity < MinBurstCapacity {
		burstCapacity = MinBurstCapacity
	}

	sustainedRate := cfg.SustainedRate
	if sustainedRate <= 0 {
		sustainedRate = DefaultSustainedRate
	}
	if sustainedRate < MinSustainedRate {
		sustainedRate = MinSustainedRate
	}

	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	bucketMaxAge := cfg.BucketMaxAge
	if bucketMaxAge <= 0 {
		bucketMaxAge = DefaultBucketMaxAge
	}

	rl := &RateLimiter{
		buckets:       make(map[string]*connBucket),
		burstCapacity: burstCapacity,
		sustainedRate: sustainedRate,
		bucketMaxAge:  bucketMaxAge,
		stopChan:      make(chan struct{}),
	}

	if reg != nil {
		rl.connGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payrelay_ratelimiter_connections",
			Help: "Current number of connections tracked by the rate limiter",
		})
		reg.MustRegister(rl.connGauge)
	}

	rl.wg.Add(1)
	go rl.cleanupLoop(cleanupInterval)

	return rl
}

// Allow checks if a frame is allowed for the given connection.
// Returns (allowed, cooldownMs) where:
//   - allowed: true if the frame should be processed
//   - cooldownMs: milliseconds until the next token is available (0 if allowed)
//
// Each call to Allow consumes one token if available. Tokens refill at the
// sustained rate, up to the burst capacity.
func (rl *RateLimiter) Allow(clientID string) (allowed bool, cooldownMs int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	bucket, exists := rl.buckets[clientID]
	if !exists {
		// New connection starts with a full bucket
		bucket = &connBucket{
			tokens:    float64(rl.burstCapacity),
			lastCheck: now,
		}
		rl.buckets[clientID] = bucket
	}

	// Refill tokens based on elapsed time
	elapsed := now.Sub(bucket.lastCheck).Seconds()
	bucket.tokens += elapsed * rl.sustainedRate
	if bucket.tokens > float64(rl.burstCapacity) {
		bucket.tokens = float64(rl.burstCapacity)
	}
	bucket.lastCheck = now

	if bucket.tokens >= 1.0 {
		bucket.tokens -= 1.0
		return true, 0
	}

	deficit := 1.0 - bucket.tokens
	cooldownSeconds := deficit / rl.sustainedRate
	cooldownMs = int64(cooldownSeconds * 1000)

	return false, cooldownMs
}

// Forget drops the bucket for a departed connection immediately instead of
// waiting for the background cleanup.
func (rl *RateLimiter) Forget(clientID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, clientID)
}

// BucketCount returns the number of tracked connections. Useful for testing
// and monitoring.
func (rl *RateLimiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Cleanup removes buckets that have been idle longer than maxAge. Called
// automatically by the background goroutine, but can also be called
// manually if immediate cleanup is desired.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	threshold := time.Now().Add(-maxAge)
	for clientID, bucket := range rl.buckets {
		if bucket.lastCheck.Before(threshold) {
			delete(rl.buckets, clientID)
		}
	}

	if rl.connGauge != nil {
		rl.connGauge.Set(float64(len(rl.buckets)))
	}
}

// cleanupLoop runs periodic cleanup in the background.
func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	defer rl.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopChan:
			return
		case <-ticker.C:
			rl.Cleanup(rl.bucketMaxAge)
		}
	}
}

// Close stops the background cleanup goroutine and releases resources.
// It blocks until the goroutine has stopped.
func (rl *RateLimiter) Close() {
	close(rl.stopChan)
	rl.wg.Wait()
}
