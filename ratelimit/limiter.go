// Package ratelimit implements a per-client sliding-window rate limiter.
//
// Each client key owns a bucket of admission timestamps. A request is
// admitted when fewer than maxRequests timestamps fall inside the trailing
// window; admission appends the current time to the bucket. A background
// sweeper prunes stale buckets so idle clients do not leak memory.
package ratelimit

import (
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"
)

// Limiter admits or rejects requests per client key over a sliding window.
type Limiter struct {
	maxRequests     int
	period          time.Duration
	cleanupInterval time.Duration
	clk             clock.Clock
	log             *zap.SugaredLogger

	mu      sync.Mutex
	buckets map[string][]time.Time

	sweepMu  sync.Mutex
	stopCh   chan struct{}
	sweeping bool
	wg       sync.WaitGroup
}

// New creates a limiter admitting up to maxRequests per key per period.
// cleanupInterval is the sweeper cadence once StartCleanup is called.
func New(maxRequests int, period, cleanupInterval time.Duration, clk clock.Clock, logger *zap.SugaredLogger) *Limiter {
	return &Limiter{
		maxRequests:     maxRequests,
		period:          period,
		cleanupInterval: cleanupInterval,
		clk:             clk,
		log:             logger.Named("ratelimit"),
		buckets:         make(map[string][]time.Time),
	}
}

// Allow reports whether a request from key is admitted right now. The
// check-and-append is atomic per key: under concurrent bursts exactly
// maxRequests admissions succeed per window.
func (l *Limiter) Allow(key string) bool {
	now := l.clk.Now()
	cutoff := now.Add(-l.period)

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := l.pruneLocked(key, cutoff)
	if len(bucket) >= l.maxRequests {
		l.buckets[key] = bucket
		return false
	}
	l.buckets[key] = append(bucket, now)
	return true
}

// Remaining returns how many admissions key has left in the current window.
func (l *Limiter) Remaining(key string) int {
	cutoff := l.clk.Now().Add(-l.period)

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := l.pruneLocked(key, cutoff)
	l.buckets[key] = bucket
	remaining := l.maxRequests - len(bucket)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Reset clears the buckets for the given keys, or all buckets when
// called with none.
func (l *Limiter) Reset(keys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(keys) == 0 {
		l.buckets = make(map[string][]time.Time)
		return
	}
	for _, key := range keys {
		delete(l.buckets, key)
	}
}

// pruneLocked drops timestamps at or before cutoff. Timestamps are
// appended in order, so the bucket is sorted and a prefix scan suffices.
func (l *Limiter) pruneLocked(key string, cutoff time.Time) []time.Time {
	bucket := l.buckets[key]
	idx := 0
	for idx < len(bucket) && !bucket[idx].After(cutoff) {
		idx++
	}
	return bucket[idx:]
}

// StartCleanup launches the background sweeper. Idempotent.
func (l *Limiter) StartCleanup() {
	l.sweepMu.Lock()
	defer l.sweepMu.Unlock()
	if l.sweeping {
		return
	}
	l.sweeping = true
	l.stopCh = make(chan struct{})
	l.wg.Add(1)
	go l.sweep(l.stopCh)
	l.log.Infow("Rate limit cleanup started", "interval", l.cleanupInterval)
}

// StopCleanup stops the sweeper and waits for it to exit. Idempotent.
func (l *Limiter) StopCleanup() {
	l.sweepMu.Lock()
	if !l.sweeping {
		l.sweepMu.Unlock()
		return
	}
	l.sweeping = false
	close(l.stopCh)
	l.sweepMu.Unlock()

	l.wg.Wait()
	l.log.Infow("Rate limit cleanup stopped")
}

func (l *Limiter) sweep(stopCh chan struct{}) {
	defer l.wg.Done()
	ticker := l.clk.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C():
		}

		cutoff := l.clk.Now().Add(-l.period)
		removed := 0
		l.mu.Lock()
		for key := range l.buckets {
			bucket := l.pruneLocked(key, cutoff)
			if len(bucket) == 0 {
				delete(l.buckets, key)
				removed++
			} else {
				l.buckets[key] = bucket
			}
		}
		l.mu.Unlock()

		if removed > 0 {
			l.log.Debugw("Pruned idle rate limit buckets", "count", removed)
		}
	}
}
