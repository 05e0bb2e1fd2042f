// Package throttle provides sampled/rate-limited logging helpers.
//
// The core fan-out path (RawChannel.Log) runs on arbitrary producer
// goroutines and must never block or spam logs when a channel is closed or
// a sink is slow; these helpers bound how often a repeated condition is
// reported.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keyed rate-limits a boolean "should I log this" decision per key, so that
// e.g. each closed channel gets its own 10-second warning cadence instead of
// one global cadence drowning out distinct channels.
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    time.Duration
	burst    int
}

// NewKeyed returns a Keyed limiter allowing one event per `every` duration
// (with the given burst) for each distinct key.
func NewKeyed(every time.Duration, burst int) *Keyed {
	return &Keyed{
		limiters: make(map[string]*rate.Limiter),
		every:    every,
		burst:    burst,
	}
}

// Allow reports whether an event for the given key should be emitted now.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	lim, ok := k.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(k.every), k.burst)
		k.limiters[key] = lim
	}
	k.mu.Unlock()
	return lim.Allow()
}

// Forget drops the limiter state for a key (e.g. once a channel is removed),
// bounding memory for long-lived processes with high channel churn.
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	delete(k.limiters, key)
	k.mu.Unlock()
}
