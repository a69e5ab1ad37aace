package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Defaults for the inbound free-text throttle.
const (
	DefaultInterval   = 800 * time.Millisecond
	DefaultMaxSenders = 10_000
)

var rejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vaultrelay_ratelimit_rejected_total",
	Help: "Inbound messages dropped by the per-sender throttle.",
})

// Limiter enforces a minimum interval between accepted messages from the
// same sender. The table is an LRU capped at maxSenders whose entries expire
// after one interval, when they could no longer cause a rejection anyway.
type Limiter struct {
	mu       sync.Mutex
	seen     *expirable.LRU[int64, time.Time]
	interval time.Duration
	now      func() time.Time
}

// New creates a Limiter accepting one message per interval per sender and
// remembering at most maxSenders senders.
func New(interval time.Duration, maxSenders int) *Limiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxSenders <= 0 {
		maxSenders = DefaultMaxSenders
	}
	return &Limiter{
		seen:     expirable.NewLRU[int64, time.Time](maxSenders, nil, interval),
		interval: interval,
		now:      time.Now,
	}
}

// Allow reports whether a message from sender is accepted. A rejected
// message does not move the sender's window.
func (l *Limiter) Allow(sender int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.seen.Peek(sender); ok && now.Sub(last) < l.interval {
		rejectedTotal.Inc()
		return false
	}
	l.seen.Add(sender, now)
	return true
}

// Len returns the number of senders currently remembered.
func (l *Limiter) Len() int {
	return l.seen.Len()
}
