// Package broadcast relays one message to every tracked recipient, one at a
// time, under the platform's throughput ceiling. A throttled recipient is
// retried once after the requested wait; a recipient that can never be
// reached again is pruned from the registry.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/ssd-technologies/vaultrelay/internal/events"
	"github.com/ssd-technologies/vaultrelay/internal/platform"
)

// DefaultInterval is the pacing between relays: the platform accepts about
// 20 messages per second per bot when fanning out.
const DefaultInterval = 50 * time.Millisecond

// progressEvery controls how often a progress event is published.
const progressEvery = 25

// ErrBusy is returned when a broadcast is already running.
var ErrBusy = errors.New("broadcast: another broadcast is running")

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrelay_broadcast_deliveries_total",
		Help: "Broadcast relay outcomes per recipient.",
	}, []string{"outcome"})
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vaultrelay_broadcast_run_duration_seconds",
		Help:    "Wall time of complete broadcast runs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	})
)

// Recipients is the registry a broadcast reads from and prunes.
type Recipients interface {
	List(ctx context.Context) ([]int64, error)
	Remove(ctx context.Context, userID int64) error
}

// RelayFunc delivers the broadcast message to one recipient.
type RelayFunc func(ctx context.Context, recipient int64) error

// Result summarizes a finished run. Sent+Failed always equals Total.
type Result struct {
	Total   int           `json:"total"`
	Sent    int           `json:"sent"`
	Failed  int           `json:"failed"`
	Pruned  int           `json:"pruned"`
	Elapsed time.Duration `json:"elapsed"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomePruned
)

// Dispatcher runs broadcasts. Only one runs at a time.
type Dispatcher struct {
	recipients Recipients
	pacer      *rate.Limiter
	sleep      func(ctx context.Context, d time.Duration) error
	hub        *events.Hub
	logger     *slog.Logger
	running    atomic.Bool
}

// New creates a Dispatcher that relays at most one message per interval.
func New(recipients Recipients, interval time.Duration, hub *events.Hub, logger *slog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		recipients: recipients,
		pacer:      rate.NewLimiter(rate.Every(interval), 1),
		sleep:      sleepContext,
		hub:        hub,
		logger:     logger.With("component", "broadcast"),
	}
}

// Running reports whether a broadcast is in progress.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Run relays to every recipient in a snapshot taken at the start of the run.
// The run is not cancellable: ctx only carries values.
func (d *Dispatcher) Run(ctx context.Context, relay RelayFunc) (Result, error) {
	if !d.running.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer d.running.Store(false)

	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	ids, err := d.recipients.List(ctx)
	if err != nil {
		return Result{}, err
	}

	res := Result{Total: len(ids)}
	d.logger.Info("broadcast started", "recipients", res.Total)

	for i, id := range ids {
		switch d.deliver(ctx, id, relay) {
		case outcomeSent:
			res.Sent++
		case outcomePruned:
			res.Pruned++
			res.Failed++
		default:
			res.Failed++
		}
		if (i+1)%progressEvery == 0 {
			d.hub.Publish(events.TypeBroadcastProgress, map[string]any{
				"done": i + 1, "total": res.Total, "sent": res.Sent, "failed": res.Failed,
			})
		}
	}

	res.Elapsed = time.Since(start)
	runDuration.Observe(res.Elapsed.Seconds())
	d.hub.Publish(events.TypeBroadcastDone, map[string]any{
		"total": res.Total, "sent": res.Sent, "failed": res.Failed, "pruned": res.Pruned,
	})
	d.logger.Info("broadcast finished",
		"recipients", res.Total, "sent", res.Sent, "failed", res.Failed,
		"pruned", res.Pruned, "elapsed", res.Elapsed)
	return res, nil
}

// deliver relays to one recipient following the retry and prune rules.
func (d *Dispatcher) deliver(ctx context.Context, id int64, relay RelayFunc) outcome {
	if err := d.pacer.Wait(ctx); err != nil {
		d.logger.Warn("pacer wait", "error", err)
	}

	err := relay(ctx, id)
	if err == nil {
		deliveriesTotal.WithLabelValues("sent").Inc()
		return outcomeSent
	}

	var rl *platform.RateLimitError
	switch {
	case errors.As(err, &rl):
		deliveriesTotal.WithLabelValues("throttled").Inc()
		d.logger.Warn("throttled, retrying once", "user_id", id, "retry_after", rl.RetryAfter)
		_ = d.sleep(ctx, rl.RetryAfter)
		if err := relay(ctx, id); err != nil {
			d.logger.Warn("retry failed", "user_id", id, "error", err)
			deliveriesTotal.WithLabelValues("failed").Inc()
			return outcomeFailed
		}
		deliveriesTotal.WithLabelValues("sent").Inc()
		return outcomeSent

	case platform.IsPermanent(err):
		deliveriesTotal.WithLabelValues("unreachable").Inc()
		if err := d.recipients.Remove(ctx, id); err != nil {
			d.logger.Error("prune recipient", "user_id", id, "error", err)
			return outcomeFailed
		}
		return outcomePruned

	default:
		d.logger.Error("broadcast relay failed", "user_id", id, "error", err)
		deliveriesTotal.WithLabelValues("failed").Inc()
		return outcomeFailed
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
