package server

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultCheckpointInterval is used when StartWorkers gets a non-positive
// interval.
const DefaultCheckpointInterval = 10 * time.Minute

var totalsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "vaultrelay_vault_totals",
	Help: "Vault totals as of the last refresh, by counter.",
}, []string{"counter"})

var throttledSenders = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "vaultrelay_ratelimit_tracked_senders",
	Help: "Senders currently remembered by the free-text limiter.",
})

// StartWorkers launches the background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultCheckpointInterval
	}
	s.refreshGauges(ctx)
	go s.runMaintenance(ctx, every)
}

// runMaintenance checkpoints the WAL and refreshes the totals gauges on
// every tick.
func (s *Server) runMaintenance(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.checkpoint(ctx)
			s.refreshGauges(ctx)
		}
	}
}

func (s *Server) checkpoint(ctx context.Context) {
	start := time.Now()
	if err := s.db.Checkpoint(ctx); err != nil {
		s.logger.Error("wal checkpoint", "error", err)
		return
	}
	s.logger.Debug("wal checkpoint", "elapsed", time.Since(start))
}

func (s *Server) refreshGauges(ctx context.Context) {
	if s.throttle != nil {
		throttledSenders.Set(float64(s.throttle.Len()))
	}
	st, err := s.stats.Stats(ctx)
	if err != nil {
		s.logger.Warn("refresh totals", "error", err)
		return
	}
	totalsGauge.WithLabelValues("files").Set(float64(st.Files))
	totalsGauge.WithLabelValues("downloads").Set(float64(st.Downloads))
	totalsGauge.WithLabelValues("users").Set(float64(st.Users))
}
