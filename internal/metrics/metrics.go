package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Cycle outcomes recorded by CyclesTotal.
const (
	OutcomeOK          = "ok"
	OutcomeFetchError  = "fetch_error"
	OutcomeInvalid     = "invalid_snapshot"
	OutcomeLockSkipped = "lock_skipped"
	OutcomeLockError   = "lock_error"
)

// CyclesTotal counts evaluation cycles per position and outcome.
var CyclesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cdpguard",
		Subsystem: "monitor",
		Name:      "cycles_total",
		Help:      "Evaluation cycles by outcome",
	},
	[]string{"position", "outcome"},
)

// CycleDuration observes the wall time of one evaluation cycle.
var CycleDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cdpguard",
		Subsystem: "monitor",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one evaluation cycle",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30, 120},
	},
	[]string{"position"},
)

// HealthRatio is the last observed health ratio in percent.
var HealthRatio = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "cdpguard",
		Subsystem: "vault",
		Name:      "health_ratio_pct",
		Help:      "Last observed health ratio (100 / status ratio)",
	},
	[]string{"position"},
)

// AlertsTotal counts notifications by kind and delivery result.
var AlertsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cdpguard",
		Subsystem: "alerting",
		Name:      "notifications_total",
		Help:      "Notifications by kind and delivery result",
	},
	[]string{"position", "kind", "result"},
)

// InterventionsTotal counts deleverage attempts by terminal result.
var InterventionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cdpguard",
		Subsystem: "executor",
		Name:      "interventions_total",
		Help:      "Deleverage attempts by result (success, failure, quote_error, skipped)",
	},
	[]string{"position", "result"},
)

// WatchesActive is the number of running watch loops.
var WatchesActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "cdpguard",
		Subsystem: "monitor",
		Name:      "watches_active",
		Help:      "Number of running watch loops",
	},
)

// Serve exposes /metrics on listen until ctx is cancelled.
func Serve(ctx context.Context, listen string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log := logger.With().Str("component", "metrics").Logger()
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", listen).Msg("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
