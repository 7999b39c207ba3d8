// Package metrics holds the Prometheus instruments of the bridge and the
// listener that exposes them.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instruments are the bridge's metrics.
type Instruments struct {
	// Inbound, labelled by outcome: pulled, duplicate, acked, failed,
	// ignored, rejected.
	Messages *prometheus.CounterVec

	// Screening rows written, labelled by result: inserted, updated, failed.
	Records *prometheus.CounterVec

	// Outbound statuses, labelled by kind (SO, RO) and result: extracted,
	// sent, failed, recorded.
	Statuses *prometheus.CounterVec

	// Bus operation attempts that failed, labelled by op: pull, ack, publish.
	BusErrors *prometheus.CounterVec

	DBReconnects prometheus.Counter
	CycleSeconds prometheus.Histogram
	Outstanding  prometheus.Gauge
}

var instruments = sync.OnceValue(func() *Instruments {
	return &Instruments{
		Messages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ckg",
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by outcome.",
		}, []string{"outcome"}),
		Records: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ckg",
			Name:      "screening_records_total",
			Help:      "Screening records written by result.",
		}, []string{"result"}),
		Statuses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ckg",
			Name:      "outbound_statuses_total",
			Help:      "Patient statuses by report kind and result.",
		}, []string{"kind", "result"}),
		BusErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ckg",
			Name:      "bus_errors_total",
			Help:      "Failed bus operation attempts.",
		}, []string{"op"}),
		DBReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "ckg",
			Name:      "db_reconnects_total",
			Help:      "Database reconnects after a lost connection.",
		}),
		CycleSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ckg",
			Name:      "consumer_cycle_seconds",
			Help:      "Duration of a pull-process-ack cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		Outstanding: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "ckg",
			Name:      "subscription_outstanding_messages",
			Help:      "Delivered but unacknowledged messages seen before the last pull.",
		}),
	}
})

// Get returns the process-wide instruments.
func Get() *Instruments {
	return instruments()
}

// Handler serves /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	return mux
}

// Serve runs the metrics listener on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}()

	logger.Info("starting metrics server", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
