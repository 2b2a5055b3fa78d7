package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "namada_miss_monitor"

type Metrics struct {
	registry *prometheus.Registry

	Height        prometheus.Gauge
	MissCounter   prometheus.Gauge
	MissedBlocks  prometheus.Counter
	SignedBlocks  prometheus.Counter
	Alerts        *prometheus.CounterVec
	AlertsDropped prometheus.Counter
	AlertsFailed  prometheus.Counter
}

// New registers every collector on a private registry so tests can build as
// many instances as they like.
func New(operator string) *Metrics {
	labels := prometheus.Labels{"operator": operator}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "height",
			Help:        "Latest block height evaluated for the validator.",
			ConstLabels: labels,
		}),
		MissCounter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "miss_counter",
			Help:        "Current miss counter compared against miss_notification.",
			ConstLabels: labels,
		}),
		MissedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "missed_blocks_total",
			Help:        "Blocks whose last commit lacks the validator's signature.",
			ConstLabels: labels,
		}),
		SignedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "signed_blocks_total",
			Help:        "Blocks signed by the validator.",
			ConstLabels: labels,
		}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "alerts_total",
			Help:        "Missed block alerts raised, by phase.",
			ConstLabels: labels,
		}, []string{"phase"}),
		AlertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "alerts_dropped_total",
			Help:        "Alerts dropped because the notifier queue was full.",
			ConstLabels: labels,
		}),
		AlertsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "alerts_failed_total",
			Help:        "Alerts the notifier failed to deliver.",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(
		m.Height,
		m.MissCounter,
		m.MissedBlocks,
		m.SignedBlocks,
		m.Alerts,
		m.AlertsDropped,
		m.AlertsFailed,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting Prometheus HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
