// Package metrics exports lifecycle outcomes as Prometheus series.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p-arndt/sandpress/internal/lifecycle"
)

type Collector struct {
	reg        *prometheus.Registry
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		reg: reg,
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandpress_operations_total",
				Help: "Lifecycle operations issued, by kind and result",
			},
			[]string{"kind", "result"},
		),
		durations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandpress_operation_duration_seconds",
				Help:    "Duration of successful lifecycle operations",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"kind"},
		),
	}
}

func (c *Collector) Observe(o lifecycle.Outcome) {
	result := "success"
	if !o.Success {
		result = "failure"
	}
	c.operations.WithLabelValues(string(o.Kind), result).Inc()
	if o.Success && o.Duration >= 0 {
		c.durations.WithLabelValues(string(o.Kind)).Observe(o.Duration.Seconds())
	}
}

// TrackPoolSize exports size as the sandpress_pool_size gauge.
func (c *Collector) TrackPoolSize(size func() int) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "sandpress_pool_size",
			Help: "Idle sandboxes in the pool",
		},
		func() float64 { return float64(size()) },
	))
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
