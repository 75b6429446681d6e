// Package metrics exposes attack counters to Prometheus. A nil *Recorder is
// valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the harness counters.
type Recorder struct {
	reg      *prometheus.Registry
	stages   *prometheus.CounterVec
	steps    *prometheus.CounterVec
	connects *prometheus.CounterVec
	resets   prometheus.Counter
}

// New creates a recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bleframework",
			Name:      "stage_runs_total",
			Help:      "Attack stage runs by outcome.",
		}, []string{"stage", "role", "outcome"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bleframework",
			Name:      "step_failures_total",
			Help:      "Failed steps inside attack stages.",
		}, []string{"stage", "step"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bleframework",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by outcome.",
		}, []string{"outcome"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bleframework",
			Name:      "identity_resets_total",
			Help:      "Identity resets performed.",
		}),
	}
	r.reg.MustRegister(r.stages, r.steps, r.connects, r.resets)
	return r
}

// Registry returns the registry backing the recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// Stage records a finished stage.
func (r *Recorder) Stage(stage, role string, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.stages.WithLabelValues(stage, role, outcome).Inc()
}

// StepFailed records a failed step.
func (r *Recorder) StepFailed(stage, step string) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(stage, step).Inc()
}

// Connect records a connection attempt.
func (r *Recorder) Connect(err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.connects.WithLabelValues(outcome).Inc()
}

// Reset records an identity reset.
func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	r.resets.Inc()
}

// Handler returns the /metrics handler.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("[METRICS] serving", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
