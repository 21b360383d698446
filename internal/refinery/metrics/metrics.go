package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danshapiro/refinery/internal/refinery/capability"
	"github.com/danshapiro/refinery/internal/refinery/events"
	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// Metrics owns a private registry; nothing is registered with the process
// default.
type Metrics struct {
	Registry *prometheus.Registry

	attempts  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	nodes     *prometheus.CounterVec
	evals     *prometheus.CounterVec
	best      *prometheus.GaugeVec
	pipelines *prometheus.CounterVec

	mu        sync.Mutex
	bestByRun map[int]float64
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refinery",
			Name:      "capability_attempts_total",
			Help:      "Capability invocations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "refinery",
			Name:      "capability_duration_seconds",
			Help:      "Wall time of single capability attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"operation"}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refinery",
			Name:      "node_executions_total",
			Help:      "Graph node executions by node.",
		}, []string{"node"}),
		evals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refinery",
			Name:      "candidates_total",
			Help:      "Evaluated candidates by phase.",
		}, []string{"phase"}),
		best: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "refinery",
			Name:      "best_score",
			Help:      "Best finite score observed per parallel run.",
		}, []string{"run"}),
		pipelines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refinery",
			Name:      "pipelines_total",
			Help:      "Finished pipelines by terminal status.",
		}, []string{"status"}),
	}
	m.bestByRun = map[int]float64{}
	m.Registry.MustRegister(m.attempts, m.latency, m.nodes, m.evals, m.best, m.pipelines)
	return m
}

// ObserveAttempt is a RetryingInvoker.Observe hook.
func (m *Metrics) ObserveAttempt(info capability.AttemptInfo) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(info.Operation, outcome(info.Err)).Inc()
	m.latency.WithLabelValues(info.Operation).Observe(info.Duration.Seconds())
}

func outcome(err error) string {
	var rejected *capability.RejectedError
	var timeout *capability.TimeoutError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rejected):
		return "rejected"
	case errors.As(err, &timeout):
		return "timeout"
	case runtime.IsFatal(err):
		return "cancelled"
	default:
		return "error"
	}
}

func (m *Metrics) raiseBest(run int, score float64) {
	if math.IsInf(score, 0) || math.IsNaN(score) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.bestByRun[run]; ok && !runtime.Better(score, cur) {
		return
	}
	m.bestByRun[run] = score
	m.best.WithLabelValues(strconv.Itoa(run)).Set(score)
}

// Finish counts a terminal pipeline status.
func (m *Metrics) Finish(status runtime.FinalStatus) {
	if m == nil {
		return
	}
	m.pipelines.WithLabelValues(string(status)).Inc()
}

// Sink turns progress events into node, candidate and score metrics.
func (m *Metrics) Sink() events.Sink {
	return events.SinkFunc(func(e events.Event) {
		if m == nil {
			return
		}
		switch e.Name {
		case events.NodeCompleted:
			m.nodes.WithLabelValues(e.Node).Inc()
		case events.InitialCandidate:
			m.evals.WithLabelValues("initial").Inc()
		case events.InnerAttempt:
			m.evals.WithLabelValues("inner").Inc()
		case events.EnsembleAttempt:
			m.evals.WithLabelValues("ensemble").Inc()
		default:
			return
		}
		m.raiseBest(e.Run, e.Score)
	})
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && logger != nil {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}
