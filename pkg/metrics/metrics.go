// Package metrics exposes provisioning progress to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xam-io/kioskd/pkg/errors"
	"github.com/xam-io/kioskd/pkg/orchestrator"
	"github.com/xam-io/kioskd/pkg/outcome"
)

// Registry holds the kioskd collectors.
var Registry = prometheus.NewRegistry()

var (
	// Stage metrics
	currentStage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kioskd",
			Subsystem: "provisioning",
			Name:      "stage",
			Help:      "1 for the stage the orchestrator is in, 0 otherwise",
		},
		[]string{"stage"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kioskd",
			Subsystem: "provisioning",
			Name:      "transitions_total",
			Help:      "Stage transitions by destination stage",
		},
		[]string{"to"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kioskd",
			Subsystem: "provisioning",
			Name:      "retries_total",
			Help:      "Stage re-checks by stage and outcome kind",
		},
		[]string{"stage", "kind"},
	)

	stageEnteredSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kioskd",
			Subsystem: "provisioning",
			Name:      "stage_entered_seconds",
			Help:      "Seconds from attempt start until a stage was entered",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 500ms to ~17min
		},
		[]string{"stage"},
	)

	// Attempt metrics
	attemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kioskd",
			Subsystem: "provisioning",
			Name:      "attempts_total",
			Help:      "Provisioning attempts started",
		},
	)

	// Fetch metrics
	fetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kioskd",
			Subsystem: "fetch",
			Name:      "artifacts_total",
			Help:      "Remote artifact fetches by result",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		currentStage,
		transitionsTotal,
		retriesTotal,
		stageEnteredSeconds,
		attemptsTotal,
		fetchesTotal,
	)
}

// RecordFetch counts a finished artifact fetch.
func RecordFetch(result string) {
	fetchesTotal.WithLabelValues(result).Inc()
}

// Observer records orchestrator events.
type Observer struct {
	now func() time.Time
}

// NewObserver creates an observer. now supplies the time used for stage
// latencies; nil means time.Now.
func NewObserver(now func() time.Time) *Observer {
	if now == nil {
		now = time.Now
	}
	return &Observer{now: now}
}

func (o *Observer) AttemptStarted(s orchestrator.State) {
	attemptsTotal.Inc()
	setStage(s.Stage)
}

func (o *Observer) StageChanged(s orchestrator.State, _ orchestrator.Stage) {
	transitionsTotal.WithLabelValues(s.Stage.String()).Inc()
	stageEnteredSeconds.WithLabelValues(s.Stage.String()).Observe(o.now().Sub(s.AttemptStartedAt).Seconds())
	setStage(s.Stage)
}

func (o *Observer) StageRetried(s orchestrator.State, res outcome.Outcome) {
	retriesTotal.WithLabelValues(s.Stage.String(), res.Kind.String()).Inc()
}

func setStage(current orchestrator.Stage) {
	for _, s := range orchestrator.Stages() {
		v := 0.0
		if s == current {
			v = 1
		}
		currentStage.WithLabelValues(s.String()).Set(v)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
