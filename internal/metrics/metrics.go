// Package metrics defines the Prometheus instrumentation for the list
// server and, when enabled, serves the exposition endpoint.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EntriesProcessed counts queue entries a runner finished, by queue
	// and outcome (done, requeued, shunted).
	EntriesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listserver",
		Name:      "queue_entries_processed_total",
		Help:      "Queue entries processed by runners",
	}, []string{"queue", "outcome"})

	// QueueDepth tracks pending entries per queue at last scan.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "listserver",
		Name:      "queue_depth",
		Help:      "Pending entries per queue at last scan",
	}, []string{"queue"})

	// ProcessDuration observes per-entry processing time.
	ProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "listserver",
		Name:      "entry_process_duration_seconds",
		Help:      "Per-entry processing time",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"queue"})

	// DeliveryAttempts counts outbound SMTP transactions by result
	// (delivered, tempfail, permfail).
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listserver",
		Name:      "delivery_attempts_total",
		Help:      "Outbound SMTP transactions by result",
	}, []string{"result"})

	// MessagesHeld counts messages held for moderation, by reason.
	MessagesHeld = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listserver",
		Name:      "messages_held_total",
		Help:      "Messages held for moderator review",
	}, []string{"reason"})

	// BouncesScored counts bounce events credited to members.
	BouncesScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listserver",
		Name:      "bounces_scored_total",
		Help:      "Bounce events credited to member scores",
	}, []string{"severity"})

	// MembersDisabled counts delivery-disable transitions from scoring.
	MembersDisabled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "listserver",
		Name:      "members_disabled_total",
		Help:      "Members disabled by bounce scoring",
	})

	// RunnerRestarts counts abnormal runner exits the master restarted.
	RunnerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listserver",
		Name:      "runner_restarts_total",
		Help:      "Abnormal runner exits restarted by the master",
	}, []string{"runner"})
)

// Server serves /metrics when metrics are enabled.
type Server struct {
	srv *http.Server
}

// NewServer builds the exposition server on the given listen address.
func NewServer(listen string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{srv: &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	go s.srv.ListenAndServe()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
