package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dires",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dires",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16), // 5ms to ~160s
		},
		[]string{"method", "route"},
	)

	generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dires",
			Subsystem: "generation",
			Name:      "settlements_total",
			Help:      "Generation attempts by final state and category.",
		},
		[]string{"state", "category", "team_credit"},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dires",
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Wall time of generation attempts, reserve to settlement.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
		},
		[]string{"state"},
	)

	pollAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dires",
			Subsystem: "generation",
			Name:      "poll_attempts",
			Help:      "Status polls needed to reach a terminal job status.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 60},
		},
	)

	refundFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dires",
			Subsystem: "credits",
			Name:      "refund_failures_total",
			Help:      "Refunds that could not be persisted and need reconciliation.",
		},
	)

	reclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dires",
			Subsystem: "credits",
			Name:      "reclaimed_reservations_total",
			Help:      "Stale reservations refunded by the reconciler.",
		},
	)

	chargeAfterReclaim = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dires",
			Subsystem: "credits",
			Name:      "charge_after_reclaim_total",
			Help:      "Successful generations whose reservation was already refunded by the reconciler.",
		},
	)

	invitations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dires",
			Subsystem: "teams",
			Name:      "invitation_transitions_total",
			Help:      "Invitation state transitions.",
		},
		[]string{"status"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		generations,
		generationDuration,
		pollAttempts,
		refundFailures,
		reclaimed,
		chargeAfterReclaim,
		invitations,
	)
}

// Handler exposes the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Instrument is a mux middleware; routes are labelled by their path template.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordSettlement records one finished generation attempt.
func RecordSettlement(state, category string, teamCredit bool, duration time.Duration, polls int) {
	if category == "" {
		category = "none"
	}
	generations.WithLabelValues(state, category, strconv.FormatBool(teamCredit)).Inc()
	generationDuration.WithLabelValues(state).Observe(duration.Seconds())
	if polls > 0 {
		pollAttempts.Observe(float64(polls))
	}
}

func RecordRefundFailure() { refundFailures.Inc() }

func RecordReclaimed(n int) {
	if n > 0 {
		reclaimed.Add(float64(n))
	}
}

func RecordChargeAfterReclaim() { chargeAfterReclaim.Inc() }

// ChargeAfterReclaimCounter exposes the collector for assertions in other packages.
func ChargeAfterReclaimCounter() prometheus.Counter { return chargeAfterReclaim }

func RecordInvitation(status string) { invitations.WithLabelValues(status).Inc() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
