// Markmill is a document to Markdown conversion service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	tasksAdmitted      prometheus.Counter
	tasksFinished      *prometheus.CounterVec
	tasksExpired       prometheus.Counter
	queueDepth         prometheus.Gauge
	conversionDuration prometheus.Histogram
	webhookAttempts    *prometheus.CounterVec
	visionCalls        *prometheus.CounterVec
	uploadsRejected    *prometheus.CounterVec
)

// Label values for webhook delivery attempts.
const (
	WebhookOutcomeDelivered = "delivered"
	WebhookOutcomeHTTPError = "http_error"
	WebhookOutcomeTransport = "transport_error"
)

// Label values for vision API calls.
const (
	VisionOutcomeOK          = "ok"
	VisionOutcomeRateLimited = "rate_limited"
	VisionOutcomeClientError = "client_error"
	VisionOutcomeServerError = "server_error"
	VisionOutcomeTransport   = "transport_error"
)

// Label values for rejected uploads.
const (
	RejectReasonInvalidWebhook = "invalid_webhook_url"
	RejectReasonTooLarge       = "too_large"
	RejectReasonMissingFile    = "missing_file"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncTaskAdmitted records one accepted upload.
func IncTaskAdmitted() {
	mu.RLock()
	defer mu.RUnlock()
	if tasksAdmitted != nil {
		tasksAdmitted.Inc()
	}
}

// IncTaskFinished records a task reaching a terminal conversion state.
func IncTaskFinished(status string) {
	label := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if tasksFinished != nil {
		tasksFinished.WithLabelValues(label).Inc()
	}
}

// IncTaskExpired records one task swept by the janitor.
func IncTaskExpired() {
	mu.RLock()
	defer mu.RUnlock()
	if tasksExpired != nil {
		tasksExpired.Inc()
	}
}

// SetQueueDepth publishes the current number of queued task IDs.
func SetQueueDepth(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.Set(float64(n))
	}
}

// ObserveConversion records the wall-clock duration of one pipeline run.
func ObserveConversion(duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if conversionDuration != nil {
		conversionDuration.Observe(durationSeconds(duration))
	}
}

// IncWebhookAttempt records one webhook delivery attempt by outcome.
func IncWebhookAttempt(outcome string) {
	label := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if webhookAttempts != nil {
		webhookAttempts.WithLabelValues(label).Inc()
	}
}

// IncVisionCall records one vision API call by outcome.
func IncVisionCall(outcome string) {
	label := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if visionCalls != nil {
		visionCalls.WithLabelValues(label).Inc()
	}
}

// IncUploadRejected records one rejected upload by reason.
func IncUploadRejected(reason string) {
	label := sanitizeLabel(reason, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if uploadsRejected != nil {
		uploadsRejected.WithLabelValues(label).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	admitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "markmill",
		Name:      "tasks_admitted_total",
		Help:      "Total uploads accepted into the task lifecycle.",
	})

	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "markmill",
		Name:      "tasks_finished_total",
		Help:      "Total tasks reaching a terminal conversion state, by status.",
	}, []string{"status"})

	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "markmill",
		Name:      "tasks_expired_total",
		Help:      "Total tasks swept by the retention janitor.",
	})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "markmill",
		Name:      "queue_depth",
		Help:      "Number of task IDs currently waiting for a worker.",
	})

	convHist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "markmill",
		Name:      "conversion_seconds",
		Help:      "Wall-clock duration of conversion pipeline runs.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	hookAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "markmill",
		Name:      "webhook_attempts_total",
		Help:      "Total webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	vision := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "markmill",
		Name:      "vision_calls_total",
		Help:      "Total vision API calls by outcome.",
	}, []string{"outcome"})

	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "markmill",
		Name:      "upload_rejected_total",
		Help:      "Total rejected uploads by reason.",
	}, []string{"reason"})

	registry.MustRegister(admitted, finished, expired, depth, convHist, hookAttempts, vision, rejected)

	reg = registry
	tasksAdmitted = admitted
	tasksFinished = finished
	tasksExpired = expired
	queueDepth = depth
	conversionDuration = convHist
	webhookAttempts = hookAttempts
	visionCalls = vision
	uploadsRejected = rejected
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
