// Package metrics holds the process-wide prometheus collectors. They are
// registered in the default registry and exposed on GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otp_delivery_attempts_total",
			Help: "Delivery attempts per channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "otp_delivery_duration_seconds",
			Help:    "Duration of a single delivery attempt",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 20},
		},
		[]string{"channel"},
	)

	DeliveryExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "otp_delivery_exhausted_total",
			Help: "Sends where every configured channel failed",
		},
	)

	OTPOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otp_operations_total",
			Help: "OTP workflow operations per purpose and result code",
		},
		[]string{"operation", "purpose", "result"},
	)

	OTPReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "otp_records_reaped_total",
			Help: "Stale OTP records removed by the reaper",
		},
	)
)

// Outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeRetryable = "retryable"
	OutcomeFatal     = "fatal"
)
