package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wetoo/backend/internal/metrics"
)

// ErrMisconfigured is returned when no transport is available.
var ErrMisconfigured = errors.New("mailer: no delivery transport configured")

// Attempt records the outcome of one transport during a Send.
type Attempt struct {
	Channel  Channel
	Duration time.Duration
	Err      error
}

// DeliveryError reports that every transport failed. The first failure is the
// primary cause; the rest are supplementary.
type DeliveryError struct {
	Attempts []Attempt
}

func (e *DeliveryError) Primary() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[0].Err
}

func (e *DeliveryError) Unwrap() error {
	return e.Primary()
}

func (e *DeliveryError) Error() string {
	if len(e.Attempts) == 0 {
		return "mailer: delivery failed"
	}
	msg := fmt.Sprintf("mailer: delivery failed: %v", e.Primary())
	if len(e.Attempts) > 1 {
		rest := make([]string, 0, len(e.Attempts)-1)
		for _, a := range e.Attempts[1:] {
			rest = append(rest, a.Err.Error())
		}
		msg += " (fallbacks: " + strings.Join(rest, "; ") + ")"
	}
	return msg
}

// Orchestrator tries its transports in order and stops at the first success.
type Orchestrator struct {
	transports []Transport
	log        logrus.FieldLogger
}

func NewOrchestrator(log logrus.FieldLogger, transports ...Transport) (*Orchestrator, error) {
	active := make([]Transport, 0, len(transports))
	for _, t := range transports {
		if t != nil {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return nil, ErrMisconfigured
	}
	return &Orchestrator{
		transports: active,
		log:        log.WithField("component", "mail_orchestrator"),
	}, nil
}

// Transports returns the configured transports in priority order.
func (o *Orchestrator) Transports() []Transport {
	out := make([]Transport, len(o.transports))
	copy(out, o.transports)
	return out
}

// Primary is the channel tried first.
func (o *Orchestrator) Primary() Channel {
	return o.transports[0].Channel()
}

func (o *Orchestrator) Send(ctx context.Context, msg Message) (*Receipt, error) {
	attempts := make([]Attempt, 0, len(o.transports))

	for i, t := range o.transports {
		ch := t.Channel()
		started := time.Now()
		receipt, err := t.Send(ctx, msg)
		elapsed := time.Since(started)
		metrics.DeliveryDuration.WithLabelValues(string(ch)).Observe(elapsed.Seconds())

		if err == nil {
			metrics.DeliveryAttempts.WithLabelValues(string(ch), metrics.OutcomeSuccess).Inc()
			o.log.WithFields(logrus.Fields{
				"channel":    ch,
				"message_id": receipt.MessageID,
				"fallback":   i > 0,
				"elapsed_ms": elapsed.Milliseconds(),
			}).Info("notification delivered")
			return receipt, nil
		}

		attempts = append(attempts, Attempt{Channel: ch, Duration: elapsed, Err: err})
		fields := logrus.Fields{"channel": ch, "elapsed_ms": elapsed.Milliseconds(), "error": err.Error()}
		outcome := metrics.OutcomeFatal
		var te *TransportError
		if errors.As(err, &te) {
			fields["op"] = te.Op
			fields["code"] = te.Code
			fields["retryable"] = te.Retryable
			if te.Retryable {
				outcome = metrics.OutcomeRetryable
			}
		}
		metrics.DeliveryAttempts.WithLabelValues(string(ch), outcome).Inc()
		o.log.WithFields(fields).Warn("delivery attempt failed")
	}

	metrics.DeliveryExhausted.Inc()
	o.log.WithField("attempts", len(attempts)).Error("all delivery channels failed")
	return nil, &DeliveryError{Attempts: attempts}
}
