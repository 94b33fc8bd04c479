// Package mailer delivers notification emails through interchangeable
// transports: an SMTP relay and the SendGrid HTTPS API.
package mailer

import (
	"context"
	"fmt"
	"net/mail"
	"time"
)

type Channel string

const (
	ChannelSMTP     Channel = "smtp"
	ChannelSendGrid Channel = "sendgrid"
)

// Message is a single outbound notification.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Receipt confirms that a transport accepted a message.
type Receipt struct {
	Channel    Channel
	MessageID  string
	AcceptedAt time.Time
}

type HealthResult struct {
	Channel Channel
	Latency time.Duration
}

// Transport sends one message per call. Implementations keep no state between
// calls and never retry internally.
type Transport interface {
	Channel() Channel
	Send(ctx context.Context, msg Message) (*Receipt, error)
	CheckHealth(ctx context.Context) (*HealthResult, error)
}

// TransportError is returned by every Transport method.
type TransportError struct {
	Channel   Channel
	Op        string
	Code      string
	Retryable bool
	// RetryAfter is set when the provider asked for a backoff.
	RetryAfter time.Duration
	Err        error
}

func (e *TransportError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Channel, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Channel, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Common error codes for failures that carry no provider status.
const (
	CodeTimeout     = "timeout"
	CodeNetwork     = "network"
	CodeTLSRequired = "tls_required"
	CodeInvalid     = "invalid_message"
)

func validateMessage(ch Channel, msg Message) error {
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return &TransportError{Channel: ch, Op: "send", Code: CodeInvalid, Err: fmt.Errorf("bad recipient: %w", err)}
	}
	if msg.Text == "" && msg.HTML == "" {
		return &TransportError{Channel: ch, Op: "send", Code: CodeInvalid, Err: fmt.Errorf("empty body")}
	}
	return nil
}
