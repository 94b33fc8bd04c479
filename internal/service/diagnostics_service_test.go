package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wetoo/backend/internal/config"
	"github.com/wetoo/backend/internal/goroutine"
	"github.com/wetoo/backend/internal/logger"
	"github.com/wetoo/backend/internal/mailer"
	"github.com/wetoo/backend/internal/models"
	"github.com/wetoo/backend/internal/otp"
	"github.com/wetoo/backend/internal/repository"
)

type stubTransport struct {
	channel mailer.Channel
	err     error

	mu    sync.Mutex
	calls int
}

func (s *stubTransport) Channel() mailer.Channel { return s.channel }

func (s *stubTransport) Send(_ context.Context, _ mailer.Message) (*mailer.Receipt, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &mailer.Receipt{Channel: s.channel, MessageID: "id"}, nil
}

func (s *stubTransport) CheckHealth(_ context.Context) (*mailer.HealthResult, error) {
	return &mailer.HealthResult{Channel: s.channel, Latency: 5 * time.Millisecond}, s.err
}

func (s *stubTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type staticTransports []mailer.Transport

func (s staticTransports) Transports() []mailer.Transport { return s }

func TestDiagnosticsService_EmailConfigHidesSecrets(t *testing.T) {
	mail := config.MailConfig{
		From:           "WE TOO <noreply@wetoo.test>",
		SMTPHost:       "smtp.wetoo.test",
		SMTPPort:       587,
		SMTPUser:       "mailer",
		SMTPPass:       "super-secret",
		SendGridAPIKey: "SG.secret",
	}
	d := NewDiagnosticsService(mail, staticTransports{
		&stubTransport{channel: mailer.ChannelSendGrid},
		&stubTransport{channel: mailer.ChannelSMTP},
	}, logger.Discard())

	report := d.EmailConfig()
	assert.Equal(t, "sendgrid", report.ActiveChannel)
	assert.True(t, report.RelayConfigured)
	assert.True(t, report.APIConfigured)
	assert.Equal(t, "WE TOO <noreply@wetoo.test>", report.SenderIdentity)
	assert.Equal(t, RelayReport{Host: "smtp.wetoo.test", Port: 587, UserSet: true, PasswordSet: true}, report.Relay)
}

func TestDiagnosticsService_Probe(t *testing.T) {
	failing := &stubTransport{
		channel: mailer.ChannelSMTP,
		err:     &mailer.TransportError{Channel: mailer.ChannelSMTP, Op: "greeting", Code: mailer.CodeTimeout, Retryable: true, Err: errors.New("i/o timeout")},
	}
	d := NewDiagnosticsService(config.MailConfig{}, staticTransports{
		&stubTransport{channel: mailer.ChannelSendGrid},
		failing,
	}, logger.Discard())

	results := d.Probe(context.Background())
	require.Len(t, results, 2)

	assert.Equal(t, mailer.ChannelSendGrid, results[0].Channel)
	assert.True(t, results[0].OK)
	assert.Nil(t, results[0].Error)
	assert.Equal(t, int64(5), results[0].LatencyMs)

	assert.False(t, results[1].OK)
	require.NotNil(t, results[1].Error)
	assert.Equal(t, mailer.CodeTimeout, results[1].Error.Code)
	assert.Contains(t, results[1].Error.Message, "i/o timeout")

	// Проверка связи ничего не отправляет.
	assert.Zero(t, failing.callCount())
}

func TestOTPReaper_ReapOnce(t *testing.T) {
	hasher, err := otp.NewCodeHasher("test-secret")
	require.NoError(t, err)
	store := repository.NewOTPMemoryRepository()
	ledger := otp.NewLedger(store, fixedCode("123456"), hasher, otp.Config{TTL: time.Minute, MaxAttempts: 5}, logger.Discard())

	issuedAt := time.Now().Add(-48 * time.Hour)
	ledger.SetClock(func() time.Time { return issuedAt })
	_, _, err = ledger.Issue(context.Background(), "a@example.com", models.PurposeRegistration)
	require.NoError(t, err)
	ledger.SetClock(time.Now)
	_, _, err = ledger.Issue(context.Background(), "b@example.com", models.PurposeRegistration)
	require.NoError(t, err)

	log := logger.Discard()
	r := NewOTPReaper(ledger, time.Hour, 24*time.Hour, goroutine.NewRecoveryHandler(log), log)
	n, err := r.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, store.Len())
}
