package mailer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wetoo/backend/internal/logger"
)

type stubTransport struct {
	channel Channel
	err     error
	calls   int32
}

func (s *stubTransport) Channel() Channel { return s.channel }

func (s *stubTransport) Send(_ context.Context, _ Message) (*Receipt, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	return &Receipt{Channel: s.channel, MessageID: string(s.channel) + "-id"}, nil
}

func (s *stubTransport) CheckHealth(_ context.Context) (*HealthResult, error) {
	return &HealthResult{Channel: s.channel}, s.err
}

func TestOrchestrator_PrimarySuccessSkipsFallback(t *testing.T) {
	primary := &stubTransport{channel: ChannelSendGrid}
	fallback := &stubTransport{channel: ChannelSMTP}
	o, err := NewOrchestrator(logger.Discard(), primary, fallback)
	require.NoError(t, err)

	receipt, err := o.Send(context.Background(), testMessage)
	require.NoError(t, err)
	assert.Equal(t, ChannelSendGrid, receipt.Channel)
	assert.Equal(t, int32(1), primary.calls)
	assert.Equal(t, int32(0), fallback.calls)
}

func TestOrchestrator_FallsBackOnFailure(t *testing.T) {
	primary := &stubTransport{channel: ChannelSendGrid, err: &TransportError{Channel: ChannelSendGrid, Op: "send", Code: "500"}}
	fallback := &stubTransport{channel: ChannelSMTP}
	o, err := NewOrchestrator(logger.Discard(), primary, fallback)
	require.NoError(t, err)

	receipt, err := o.Send(context.Background(), testMessage)
	require.NoError(t, err)
	assert.Equal(t, ChannelSMTP, receipt.Channel)
	assert.Equal(t, int32(1), primary.calls)
	assert.Equal(t, int32(1), fallback.calls)
}

func TestOrchestrator_AllFailReportsFirstError(t *testing.T) {
	first := &TransportError{Channel: ChannelSendGrid, Op: "send", Code: "401", Err: errors.New("bad key")}
	second := &TransportError{Channel: ChannelSMTP, Op: "connect", Code: CodeNetwork, Retryable: true, Err: errors.New("refused")}
	o, err := NewOrchestrator(logger.Discard(),
		&stubTransport{channel: ChannelSendGrid, err: first},
		&stubTransport{channel: ChannelSMTP, err: second},
	)
	require.NoError(t, err)

	_, err = o.Send(context.Background(), testMessage)
	require.Error(t, err)

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	require.Len(t, de.Attempts, 2)
	assert.Same(t, first, de.Primary())
	assert.True(t, errors.Is(err, first))

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, ChannelSendGrid, te.Channel)
	assert.Contains(t, err.Error(), "bad key")
	assert.Contains(t, err.Error(), "refused")
}

func TestNewOrchestrator_WithoutTransports(t *testing.T) {
	_, err := NewOrchestrator(logger.Discard())
	assert.ErrorIs(t, err, ErrMisconfigured)

	_, err = NewOrchestrator(logger.Discard(), nil)
	assert.ErrorIs(t, err, ErrMisconfigured)
}
