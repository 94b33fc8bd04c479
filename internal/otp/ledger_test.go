package otp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wetoo/backend/internal/logger"
	"github.com/wetoo/backend/internal/models"
	"github.com/wetoo/backend/internal/pkg/apperror"
	"github.com/wetoo/backend/internal/repository"
)

// sequenceGenerator возвращает заранее заданные коды по кругу.
type sequenceGenerator struct {
	mu    sync.Mutex
	codes []string
	next  int
}

func (g *sequenceGenerator) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	code := g.codes[g.next%len(g.codes)]
	g.next++
	return code, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

const (
	testIdentity = "a@example.com"
	testTTL      = 10 * time.Minute
)

// isTerminal: код больше не пройдёт проверку, нужен новый.
func isTerminal(err error) bool {
	return errors.Is(err, apperror.ErrOTPExpired) || errors.Is(err, apperror.ErrOTPLocked) || errors.Is(err, apperror.ErrOTPConsumed)
}

func newTestLedger(t *testing.T, maxAttempts int, codes ...string) (*Ledger, *repository.OTPMemoryRepository, *fakeClock) {
	t.Helper()
	hasher, err := NewCodeHasher("test-secret")
	require.NoError(t, err)

	store := repository.NewOTPMemoryRepository()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLedger(store, &sequenceGenerator{codes: codes}, hasher, Config{TTL: testTTL, MaxAttempts: maxAttempts}, logger.Discard())
	l.SetClock(clock.Now)
	return l, store, clock
}

func TestLedger_VerifyDoesNotConsume(t *testing.T) {
	l, _, _ := newTestLedger(t, 5, "123456")
	ctx := context.Background()

	code, rec, err := l.Issue(ctx, testIdentity, models.PurposeRegistration)
	require.NoError(t, err)
	assert.Equal(t, "123456", code)
	assert.Nil(t, rec.ConsumedAt)

	assert.NoError(t, l.Verify(ctx, testIdentity, models.PurposeRegistration, "123456"))
	assert.NoError(t, l.Verify(ctx, testIdentity, models.PurposeRegistration, "123456"))

	require.NoError(t, l.Consume(ctx, testIdentity, models.PurposeRegistration, "123456"))

	err = l.Consume(ctx, testIdentity, models.PurposeRegistration, "123456")
	assert.True(t, errors.Is(err, apperror.ErrOTPConsumed))
	assert.True(t, isTerminal(err))

	err = l.Verify(ctx, testIdentity, models.PurposeRegistration, "123456")
	assert.True(t, errors.Is(err, apperror.ErrOTPConsumed))
}

func TestLedger_ReissueInvalidatesPreviousCode(t *testing.T) {
	l, store, _ := newTestLedger(t, 5, "111111", "222222")
	ctx := context.Background()

	first, _, err := l.Issue(ctx, testIdentity, models.PurposePasswordReset)
	require.NoError(t, err)
	second, _, err := l.Issue(ctx, testIdentity, models.PurposePasswordReset)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	assert.Equal(t, 1, store.Len())

	err = l.Verify(ctx, testIdentity, models.PurposePasswordReset, first)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrOTPMismatch) || errors.Is(err, apperror.ErrOTPNotFound))

	assert.NoError(t, l.Verify(ctx, testIdentity, models.PurposePasswordReset, second))
}

func TestLedger_ExpiryBoundary(t *testing.T) {
	l, _, clock := newTestLedger(t, 5, "654321")
	ctx := context.Background()

	_, rec, err := l.Issue(ctx, testIdentity, models.PurposeRegistration)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(testTTL), rec.ExpiresAt)

	clock.Set(rec.ExpiresAt.Add(-time.Second))
	assert.NoError(t, l.Verify(ctx, testIdentity, models.PurposeRegistration, "654321"))

	clock.Set(rec.ExpiresAt.Add(time.Second))
	err = l.Verify(ctx, testIdentity, models.PurposeRegistration, "654321")
	assert.True(t, errors.Is(err, apperror.ErrOTPExpired))

	err = l.Consume(ctx, testIdentity, models.PurposeRegistration, "654321")
	assert.True(t, errors.Is(err, apperror.ErrOTPExpired))
}

func TestLedger_LocksAfterMaxAttempts(t *testing.T) {
	l, store, _ := newTestLedger(t, 3, "123456")
	ctx := context.Background()

	_, _, err := l.Issue(ctx, testIdentity, models.PurposePasswordReset)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		err := l.Verify(ctx, testIdentity, models.PurposePasswordReset, "000000")
		assert.True(t, errors.Is(err, apperror.ErrOTPMismatch), "attempt %d", i+1)
	}

	rec, err := store.Get(ctx, testIdentity, models.PurposePasswordReset)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.AttemptCount)

	err = l.Verify(ctx, testIdentity, models.PurposePasswordReset, "123456")
	assert.True(t, errors.Is(err, apperror.ErrOTPLocked))
	err = l.Consume(ctx, testIdentity, models.PurposePasswordReset, "123456")
	assert.True(t, errors.Is(err, apperror.ErrOTPLocked))

	// Снаружи блокировка выглядит как истечение срока.
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.ErrOTPExpired.Code, appErr.Code)
	assert.Equal(t, apperror.ErrOTPExpired.Message, appErr.Message)
}

func TestLedger_PurposeIsolation(t *testing.T) {
	l, _, _ := newTestLedger(t, 5, "123456")
	ctx := context.Background()

	_, _, err := l.Issue(ctx, testIdentity, models.PurposeRegistration)
	require.NoError(t, err)

	err = l.Verify(ctx, testIdentity, models.PurposePasswordReset, "123456")
	assert.True(t, errors.Is(err, apperror.ErrOTPNotFound))

	err = l.Verify(ctx, "other@example.com", models.PurposeRegistration, "123456")
	assert.True(t, errors.Is(err, apperror.ErrOTPNotFound))
}

func TestLedger_StoresOnlyDigest(t *testing.T) {
	l, store, _ := newTestLedger(t, 5, "987654")
	ctx := context.Background()

	code, _, err := l.Issue(ctx, testIdentity, models.PurposeRegistration)
	require.NoError(t, err)

	rec, err := store.Get(ctx, testIdentity, models.PurposeRegistration)
	require.NoError(t, err)
	assert.NotEqual(t, code, rec.CodeHash)
	assert.False(t, strings.Contains(rec.CodeHash, code))
	assert.Len(t, rec.CodeHash, 64)
}

func TestLedger_ConcurrentConsumeSucceedsOnce(t *testing.T) {
	l, _, _ := newTestLedger(t, 5, "123456")
	ctx := context.Background()

	_, _, err := l.Issue(ctx, testIdentity, models.PurposePasswordReset)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		success  int32
		terminal int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Consume(ctx, testIdentity, models.PurposePasswordReset, "123456")
			switch {
			case err == nil:
				atomic.AddInt32(&success, 1)
			case isTerminal(err):
				atomic.AddInt32(&terminal, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), success)
	assert.Equal(t, int32(19), terminal)
}

// gatedStore задерживает первые n чтений, пока не соберутся все читатели,
// и считает попытки, дошедшие до сравнения.
type gatedStore struct {
	*repository.OTPMemoryRepository
	n        int32
	arrived  int32
	release  chan struct{}
	compared int32
}

func (s *gatedStore) Get(ctx context.Context, identity string, purpose models.Purpose) (*models.OTPRecord, error) {
	if n := atomic.AddInt32(&s.arrived, 1); n <= s.n {
		if n == s.n {
			close(s.release)
		}
		<-s.release
	}
	return s.OTPMemoryRepository.Get(ctx, identity, purpose)
}

func (s *gatedStore) RecordAttempt(ctx context.Context, id uuid.UUID, codeHash string, now time.Time, maxAttempts int) (models.AttemptResult, error) {
	res, err := s.OTPMemoryRepository.RecordAttempt(ctx, id, codeHash, now, maxAttempts)
	if res.Applied {
		atomic.AddInt32(&s.compared, 1)
	}
	return res, err
}

func TestLedger_ConcurrentGuessesStayWithinCeiling(t *testing.T) {
	const (
		maxAttempts = 3
		guessers    = 20
	)
	hasher, err := NewCodeHasher("test-secret")
	require.NoError(t, err)
	mem := repository.NewOTPMemoryRepository()
	store := &gatedStore{OTPMemoryRepository: mem, n: guessers + 1, release: make(chan struct{})}
	l := NewLedger(store, &sequenceGenerator{codes: []string{"123456"}}, hasher,
		Config{TTL: testTTL, MaxAttempts: maxAttempts}, logger.Discard())
	ctx := context.Background()

	_, _, err = l.Issue(ctx, testIdentity, models.PurposeRegistration)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		correct error
	)
	for i := 0; i < guessers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Verify(ctx, testIdentity, models.PurposeRegistration, "000000")
			assert.True(t, errors.Is(err, apperror.ErrOTPMismatch) || errors.Is(err, apperror.ErrOTPLocked), "unexpected %v", err)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		correct = l.Verify(ctx, testIdentity, models.PurposeRegistration, "123456")
	}()
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&store.compared), int32(maxAttempts+1))

	rec, err := mem.Get(ctx, testIdentity, models.PurposeRegistration)
	require.NoError(t, err)
	assert.Equal(t, maxAttempts, rec.AttemptCount)

	// Верный код проходит, только если сравнился раньше, чем исчерпан лимит.
	if correct != nil {
		assert.ErrorIs(t, correct, apperror.ErrOTPLocked)
	}
	assert.ErrorIs(t, l.Verify(ctx, testIdentity, models.PurposeRegistration, "123456"), apperror.ErrOTPLocked)
}

func TestLedger_Reap(t *testing.T) {
	l, store, clock := newTestLedger(t, 5, "111111", "222222")
	ctx := context.Background()

	_, _, err := l.Issue(ctx, testIdentity, models.PurposeRegistration)
	require.NoError(t, err)
	require.NoError(t, l.Consume(ctx, testIdentity, models.PurposeRegistration, "111111"))

	clock.Set(clock.Now().Add(23 * time.Hour))
	_, _, err = l.Issue(ctx, "b@example.com", models.PurposeRegistration)
	require.NoError(t, err)

	clock.Set(clock.Now().Add(2 * time.Hour))
	n, err := l.Reap(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, store.Len())
}
