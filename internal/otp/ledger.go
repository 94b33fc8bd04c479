// Package otp owns the lifecycle of one-time passcodes: issuance, lookup,
// expiry, attempt accounting and single-use consumption. It knows nothing
// about how a code reaches the user.
package otp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wetoo/backend/internal/models"
	"github.com/wetoo/backend/internal/pkg/apperror"
	"github.com/wetoo/backend/internal/repository"
)

// Store persists OTP records. Implementations must make Upsert, RecordAttempt
// and MarkConsumed atomic in the underlying storage; the ledger holds no locks.
type Store interface {
	// Upsert replaces whatever record exists for (identity, purpose).
	Upsert(ctx context.Context, rec *models.OTPRecord) error
	// Get returns repository.ErrOTPRecordNotFound when the pair has no record.
	Get(ctx context.Context, identity string, purpose models.Purpose) (*models.OTPRecord, error)
	// RecordAttempt compares codeHash with the stored digest and counts a
	// mismatch in one step, only while the record is usable at now and below
	// maxAttempts. Applied is false when nothing was compared.
	RecordAttempt(ctx context.Context, id uuid.UUID, codeHash string, now time.Time, maxAttempts int) (models.AttemptResult, error)
	// MarkConsumed sets consumed_at only if the record is still usable at now.
	MarkConsumed(ctx context.Context, id uuid.UUID, codeHash string, now time.Time, maxAttempts int) (bool, error)
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	TTL         time.Duration
	MaxAttempts int
}

type Ledger struct {
	store  Store
	gen    CodeGenerator
	hasher *CodeHasher
	cfg    Config
	now    func() time.Time
	log    logrus.FieldLogger
}

func NewLedger(store Store, gen CodeGenerator, hasher *CodeHasher, cfg Config, log logrus.FieldLogger) *Ledger {
	return &Ledger{
		store:  store,
		gen:    gen,
		hasher: hasher,
		cfg:    cfg,
		now:    time.Now,
		log:    log.WithField("component", "otp_ledger"),
	}
}

// SetClock replaces the time source. Used by tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// TTL reports how long freshly issued codes stay valid.
func (l *Ledger) TTL() time.Duration {
	return l.cfg.TTL
}

// Issue mints a new code for (identity, purpose), implicitly invalidating any
// previous one. The raw code is returned for delivery only.
func (l *Ledger) Issue(ctx context.Context, identity string, purpose models.Purpose) (string, *models.OTPRecord, error) {
	code, err := l.gen.Generate()
	if err != nil {
		return "", nil, apperror.Wrap(err, apperror.ErrCodeInternal, "не удалось сгенерировать код")
	}

	now := l.now()
	rec := &models.OTPRecord{
		ID:        uuid.New(),
		Identity:  identity,
		Purpose:   purpose,
		CodeHash:  l.hasher.Hash(identity, purpose, code),
		ExpiresAt: now.Add(l.cfg.TTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.Upsert(ctx, rec); err != nil {
		return "", nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось сохранить код")
	}

	l.log.WithFields(logrus.Fields{
		"record_id":  rec.ID,
		"purpose":    purpose,
		"expires_at": rec.ExpiresAt,
	}).Debug("otp issued")
	return code, rec, nil
}

// Verify checks the code without consuming it.
func (l *Ledger) Verify(ctx context.Context, identity string, purpose models.Purpose, code string) error {
	_, _, err := l.check(ctx, identity, purpose, code)
	return err
}

// Consume re-validates the code and marks the record terminal.
func (l *Ledger) Consume(ctx context.Context, identity string, purpose models.Purpose, code string) error {
	rec, now, err := l.check(ctx, identity, purpose, code)
	if err != nil {
		return err
	}

	ok, err := l.store.MarkConsumed(ctx, rec.ID, rec.CodeHash, now, l.cfg.MaxAttempts)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось использовать код")
	}
	if !ok {
		// Another request changed the record between lookup and update.
		return l.classifyLost(ctx, rec.ID, identity, purpose)
	}

	l.log.WithFields(logrus.Fields{"record_id": rec.ID, "purpose": purpose}).Info("otp consumed")
	return nil
}

// Reap deletes records that expired or were consumed before now-retention.
func (l *Ledger) Reap(ctx context.Context, retention time.Duration) (int64, error) {
	return l.store.DeleteStale(ctx, l.now().Add(-retention))
}

func (l *Ledger) check(ctx context.Context, identity string, purpose models.Purpose, code string) (*models.OTPRecord, time.Time, error) {
	rec, err := l.store.Get(ctx, identity, purpose)
	if errors.Is(err, repository.ErrOTPRecordNotFound) {
		return nil, time.Time{}, apperror.ErrOTPNotFound
	}
	if err != nil {
		return nil, time.Time{}, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось проверить код")
	}

	now := l.now()
	if err := l.state(rec, now); err != nil {
		return nil, now, err
	}

	res, err := l.store.RecordAttempt(ctx, rec.ID, l.hasher.Hash(identity, purpose, code), now, l.cfg.MaxAttempts)
	if err != nil {
		return nil, now, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось проверить код")
	}
	if !res.Applied {
		// The record went terminal or was re-issued after the read.
		return nil, now, l.classifyStale(ctx, rec.ID, identity, purpose, now)
	}
	if !res.Matched {
		if res.Attempts >= l.cfg.MaxAttempts {
			l.log.WithFields(logrus.Fields{"record_id": rec.ID, "purpose": purpose}).Warn("otp locked after too many attempts")
		}
		return nil, now, apperror.ErrOTPMismatch
	}
	return rec, now, nil
}

// state reports the terminal condition of rec at now, if any.
func (l *Ledger) state(rec *models.OTPRecord, now time.Time) error {
	switch {
	case rec.IsConsumed():
		return apperror.ErrOTPConsumed
	case rec.IsExpired(now):
		return apperror.ErrOTPExpired
	case rec.IsLocked(l.cfg.MaxAttempts):
		return apperror.ErrOTPLocked
	}
	return nil
}

// classifyStale reports why an attempt on id was not applied.
func (l *Ledger) classifyStale(ctx context.Context, id uuid.UUID, identity string, purpose models.Purpose, now time.Time) error {
	rec, err := l.store.Get(ctx, identity, purpose)
	if errors.Is(err, repository.ErrOTPRecordNotFound) {
		return apperror.ErrOTPNotFound
	}
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось проверить код")
	}
	if rec.ID != id {
		return apperror.ErrOTPMismatch
	}
	if err := l.state(rec, now); err != nil {
		return err
	}
	return apperror.ErrOTPMismatch
}

func (l *Ledger) classifyLost(ctx context.Context, id uuid.UUID, identity string, purpose models.Purpose) error {
	rec, err := l.store.Get(ctx, identity, purpose)
	if errors.Is(err, repository.ErrOTPRecordNotFound) {
		return apperror.ErrOTPNotFound
	}
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось использовать код")
	}
	if rec.ID != id {
		return apperror.ErrOTPMismatch
	}
	if err := l.state(rec, l.now()); err != nil {
		return err
	}
	return apperror.ErrOTPConsumed
}
