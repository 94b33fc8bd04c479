package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wetoo/backend/internal/goroutine"
	"github.com/wetoo/backend/internal/mailer"
	"github.com/wetoo/backend/internal/metrics"
	"github.com/wetoo/backend/internal/models"
	"github.com/wetoo/backend/internal/otp"
	"github.com/wetoo/backend/internal/pkg/apperror"
	"github.com/wetoo/backend/internal/repository"
	"github.com/wetoo/backend/internal/validation"
)

const (
	// Верхняя граница фоновой выдачи и доставки кода, пережившей отмену запроса.
	requestWorkTimeout = time.Minute
	credentialTimeout  = 15 * time.Second
)

// CredentialUpdater меняет пароль аккаунта. Реализуется внешним слоем учётных записей.
type CredentialUpdater interface {
	UpdateCredential(ctx context.Context, identity, newCredential string) error
}

// Notifier доставляет письмо хотя бы по одному каналу.
type Notifier interface {
	Send(ctx context.Context, msg mailer.Message) (*mailer.Receipt, error)
}

// VerificationService - фасад сценариев с одноразовыми кодами.
type VerificationService struct {
	ledger   *otp.Ledger
	notifier Notifier
	cooldown *Cooldown
	creds    CredentialUpdater
	tasks    *goroutine.RecoveryHandler
	log      logrus.FieldLogger
}

func NewVerificationService(
	ledger *otp.Ledger,
	notifier Notifier,
	cooldown *Cooldown,
	creds CredentialUpdater,
	tasks *goroutine.RecoveryHandler,
	log logrus.FieldLogger,
) *VerificationService {
	return &VerificationService{
		ledger:   ledger,
		notifier: notifier,
		cooldown: cooldown,
		creds:    creds,
		tasks:    tasks,
		log:      log.WithField("component", "verification_service"),
	}
}

// RequestCode выпускает новый код и отправляет его на identity.
// Ограничение частоты проверяется до обращения к журналу кодов.
// Выдача и доставка продолжаются в фоне, даже если вызывающий перестал ждать.
func (s *VerificationService) RequestCode(ctx context.Context, identity string, purpose models.Purpose) (err error) {
	defer func() { observe("request", purpose, err) }()

	identity, purpose, err = normalizeInput(identity, purpose)
	if err != nil {
		return err
	}

	retry, err := s.cooldown.Allow(ctx, string(purpose)+":"+identity)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeInternal, "не удалось проверить ограничение частоты")
	}
	if retry > 0 {
		s.log.WithFields(logrus.Fields{"purpose": purpose, "retry_after": retry}).Info("otp request rate limited")
		return apperror.RateLimited(retry)
	}

	done := make(chan error, 1)
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestWorkTimeout)
	s.tasks.SafeGo("otp_request", func() {
		defer cancel()
		result := error(apperror.ErrInternal)
		defer func() { done <- result }()
		result = s.issueAndDeliver(work, identity, purpose)
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.log.WithField("purpose", purpose).Warn("caller gave up waiting, otp delivery continues in background")
		return ctx.Err()
	}
}

func (s *VerificationService) issueAndDeliver(ctx context.Context, identity string, purpose models.Purpose) error {
	code, rec, err := s.ledger.Issue(ctx, identity, purpose)
	if err != nil {
		return err
	}

	receipt, err := s.notifier.Send(ctx, composeCodeMessage(identity, purpose, code, s.ledger.TTL()))
	if err != nil {
		// Запись не откатывается: код остаётся действительным до истечения срока.
		s.log.WithFields(logrus.Fields{
			"record_id": rec.ID,
			"purpose":   purpose,
			"error":     err.Error(),
		}).Error("otp delivery failed")
		if errors.Is(err, mailer.ErrMisconfigured) {
			return apperror.ErrDeliveryMisconfigured
		}
		return apperror.DeliveryFailed(err)
	}

	s.log.WithFields(logrus.Fields{
		"record_id":  rec.ID,
		"purpose":    purpose,
		"channel":    receipt.Channel,
		"message_id": receipt.MessageID,
	}).Info("otp delivered")
	return nil
}

// VerifyCode проверяет код, не используя его.
func (s *VerificationService) VerifyCode(ctx context.Context, identity string, purpose models.Purpose, code string) (ok bool, err error) {
	defer func() { observe("verify", purpose, err) }()

	identity, purpose, err = normalizeInput(identity, purpose)
	if err != nil {
		return false, err
	}
	if err := validation.ValidateCode(code); err != nil {
		return false, apperror.New(apperror.ErrCodeValidation, err.Error())
	}

	if err := s.ledger.Verify(ctx, identity, purpose, code); err != nil {
		return false, err
	}
	return true, nil
}

// ResetWithCode использует код и только после этого меняет пароль.
func (s *VerificationService) ResetWithCode(ctx context.Context, identity string, purpose models.Purpose, code, newCredential string) (err error) {
	defer func() { observe("reset", purpose, err) }()

	identity, purpose, err = normalizeInput(identity, purpose)
	if err != nil {
		return err
	}
	if err := validation.ValidateCode(code); err != nil {
		return apperror.New(apperror.ErrCodeValidation, err.Error())
	}
	if err := validation.ValidatePassword(newCredential); err != nil {
		return apperror.New(apperror.ErrCodeValidation, err.Error())
	}

	if err := s.ledger.Consume(ctx, identity, purpose, code); err != nil {
		return err
	}

	// Код уже использован, поэтому обновление пароля не должно обрываться вместе с запросом.
	updCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), credentialTimeout)
	defer cancel()
	if err := s.creds.UpdateCredential(updCtx, identity, newCredential); err != nil {
		s.log.WithFields(logrus.Fields{"purpose": purpose, "error": err.Error()}).Error("credential update failed after code consumption")
		if errors.Is(err, repository.ErrAccountNotFound) {
			return apperror.New(apperror.ErrCodeNotFound, "аккаунт не найден")
		}
		return apperror.Wrap(err, apperror.ErrCodeInternal, "не удалось обновить пароль")
	}

	s.log.WithField("purpose", purpose).Info("credential updated with otp")
	return nil
}

func normalizeInput(identity string, purpose models.Purpose) (string, models.Purpose, error) {
	p, err := models.ParsePurpose(string(purpose))
	if err != nil {
		return "", purpose, apperror.New(apperror.ErrCodeValidation, err.Error())
	}
	if err := validation.ValidateEmail(identity); err != nil {
		return "", p, apperror.New(apperror.ErrCodeValidation, err.Error())
	}
	return validation.NormalizeEmail(identity), p, nil
}

func observe(op string, purpose models.Purpose, err error) {
	result := "ok"
	if err != nil {
		var appErr *apperror.AppError
		switch {
		case errors.Is(err, apperror.ErrOTPLocked):
			result = "locked"
		case errors.As(err, &appErr):
			result = string(appErr.Code)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			result = "caller_timeout"
		default:
			result = "error"
		}
	}
	label := "invalid"
	if p, perr := models.ParsePurpose(string(purpose)); perr == nil {
		label = string(p)
	}
	metrics.OTPOperations.WithLabelValues(op, label, result).Inc()
}
