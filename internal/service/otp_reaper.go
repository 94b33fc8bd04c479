package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wetoo/backend/internal/goroutine"
	"github.com/wetoo/backend/internal/metrics"
)

// Reaper удаляет записи, истёкшие или использованные раньше горизонта хранения.
type Reaper interface {
	Reap(ctx context.Context, retention time.Duration) (int64, error)
}

// OTPReaper периодически чистит журнал кодов.
type OTPReaper struct {
	ledger    Reaper
	interval  time.Duration
	retention time.Duration
	tasks     *goroutine.RecoveryHandler
	log       logrus.FieldLogger
}

func NewOTPReaper(ledger Reaper, interval, retention time.Duration, tasks *goroutine.RecoveryHandler, log logrus.FieldLogger) *OTPReaper {
	return &OTPReaper{
		ledger:    ledger,
		interval:  interval,
		retention: retention,
		tasks:     tasks,
		log:       log.WithField("component", "otp_reaper"),
	}
}

// Start запускает фоновую очистку до отмены ctx. При interval <= 0 ничего не делает.
func (r *OTPReaper) Start(ctx context.Context) {
	if r.interval <= 0 {
		r.log.Info("otp reaper disabled")
		return
	}
	r.tasks.SafeGoWithContext(ctx, "otp_reaper", r.run)
}

func (r *OTPReaper) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.ReapOnce(ctx)
		}
	}
}

// ReapOnce выполняет один проход очистки.
func (r *OTPReaper) ReapOnce(ctx context.Context) (int64, error) {
	n, err := r.ledger.Reap(ctx, r.retention)
	if err != nil {
		r.log.WithError(err).Error("otp reap failed")
		return 0, err
	}
	metrics.OTPReaped.Add(float64(n))
	if n > 0 {
		r.log.WithField("deleted", n).Info("stale otp records reaped")
	}
	return n, nil
}
