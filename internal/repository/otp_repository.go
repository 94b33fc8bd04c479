package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/wetoo/backend/internal/models"
)

// ErrOTPRecordNotFound возвращается, когда для пары (identity, purpose) нет записи.
var ErrOTPRecordNotFound = errors.New("otp record not found")

const otpColumns = `id, identity, purpose, code_hash, expires_at, consumed_at, attempt_count, created_at, updated_at`

// OTPRepository хранит одноразовые коды в таблице otp_records.
// Уникальный индекс (identity, purpose) гарантирует не более одной записи на пару.
type OTPRepository struct {
	db *sqlx.DB
}

// NewOTPRepository создаёт экземпляр репозитория.
func NewOTPRepository(db *sqlx.DB) *OTPRepository {
	return &OTPRepository{db: db}
}

// Upsert атомарно заменяет запись для пары (identity, purpose).
// Предыдущий код становится недействительным, счётчик попыток сбрасывается.
func (r *OTPRepository) Upsert(ctx context.Context, rec *models.OTPRecord) error {
	query := `
		INSERT INTO otp_records (id, identity, purpose, code_hash, expires_at, consumed_at, attempt_count, created_at, updated_at)
		VALUES (:id, :identity, :purpose, :code_hash, :expires_at, NULL, 0, :created_at, :updated_at)
		ON CONFLICT (identity, purpose) DO UPDATE SET
			id            = EXCLUDED.id,
			code_hash     = EXCLUDED.code_hash,
			expires_at    = EXCLUDED.expires_at,
			consumed_at   = NULL,
			attempt_count = 0,
			created_at    = EXCLUDED.created_at,
			updated_at    = EXCLUDED.updated_at
	`
	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("otp repository: upsert %w", err)
	}
	return nil
}

// Get возвращает текущую запись для пары.
func (r *OTPRepository) Get(ctx context.Context, identity string, purpose models.Purpose) (*models.OTPRecord, error) {
	var rec models.OTPRecord
	query := `SELECT ` + otpColumns + ` FROM otp_records WHERE identity = $1 AND purpose = $2`
	if err := r.db.GetContext(ctx, &rec, query, identity, purpose); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOTPRecordNotFound
		}
		return nil, fmt.Errorf("otp repository: get %w", err)
	}
	return &rec, nil
}

// RecordAttempt одним UPDATE сравнивает хэш с сохранённым и учитывает промах.
// Запись меняется только пока она пригодна и счётчик ниже maxAttempts, поэтому
// конкурентные попытки упорядочиваются блокировкой строки и не превышают потолок.
func (r *OTPRepository) RecordAttempt(ctx context.Context, id uuid.UUID, codeHash string, now time.Time, maxAttempts int) (models.AttemptResult, error) {
	var row struct {
		Attempts int  `db:"attempt_count"`
		Matched  bool `db:"matched"`
	}
	query := `
		UPDATE otp_records
		SET attempt_count = attempt_count + CASE WHEN code_hash = $2 THEN 0 ELSE 1 END,
		    updated_at    = $3
		WHERE id = $1
		  AND consumed_at IS NULL
		  AND expires_at >= $3
		  AND attempt_count < $4
		RETURNING attempt_count, code_hash = $2 AS matched
	`
	if err := r.db.GetContext(ctx, &row, query, id, codeHash, now, maxAttempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AttemptResult{}, nil
		}
		return models.AttemptResult{}, fmt.Errorf("otp repository: record attempt %w", err)
	}
	return models.AttemptResult{Applied: true, Matched: row.Matched, Attempts: row.Attempts}, nil
}

// MarkConsumed помечает код использованным, только если запись всё ещё действительна.
// Возвращает false, если условие не выполнено (гонка с другим запросом).
func (r *OTPRepository) MarkConsumed(ctx context.Context, id uuid.UUID, codeHash string, now time.Time, maxAttempts int) (bool, error) {
	query := `
		UPDATE otp_records
		SET consumed_at = $3, updated_at = $3
		WHERE id = $1
		  AND code_hash = $2
		  AND consumed_at IS NULL
		  AND expires_at >= $3
		  AND attempt_count < $4
	`
	res, err := r.db.ExecContext(ctx, query, id, codeHash, now, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("otp repository: mark consumed %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("otp repository: mark consumed rows %w", err)
	}
	return n == 1, nil
}

// DeleteStale удаляет записи, истёкшие или использованные раньше before.
func (r *OTPRepository) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM otp_records WHERE expires_at < $1 OR consumed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("otp repository: delete stale %w", err)
	}
	return res.RowsAffected()
}
