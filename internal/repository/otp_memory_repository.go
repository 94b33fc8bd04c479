package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wetoo/backend/internal/models"
)

// OTPMemoryRepository - хранилище кодов в памяти процесса.
// Подходит для тестов и локального запуска с одним экземпляром сервиса.
type OTPMemoryRepository struct {
	mu      sync.Mutex
	records map[string]models.OTPRecord
}

// NewOTPMemoryRepository создаёт пустое хранилище.
func NewOTPMemoryRepository() *OTPMemoryRepository {
	return &OTPMemoryRepository{records: make(map[string]models.OTPRecord)}
}

func memoryKey(identity string, purpose models.Purpose) string {
	return string(purpose) + "\x00" + identity
}

func (r *OTPMemoryRepository) Upsert(_ context.Context, rec *models.OTPRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *rec
	stored.ConsumedAt = nil
	stored.AttemptCount = 0
	r.records[memoryKey(rec.Identity, rec.Purpose)] = stored
	return nil
}

func (r *OTPMemoryRepository) Get(_ context.Context, identity string, purpose models.Purpose) (*models.OTPRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[memoryKey(identity, purpose)]
	if !ok {
		return nil, ErrOTPRecordNotFound
	}
	if rec.ConsumedAt != nil {
		at := *rec.ConsumedAt
		rec.ConsumedAt = &at
	}
	return &rec, nil
}

func (r *OTPMemoryRepository) RecordAttempt(_ context.Context, id uuid.UUID, codeHash string, now time.Time, maxAttempts int) (models.AttemptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, rec := range r.records {
		if rec.ID != id {
			continue
		}
		if rec.ConsumedAt != nil || now.After(rec.ExpiresAt) || rec.AttemptCount >= maxAttempts {
			return models.AttemptResult{}, nil
		}
		matched := rec.CodeHash == codeHash
		if !matched {
			rec.AttemptCount++
		}
		rec.UpdatedAt = now
		r.records[key] = rec
		return models.AttemptResult{Applied: true, Matched: matched, Attempts: rec.AttemptCount}, nil
	}
	return models.AttemptResult{}, nil
}

func (r *OTPMemoryRepository) MarkConsumed(_ context.Context, id uuid.UUID, codeHash string, now time.Time, maxAttempts int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, rec := range r.records {
		if rec.ID != id {
			continue
		}
		if rec.CodeHash != codeHash || rec.ConsumedAt != nil || now.After(rec.ExpiresAt) || rec.AttemptCount >= maxAttempts {
			return false, nil
		}
		at := now
		rec.ConsumedAt = &at
		rec.UpdatedAt = now
		r.records[key] = rec
		return true, nil
	}
	return false, nil
}

func (r *OTPMemoryRepository) DeleteStale(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for key, rec := range r.records {
		if rec.ExpiresAt.Before(before) || (rec.ConsumedAt != nil && rec.ConsumedAt.Before(before)) {
			delete(r.records, key)
			n++
		}
	}
	return n, nil
}

// Len возвращает количество хранимых записей.
func (r *OTPMemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
