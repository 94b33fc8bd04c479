package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Purpose определяет, для какого действия выпущен одноразовый код.
type Purpose string

const (
	PurposeRegistration  Purpose = "registration"
	PurposePasswordReset Purpose = "password_reset"
)

// ParsePurpose нормализует и проверяет строковое значение цели.
func ParsePurpose(raw string) (Purpose, error) {
	p := Purpose(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case PurposeRegistration, PurposePasswordReset:
		return p, nil
	}
	return "", fmt.Errorf("неизвестная цель кода: %q", raw)
}

// OTPRecord - запись об одноразовом коде. Сам код не хранится, только его хэш.
type OTPRecord struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Identity     string     `db:"identity" json:"identity"`
	Purpose      Purpose    `db:"purpose" json:"purpose"`
	CodeHash     string     `db:"code_hash" json:"-"`
	ExpiresAt    time.Time  `db:"expires_at" json:"expires_at"`
	ConsumedAt   *time.Time `db:"consumed_at" json:"consumed_at,omitempty"`
	AttemptCount int        `db:"attempt_count" json:"attempt_count"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// IsConsumed сообщает, был ли код уже использован.
func (r *OTPRecord) IsConsumed() bool {
	return r.ConsumedAt != nil
}

// IsExpired сообщает, истёк ли код к моменту now.
func (r *OTPRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// IsLocked сообщает, исчерпан ли лимит неудачных попыток.
func (r *OTPRecord) IsLocked(maxAttempts int) bool {
	return maxAttempts > 0 && r.AttemptCount >= maxAttempts
}

// AttemptResult - итог одной атомарной попытки ввода кода.
// Applied=false: запись уже непригодна (использована, истекла, заблокирована или заменена),
// попытка не сравнивалась и не учитывалась.
type AttemptResult struct {
	Applied  bool
	Matched  bool
	Attempts int
}
