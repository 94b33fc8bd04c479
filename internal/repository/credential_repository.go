package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"github.com/wetoo/backend/internal/repository/common"
)

// ErrAccountNotFound возвращается, если ни в одной таблице аккаунтов нет такого email.
var ErrAccountNotFound = errors.New("account not found")

// Таблицы аккаунтов студентов и пожилых пользователей (схема ведётся внешним слоем).
var credentialTables = []string{"students", "seniors"}

// CredentialRepository обновляет пароль аккаунта после успешного использования кода сброса.
type CredentialRepository struct {
	db   *sqlx.DB
	cost int
}

// NewCredentialRepository создаёт экземпляр репозитория.
func NewCredentialRepository(db *sqlx.DB) *CredentialRepository {
	return &CredentialRepository{db: db, cost: bcrypt.DefaultCost}
}

// UpdateCredential хэширует новый пароль и сохраняет его для всех аккаунтов с данным email.
func (r *CredentialRepository) UpdateCredential(ctx context.Context, identity, newCredential string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newCredential), r.cost)
	if err != nil {
		return fmt.Errorf("credential repository: hash %w", err)
	}

	email := strings.ToLower(strings.TrimSpace(identity))
	return common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		var updated int64
		for _, table := range credentialTables {
			query := `UPDATE ` + table + ` SET password = $1, "updatedAt" = NOW() WHERE LOWER(email) = $2`
			res, err := tx.ExecContext(ctx, query, string(hash), email)
			if err != nil {
				return fmt.Errorf("credential repository: update %s %w", table, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("credential repository: rows %s %w", table, err)
			}
			updated += n
		}
		if updated == 0 {
			return ErrAccountNotFound
		}
		return nil
	})
}
