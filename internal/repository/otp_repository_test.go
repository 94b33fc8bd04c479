package repository_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wetoo/backend/internal/db"
	"github.com/wetoo/backend/internal/models"
	"github.com/wetoo/backend/internal/otp"
	"github.com/wetoo/backend/internal/repository"
)

// storeFactory создаёт чистое хранилище для одного подтеста.
type storeFactory func(t *testing.T) otp.Store

func memoryStore(t *testing.T) otp.Store {
	return repository.NewOTPMemoryRepository()
}

// postgresStore требует OTP_TEST_DATABASE_URL; без неё тест пропускается.
func postgresStore(t *testing.T) otp.Store {
	dsn := os.Getenv("OTP_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("OTP_TEST_DATABASE_URL не задан")
	}
	ctx := context.Background()
	conn, err := db.NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, db.RunMigrations(ctx, conn, db.Migrations()))
	_, err = conn.ExecContext(ctx, `TRUNCATE otp_records`)
	require.NoError(t, err)
	return repository.NewOTPRepository(conn)
}

func newRecord(identity string, purpose models.Purpose, hash string, now time.Time) *models.OTPRecord {
	return &models.OTPRecord{
		ID:        uuid.New(),
		Identity:  identity,
		Purpose:   purpose,
		CodeHash:  hash,
		ExpiresAt: now.Add(10 * time.Minute),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOTPStores(t *testing.T) {
	stores := map[string]storeFactory{
		"memory":   memoryStore,
		"postgres": postgresStore,
	}
	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			t.Run("upsert replaces record", func(t *testing.T) { testUpsertReplaces(t, factory(t)) })
			t.Run("mark consumed is conditional", func(t *testing.T) { testMarkConsumed(t, factory(t)) })
			t.Run("attempts", func(t *testing.T) { testRecordAttempt(t, factory(t)) })
			t.Run("concurrent attempts", func(t *testing.T) { testConcurrentAttempts(t, factory(t)) })
			t.Run("delete stale", func(t *testing.T) { testDeleteStale(t, factory(t)) })
		})
	}
}

func testUpsertReplaces(t *testing.T, store otp.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	first := newRecord("a@example.com", models.PurposeRegistration, "hash-1", now)
	require.NoError(t, store.Upsert(ctx, first))
	res, err := store.RecordAttempt(ctx, first.ID, "wrong", now, 5)
	require.NoError(t, err)
	require.True(t, res.Applied)

	second := newRecord("a@example.com", models.PurposeRegistration, "hash-2", now.Add(time.Second))
	require.NoError(t, store.Upsert(ctx, second))

	got, err := store.Get(ctx, "a@example.com", models.PurposeRegistration)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, "hash-2", got.CodeHash)
	assert.Zero(t, got.AttemptCount)
	assert.Nil(t, got.ConsumedAt)

	_, err = store.Get(ctx, "a@example.com", models.PurposePasswordReset)
	assert.ErrorIs(t, err, repository.ErrOTPRecordNotFound)
}

func testMarkConsumed(t *testing.T, store otp.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	rec := newRecord("b@example.com", models.PurposePasswordReset, "hash", now)
	require.NoError(t, store.Upsert(ctx, rec))

	ok, err := store.MarkConsumed(ctx, rec.ID, "other-hash", now, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.MarkConsumed(ctx, rec.ID, "hash", rec.ExpiresAt.Add(time.Second), 5)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.MarkConsumed(ctx, rec.ID, "hash", now, 5)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkConsumed(ctx, rec.ID, "hash", now, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "b@example.com", models.PurposePasswordReset)
	require.NoError(t, err)
	assert.True(t, got.IsConsumed())
}

func testRecordAttempt(t *testing.T, store otp.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	rec := newRecord("c@example.com", models.PurposeRegistration, "hash", now)
	require.NoError(t, store.Upsert(ctx, rec))

	res, err := store.RecordAttempt(ctx, rec.ID, "hash", now, 3)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptResult{Applied: true, Matched: true, Attempts: 0}, res)

	for want := 1; want <= 3; want++ {
		res, err := store.RecordAttempt(ctx, rec.ID, "wrong", now, 3)
		require.NoError(t, err)
		assert.Equal(t, models.AttemptResult{Applied: true, Matched: false, Attempts: want}, res)
	}

	// После потолка не сравнивается даже верный хэш.
	res, err = store.RecordAttempt(ctx, rec.ID, "hash", now, 3)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	ok, err := store.MarkConsumed(ctx, rec.ID, "hash", now, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	res, err = store.RecordAttempt(ctx, rec.ID, "hash", rec.ExpiresAt.Add(time.Second), 10)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	res, err = store.RecordAttempt(ctx, uuid.New(), "hash", now, 3)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	got, err := store.Get(ctx, "c@example.com", models.PurposeRegistration)
	require.NoError(t, err)
	assert.Equal(t, 3, got.AttemptCount)
}

func testConcurrentAttempts(t *testing.T, store otp.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	rec := newRecord("d@example.com", models.PurposeRegistration, "hash", now)
	require.NoError(t, store.Upsert(ctx, rec))

	var (
		wg      sync.WaitGroup
		applied int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.RecordAttempt(ctx, rec.ID, "wrong", now, 3)
			assert.NoError(t, err)
			if res.Applied {
				atomic.AddInt32(&applied, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), applied)
	got, err := store.Get(ctx, "d@example.com", models.PurposeRegistration)
	require.NoError(t, err)
	assert.Equal(t, 3, got.AttemptCount)
}

func testDeleteStale(t *testing.T, store otp.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	old := newRecord("old@example.com", models.PurposeRegistration, "hash", now.Add(-48*time.Hour))
	fresh := newRecord("fresh@example.com", models.PurposeRegistration, "hash", now)
	require.NoError(t, store.Upsert(ctx, old))
	require.NoError(t, store.Upsert(ctx, fresh))

	n, err := store.DeleteStale(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, "old@example.com", models.PurposeRegistration)
	assert.ErrorIs(t, err, repository.ErrOTPRecordNotFound)
	_, err = store.Get(ctx, "fresh@example.com", models.PurposeRegistration)
	assert.NoError(t, err)
}
