package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	apierrors "github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/errors"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/keylock"
)

func seedUser(t *testing.T, env *testEnv, userID string) {
	t.Helper()
	env.grant(t, userID)
	ctx := context.Background()
	_, err := env.readings.Append(ctx, userID, glucose(120, testBase))
	require.NoError(t, err)
	_, err = env.readings.Append(ctx, userID, glucose(310, testBase.Add(time.Hour)))
	require.NoError(t, err)
	_, err = env.analytics.Summarize(ctx, userID, models.TimeRange{From: testBase, To: testBase.Add(24 * time.Hour)}, models.SummaryOptions{})
	require.NoError(t, err)
}

func TestLifecycleService_ExportEraseExport(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env, "user-1")
	ctx := context.Background()

	bundle, err := env.lifecycle.Export(ctx, "user-1", models.ConsentContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ExportFormatVersion, bundle.FormatVersion)
	assert.Equal(t, models.ConsentGranted, bundle.Consent.Status)
	assert.Len(t, bundle.ConsentHistory, 1)
	assert.Len(t, bundle.Readings, 2)
	assert.Len(t, bundle.Alerts, 1)
	assert.Contains(t, env.audit.events(), models.AuditEventDataExported)

	receipt, err := env.lifecycle.Erase(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", receipt.UserID)
	assert.Equal(t, int64(2), receipt.Deleted.Readings)
	assert.Equal(t, int64(1), receipt.Deleted.AlertEvents)
	assert.Equal(t, int64(1), receipt.Deleted.Consents)

	_, err = env.lifecycle.Export(ctx, "user-1", models.ConsentContext{})
	assert.ErrorIs(t, err, apierrors.ErrUserErased)

	got, err := env.lifecycle.GetReceipt(ctx, receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, receipt, got)

	// The account is gone for every component.
	_, err = env.readings.Append(ctx, "user-1", glucose(100, testBase.Add(2*time.Hour)))
	assert.ErrorIs(t, err, apierrors.ErrUserErased)
	_, err = env.consent.Grant(ctx, "user-1", 1, models.ConsentContext{})
	assert.ErrorIs(t, err, apierrors.ErrUserErased)
	_, err = env.disclaimer.Wrap(ctx, "user-1", "hello")
	assert.ErrorIs(t, err, apierrors.ErrUserErased)

	gen, err := env.snapshots.Generation(ctx, "user-1")
	require.NoError(t, err)
	snap, err := env.snapshots.Get(ctx, cacheKey("user-1", testBase, testBase.Add(24*time.Hour)))
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Positive(t, gen)

	assert.Contains(t, env.publisher.users, "user-1")
}

func TestLifecycleService_EraseTwice(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env, "user-1")
	ctx := context.Background()

	first, err := env.lifecycle.Erase(ctx, "user-1")
	require.NoError(t, err)
	second, err := env.lifecycle.Erase(ctx, "user-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, env.store.deleteCalls)
}

func TestLifecycleService_Erase_PartialFailureThenRetry(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env, "user-1")
	ctx := context.Background()

	env.store.failDelete = 1
	_, err := env.lifecycle.Erase(ctx, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apierrors.ErrErasurePartialFailure)
	assert.Equal(t, 2, env.store.readingCount("user-1"), "a failed delete must leave data intact")

	intent := env.store.intents["user-1"]
	require.NotNil(t, intent.LastError)
	assert.Contains(t, *intent.LastError, "delete_records")

	receipt, err := env.lifecycle.Erase(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, intent.ID, receipt.ID)
	assert.Equal(t, int64(2), receipt.Deleted.Readings)
	assert.Equal(t, 0, env.store.readingCount("user-1"))
}

func TestLifecycleService_Erase_PurgeFailureThenRetry(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env, "user-1")
	ctx := context.Background()

	env.snapshots.failPurge = 1
	_, err := env.lifecycle.Erase(ctx, "user-1")
	assert.ErrorIs(t, err, apierrors.ErrErasurePartialFailure)

	// Records are already gone; the replay deletes nothing but keeps the
	// counts of the first run.
	receipt, err := env.lifecycle.Erase(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), receipt.Deleted.Readings)
	assert.Equal(t, 2, env.store.deleteCalls)
}

func TestLifecycleService_ReplayPending(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env, "user-1")
	ctx := context.Background()

	env.store.failDelete = 1
	_, err := env.lifecycle.Erase(ctx, "user-1")
	require.Error(t, err)

	env.store.mu.Lock()
	env.store.intents["user-1"].UpdatedAt = time.Now().Add(-time.Hour)
	env.store.mu.Unlock()

	done, err := env.lifecycle.ReplayPending(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	receipt, err := env.lifecycle.Erase(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, env.store.intents["user-1"].ID, receipt.ID)
	assert.Equal(t, models.ErasureCompleted, env.store.intents["user-1"].Status)
}

func TestLifecycleService_Export_UnknownUser(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.lifecycle.Export(context.Background(), "ghost", models.ConsentContext{})
	assert.ErrorIs(t, err, apierrors.ErrNotFound)
}

func TestLifecycleService_Erase_UnknownUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.lifecycle.Erase(ctx, "ghost")
	assert.ErrorIs(t, err, apierrors.ErrNotFound)
	assert.Empty(t, env.store.intents)
	assert.Empty(t, env.store.tombstones)
	assert.Empty(t, env.store.receipts)
	assert.Equal(t, 0, env.store.deleteCalls)

	// Nothing was tombstoned, so the id can still sign up.
	env.grant(t, "ghost")
	assert.NoError(t, env.consent.Require(ctx, "ghost"))
}

func TestLifecycleService_Export_LockTimeout(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env, "user-1")

	svc := NewLifecycleService(memLifecycleRepo{env.store}, env.analytics, env.consent, nil, env.audit, nil,
		env.locks, 20*time.Millisecond, testLogger())

	release, err := env.locks.RLock(context.Background(), keylock.UserKey("user-1"))
	require.NoError(t, err)
	defer release()

	_, err = svc.Export(context.Background(), "user-1", models.ConsentContext{})
	assert.ErrorIs(t, err, apierrors.ErrLockTimeout)

	_, err = svc.Erase(context.Background(), "user-1")
	assert.ErrorIs(t, err, apierrors.ErrLockTimeout)
	assert.Equal(t, 0, env.store.deleteCalls)
}

func TestLifecycleService_GetReceipt_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.lifecycle.GetReceipt(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	assert.ErrorIs(t, err, apierrors.ErrNotFound)
}
