// Package storetest holds behaviour tests shared by every store backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HanTheDev/capture-gateway/internal/models"
	"github.com/HanTheDev/capture-gateway/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store; the test owns cleanup via t.Cleanup.
type Factory func(t *testing.T) store.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateConflict", func(t *testing.T) { testCreateConflict(t, newStore(t)) })
	t.Run("FindByEmailFirstMatch", func(t *testing.T) { testFindByEmail(t, newStore(t)) })
	t.Run("SetTierIdempotent", func(t *testing.T) { testSetTierIdempotent(t, newStore(t)) })
	t.Run("SetTierUnknownCredential", func(t *testing.T) { testSetTierUnknown(t, newStore(t)) })
	t.Run("SubscriptionRefUpdates", func(t *testing.T) { testSubscriptionRef(t, newStore(t)) })
	t.Run("RecordConsumptionMonotonic", func(t *testing.T) { testMonotonic(t, newStore(t)) })
	t.Run("RecordConsumptionConcurrent", func(t *testing.T) { testConcurrentIncrements(t, newStore(t)) })
	t.Run("CountsByIdentity", func(t *testing.T) { testCountsByIdentity(t, newStore(t)) })
	t.Run("RecordCaptureAndStats", func(t *testing.T) { testRecordCaptureAndStats(t, newStore(t)) })
}

func credential(n int) string {
	return fmt.Sprintf("sa_%032x", n)
}

func strptr(s string) *string { return &s }

func mustCreate(t *testing.T, s store.Store, cred, email string) {
	t.Helper()
	require.NoError(t, s.CreateEntitlement(context.Background(), &models.Entitlement{
		Credential: cred,
		Email:      email,
		Tier:       models.TierFree,
	}))
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, credential(1), "a@x.com")

	got, err := s.GetEntitlement(ctx, credential(1))
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.Email)
	assert.Equal(t, models.TierFree, got.Tier)
	assert.Nil(t, got.CustomerRef)
	assert.Nil(t, got.SubscriptionRef)
	assert.Nil(t, got.LastUsedAt)
	assert.False(t, got.CreatedAt.IsZero())

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.TouchEntitlement(ctx, credential(1), now))
	got, err = s.GetEntitlement(ctx, credential(1))
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, now.Equal(got.LastUsedAt.UTC()))

	_, err = s.GetEntitlement(ctx, credential(2))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCreateConflict(t *testing.T, s store.Store) {
	mustCreate(t, s, credential(1), "a@x.com")
	err := s.CreateEntitlement(context.Background(), &models.Entitlement{
		Credential: credential(1),
		Email:      "b@x.com",
		Tier:       models.TierFree,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetEntitlement(context.Background(), credential(1))
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.Email, "conflicting insert must not overwrite")
}

func testFindByEmail(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateEntitlement(ctx, &models.Entitlement{
		Credential: credential(1), Email: "dup@x.com", Tier: models.TierFree,
		CreatedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, s.CreateEntitlement(ctx, &models.Entitlement{
		Credential: credential(2), Email: "dup@x.com", Tier: models.TierFree,
		CreatedAt: time.Now(),
	}))

	got, err := s.FindEntitlementByEmail(ctx, "dup@x.com")
	require.NoError(t, err)
	assert.Equal(t, credential(1), got.Credential)

	_, err = s.FindEntitlementByEmail(ctx, "nobody@x.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSetTierIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, credential(1), "a@x.com")

	var states []*models.Entitlement
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SetTier(ctx, credential(1), models.TierPro, strptr("cus_1"), strptr("sub_1")))
		got, err := s.GetEntitlement(ctx, credential(1))
		require.NoError(t, err)
		states = append(states, got)
	}
	for _, st := range states {
		assert.Equal(t, states[0], st)
	}
	assert.Equal(t, models.TierPro, states[0].Tier)
	assert.Equal(t, "cus_1", *states[0].CustomerRef)
	assert.Equal(t, "sub_1", *states[0].SubscriptionRef)

	// nil refs leave the stored refs alone
	require.NoError(t, s.SetTier(ctx, credential(1), models.TierStarter, nil, nil))
	got, err := s.GetEntitlement(ctx, credential(1))
	require.NoError(t, err)
	assert.Equal(t, models.TierStarter, got.Tier)
	assert.Equal(t, "sub_1", *got.SubscriptionRef)
}

func testSetTierUnknown(t *testing.T, s store.Store) {
	err := s.SetTier(context.Background(), credential(9), models.TierPro, nil, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSubscriptionRef(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, credential(1), "a@x.com")
	require.NoError(t, s.SetTier(ctx, credential(1), models.TierStarter, strptr("cus_1"), strptr("sub_1")))

	n, err := s.SetTierBySubscriptionRef(ctx, "sub_1", models.TierPro)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.SetTierBySubscriptionRef(ctx, "sub_missing", models.TierPro)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = s.ClearTierBySubscriptionRef(ctx, "sub_1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetEntitlement(ctx, credential(1))
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, got.Tier)
	require.NotNil(t, got.SubscriptionRef, "subscription ref is kept as history")
	assert.Equal(t, "sub_1", *got.SubscriptionRef)

	n, err = s.ClearTierBySubscriptionRef(ctx, "sub_missing")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func testMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := models.UsageKey{Day: "2026-01-02", IP: "1.2.3.4"}

	got, err := s.CurrentCount(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, got)

	for i := 1; i <= 25; i++ {
		require.NoError(t, s.RecordConsumption(ctx, key))
		got, err := s.CurrentCount(ctx, key)
		require.NoError(t, err)
		require.EqualValues(t, i, got)
	}

	other, err := s.CurrentCount(ctx, models.UsageKey{Day: "2026-01-03", IP: "1.2.3.4"})
	require.NoError(t, err)
	assert.Zero(t, other, "a new day starts at zero")
}

func testConcurrentIncrements(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := models.UsageKey{Day: "2026-01-02", Credential: credential(1), IP: "1.2.3.4"}

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				errs <- s.RecordConsumption(ctx, key)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.CurrentCount(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, workers*perWorker, got, "no increment may be lost")
}

func testCountsByIdentity(t *testing.T, s store.Store) {
	ctx := context.Background()
	day := "2026-01-02"
	cred := credential(1)

	require.NoError(t, s.RecordConsumption(ctx, models.UsageKey{Day: day, Credential: cred, IP: "1.1.1.1"}))
	require.NoError(t, s.RecordConsumption(ctx, models.UsageKey{Day: day, Credential: cred, IP: "2.2.2.2"}))
	require.NoError(t, s.RecordConsumption(ctx, models.UsageKey{Day: day, IP: "1.1.1.1"}))

	keyed, err := s.CurrentCount(ctx, models.UsageKey{Day: day, Credential: cred, IP: "9.9.9.9"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, keyed, "a credential's quota spans IPs")

	anon, err := s.CurrentCount(ctx, models.UsageKey{Day: day, IP: "1.1.1.1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, anon, "keyed usage does not count against the anonymous IP")
}

func testRecordCaptureAndStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	day := "2026-01-02"
	cred := credential(1)
	now := time.Now().UTC()

	entry := func(status models.RequestStatus, ip string, c string) *models.RequestLogEntry {
		return &models.RequestLogEntry{
			ID:         ulid.Make().String(),
			Credential: c,
			IP:         ip,
			Target:     "https://example.com",
			Format:     "png",
			DurationMs: 120,
			Status:     status,
			CreatedAt:  now,
		}
	}

	require.NoError(t, s.RecordCapture(ctx, models.UsageKey{Day: day, Credential: cred, IP: "1.1.1.1"}, entry(models.StatusSuccess, "1.1.1.1", cred)))
	require.NoError(t, s.RecordCapture(ctx, models.UsageKey{Day: day, IP: "2.2.2.2"}, entry(models.StatusSuccess, "2.2.2.2", "")))
	require.NoError(t, s.AppendLog(ctx, entry(models.StatusFailure, "1.1.1.1", cred)))

	total, err := s.TotalRequests(ctx, cred)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total, "failed attempts count toward the lifetime total")

	st, err := s.Stats(ctx, day)
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.TotalRequests)
	assert.EqualValues(t, 2, st.TodayRequests)
	assert.EqualValues(t, 2, st.UniqueIPs)
}
