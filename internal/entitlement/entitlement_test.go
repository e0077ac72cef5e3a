package entitlement

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/HanTheDev/capture-gateway/internal/models"
	"github.com/HanTheDev/capture-gateway/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type seqGenerator struct {
	values []string
	calls  int
}

func (g *seqGenerator) NewCredential() (string, error) {
	v := g.values[g.calls%len(g.values)]
	g.calls++
	return v, nil
}

type failingTouch struct {
	*sqlite.Store
}

func (failingTouch) TouchEntitlement(context.Context, string, time.Time) error {
	return errors.New("database is locked")
}

const (
	credA = "sa_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	credB = "sa_bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open("file:" + filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegisterThenLookup(t *testing.T) {
	svc := NewService(newStore(t), &seqGenerator{values: []string{credA}}, zap.NewNop())
	ctx := context.Background()

	e, err := svc.Register(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, credA, e.Credential)
	assert.Equal(t, models.TierFree, e.Tier)

	got, err := svc.Lookup(ctx, credA)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, got.Tier)
	assert.Equal(t, "a@x.com", got.Email)

	peek, err := svc.Peek(ctx, credA)
	require.NoError(t, err)
	assert.NotNil(t, peek.LastUsedAt, "lookup records last use")
}

func TestRegisterRetriesOnceOnCollision(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	gen := &seqGenerator{values: []string{credA, credA, credB}}
	svc := NewService(s, gen, zap.NewNop())

	_, err := svc.Register(ctx, "first@x.com")
	require.NoError(t, err)

	e, err := svc.Register(ctx, "second@x.com")
	require.NoError(t, err)
	assert.Equal(t, credB, e.Credential)
	assert.Equal(t, 3, gen.calls)
}

func TestRegisterGivesUpAfterSecondCollision(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	svc := NewService(s, &seqGenerator{values: []string{credA}}, zap.NewNop())

	_, err := svc.Register(ctx, "first@x.com")
	require.NoError(t, err)

	_, err = svc.Register(ctx, "second@x.com")
	require.Error(t, err)
}

func TestLookupMalformedAndUnknown(t *testing.T) {
	svc := NewService(newStore(t), &seqGenerator{values: []string{credA}}, zap.NewNop())
	ctx := context.Background()

	for _, c := range []string{"", "garbage", "sa_short", credB} {
		_, err := svc.Lookup(ctx, c)
		assert.ErrorIs(t, err, ErrNotFound, c)
	}
}

func TestLookupSurvivesTouchFailure(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateEntitlement(ctx, &models.Entitlement{Credential: credA, Email: "a@x.com", Tier: models.TierFree}))

	svc := NewService(failingTouch{s}, &seqGenerator{values: []string{credB}}, zap.NewNop())
	got, err := svc.Lookup(ctx, credA)
	require.NoError(t, err)
	assert.Equal(t, credA, got.Credential)
}

func TestSubscriptionMutationsAreNoOpsWhenUnmatched(t *testing.T) {
	svc := NewService(newStore(t), &seqGenerator{values: []string{credA}}, zap.NewNop())
	ctx := context.Background()

	matched, err := svc.SetTierBySubscriptionRef(ctx, "sub_unknown", models.TierPro)
	require.NoError(t, err)
	assert.False(t, matched)

	matched, err = svc.ClearTierBySubscriptionRef(ctx, "sub_unknown")
	require.NoError(t, err)
	assert.False(t, matched)

	assert.ErrorIs(t, svc.SetTier(ctx, credB, models.TierPro, nil, nil), ErrNotFound)
}
