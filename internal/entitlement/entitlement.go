package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HanTheDev/capture-gateway/internal/auth"
	"github.com/HanTheDev/capture-gateway/internal/models"
	"github.com/HanTheDev/capture-gateway/internal/store"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Lookup for unknown and malformed credentials alike.
var ErrNotFound = errors.New("entitlement not found")

type Service struct {
	store store.Entitlements
	gen   auth.Generator
	log   *zap.Logger
	now   func() time.Time
}

func NewService(s store.Entitlements, gen auth.Generator, log *zap.Logger) *Service {
	return &Service{store: s, gen: gen, log: log, now: time.Now}
}

// Register issues a fresh credential on the free tier. A credential collision
// is retried once with a new credential before giving up.
func (s *Service) Register(ctx context.Context, email string) (*models.Entitlement, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		credential, err := s.gen.NewCredential()
		if err != nil {
			return nil, fmt.Errorf("generate credential: %w", err)
		}

		e := &models.Entitlement{
			Credential: credential,
			Email:      email,
			Tier:       models.TierFree,
			CreatedAt:  s.now().UTC(),
		}
		err = s.store.CreateEntitlement(ctx, e)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		s.log.Warn("credential collision on register", zap.Int("attempt", attempt+1))
		lastErr = err
	}
	return nil, fmt.Errorf("register: credential collision after retry: %w", lastErr)
}

// Lookup resolves a credential. The last_used_at bump is best-effort and its
// failure never fails the lookup.
func (s *Service) Lookup(ctx context.Context, credential string) (*models.Entitlement, error) {
	if !auth.WellFormed(credential) {
		return nil, ErrNotFound
	}

	e, err := s.store.GetEntitlement(ctx, credential)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.TouchEntitlement(ctx, credential, s.now().UTC()); err != nil {
		s.log.Warn("failed to update last_used_at", zap.String("credential", auth.Redact(credential)), zap.Error(err))
	}
	return e, nil
}

// Peek reads without touching last_used_at.
func (s *Service) Peek(ctx context.Context, credential string) (*models.Entitlement, error) {
	if !auth.WellFormed(credential) {
		return nil, ErrNotFound
	}
	e, err := s.store.GetEntitlement(ctx, credential)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *Service) FindByEmail(ctx context.Context, email string) (*models.Entitlement, error) {
	e, err := s.store.FindEntitlementByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return e, err
}

// SetTier is an absolute write and safe to repeat with the same arguments.
func (s *Service) SetTier(ctx context.Context, credential string, tier models.Tier, customerRef, subscriptionRef *string) error {
	err := s.store.SetTier(ctx, credential, tier, customerRef, subscriptionRef)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// SetTierBySubscriptionRef reports whether a record matched. No match is not an error.
func (s *Service) SetTierBySubscriptionRef(ctx context.Context, subscriptionRef string, tier models.Tier) (bool, error) {
	n, err := s.store.SetTierBySubscriptionRef(ctx, subscriptionRef, tier)
	return n > 0, err
}

func (s *Service) ClearTierBySubscriptionRef(ctx context.Context, subscriptionRef string) (bool, error) {
	n, err := s.store.ClearTierBySubscriptionRef(ctx, subscriptionRef)
	return n > 0, err
}
