package billing

import (
	"context"
	"errors"

	"github.com/HanTheDev/capture-gateway/internal/auth"
	"github.com/HanTheDev/capture-gateway/internal/entitlement"
	"github.com/HanTheDev/capture-gateway/internal/models"
	"go.uber.org/zap"
)

type Entitlements interface {
	FindByEmail(ctx context.Context, email string) (*models.Entitlement, error)
	SetTier(ctx context.Context, credential string, tier models.Tier, customerRef, subscriptionRef *string) error
	SetTierBySubscriptionRef(ctx context.Context, subscriptionRef string, tier models.Tier) (bool, error)
	ClearTierBySubscriptionRef(ctx context.Context, subscriptionRef string) (bool, error)
}

type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeUnmatched  Outcome = "unmatched"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeIgnored    Outcome = "ignored"
)

type Reconciler struct {
	entitlements Entitlements
	catalog      *Catalog
	log          *zap.Logger
}

func NewReconciler(entitlements Entitlements, catalog *Catalog, log *zap.Logger) *Reconciler {
	return &Reconciler{entitlements: entitlements, catalog: catalog, log: log}
}

// Apply moves the matching entitlement to the tier the event implies. Events
// that resolve to no identity are dropped with a log line; only store failures
// are returned.
func (r *Reconciler) Apply(ctx context.Context, ev *Event) (Outcome, error) {
	log := r.log.With(
		zap.String("event_type", string(ev.Type)),
		zap.String("subscription_ref", ev.SubscriptionRef),
		zap.String("product_ref", ev.ProductRef),
	)

	switch ev.Type {
	case EventSubscriptionActive:
		return r.activate(ctx, ev, log)
	case EventSubscriptionPlanChanged:
		return r.changePlan(ctx, ev, log)
	case EventSubscriptionCancelled, EventSubscriptionExpired:
		return r.clear(ctx, ev, log)
	default:
		log.Debug("ignoring billing event")
		return OutcomeIgnored, nil
	}
}

func (r *Reconciler) activate(ctx context.Context, ev *Event, log *zap.Logger) (Outcome, error) {
	tier := r.catalog.TierFor(ev.ProductRef)
	customerRef, subscriptionRef := optional(ev.CustomerRef), optional(ev.SubscriptionRef)

	if ev.Credential != "" {
		err := r.entitlements.SetTier(ctx, ev.Credential, tier, customerRef, subscriptionRef)
		if err == nil {
			log.Info("subscription activated", zap.String("credential", auth.Redact(ev.Credential)), zap.String("tier", string(tier)))
			return OutcomeApplied, nil
		}
		if !errors.Is(err, entitlement.ErrNotFound) {
			return "", err
		}
		log.Warn("event credential is not registered, falling back to email", zap.String("credential", auth.Redact(ev.Credential)))
	}

	if ev.CustomerEmail == "" {
		log.Warn("dropping subscription.active: no credential or email")
		return OutcomeUnresolved, nil
	}
	e, err := r.entitlements.FindByEmail(ctx, ev.CustomerEmail)
	if errors.Is(err, entitlement.ErrNotFound) {
		log.Warn("dropping subscription.active: no identity for customer email")
		return OutcomeUnresolved, nil
	}
	if err != nil {
		return "", err
	}

	if err := r.entitlements.SetTier(ctx, e.Credential, tier, customerRef, subscriptionRef); err != nil {
		return "", err
	}
	log.Info("subscription activated by email", zap.String("credential", auth.Redact(e.Credential)), zap.String("tier", string(tier)))
	return OutcomeApplied, nil
}

// changePlan prefers the subscription ref. When no record carries it yet, as
// when plan_changed overtakes active, the credential in metadata is used.
func (r *Reconciler) changePlan(ctx context.Context, ev *Event, log *zap.Logger) (Outcome, error) {
	tier := r.catalog.TierFor(ev.ProductRef)

	if ev.SubscriptionRef != "" {
		matched, err := r.entitlements.SetTierBySubscriptionRef(ctx, ev.SubscriptionRef, tier)
		if err != nil {
			return "", err
		}
		if matched {
			log.Info("plan changed", zap.String("tier", string(tier)))
			return OutcomeApplied, nil
		}
	}

	if ev.Credential == "" {
		log.Warn("plan change matched no identity")
		return OutcomeUnmatched, nil
	}
	err := r.entitlements.SetTier(ctx, ev.Credential, tier, optional(ev.CustomerRef), optional(ev.SubscriptionRef))
	if errors.Is(err, entitlement.ErrNotFound) {
		log.Warn("plan change matched no identity", zap.String("credential", auth.Redact(ev.Credential)))
		return OutcomeUnmatched, nil
	}
	if err != nil {
		return "", err
	}
	log.Info("plan changed by credential", zap.String("credential", auth.Redact(ev.Credential)), zap.String("tier", string(tier)))
	return OutcomeApplied, nil
}

func (r *Reconciler) clear(ctx context.Context, ev *Event, log *zap.Logger) (Outcome, error) {
	if ev.SubscriptionRef == "" {
		log.Warn("subscription end without subscription ref")
		return OutcomeUnmatched, nil
	}
	matched, err := r.entitlements.ClearTierBySubscriptionRef(ctx, ev.SubscriptionRef)
	if err != nil {
		return "", err
	}
	if !matched {
		log.Info("subscription end matched no identity")
		return OutcomeUnmatched, nil
	}
	log.Info("subscription ended, tier reset to free")
	return OutcomeApplied, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
