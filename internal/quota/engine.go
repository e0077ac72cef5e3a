// Package quota decides whether a caller may consume one more capture today.
//
// Admit reads the current count and returns; the count is only bumped later,
// after a capture succeeds. Concurrent requests for one identity can therefore
// all observe used < limit and overshoot the limit by up to the number of
// in-flight requests. That overshoot is accepted so that a capture is never
// billed before it has actually been produced.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/HanTheDev/capture-gateway/internal/apperr"
	"github.com/HanTheDev/capture-gateway/internal/entitlement"
	"github.com/HanTheDev/capture-gateway/internal/metrics"
	"github.com/HanTheDev/capture-gateway/internal/models"
)

type Lookuper interface {
	Lookup(ctx context.Context, credential string) (*models.Entitlement, error)
}

type Counter interface {
	CurrentCount(ctx context.Context, key models.UsageKey) (int64, error)
}

type Request struct {
	// Credential is the raw credential string; empty means anonymous.
	Credential string
	IP         string
}

type Decision struct {
	Allowed   bool
	Tier      models.Tier
	Key       models.UsageKey
	Limit     int64
	Used      int64
	Remaining int64
	ResetAt   time.Time
}

// Err is nil for an allowed decision and a QuotaExceeded error otherwise.
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.QuotaExceeded(d.ResetAt)
}

type Engine struct {
	entitlements Lookuper
	counter      Counter
	now          func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(entitlements Lookuper, counter Counter, opts ...Option) *Engine {
	e := &Engine{entitlements: entitlements, counter: counter, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Admit returns the decision for one request. A supplied but unknown
// credential is rejected as Unauthorized and never downgraded to anonymous.
func (e *Engine) Admit(ctx context.Context, req Request) (*Decision, error) {
	now := e.now()
	tier := models.TierAnonymous

	if req.Credential != "" {
		ent, err := e.entitlements.Lookup(ctx, req.Credential)
		if errors.Is(err, entitlement.ErrNotFound) {
			metrics.AdmissionsTotal.WithLabelValues("invalid", "unauthorized").Inc()
			return nil, apperr.Unauthorized("Invalid API key")
		}
		if err != nil {
			return nil, apperr.Internal(err)
		}
		tier = ent.Tier
	}

	key := models.UsageKey{Day: models.Day(now), Credential: req.Credential, IP: req.IP}
	used, err := e.counter.CurrentCount(ctx, key)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	limit := DailyLimit(tier)
	d := &Decision{
		Allowed:   used < limit,
		Tier:      tier,
		Key:       key,
		Limit:     limit,
		Used:      used,
		Remaining: Remaining(limit, used),
		ResetAt:   models.NextMidnight(now),
	}

	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	metrics.AdmissionsTotal.WithLabelValues(string(tier), outcome).Inc()
	return d, nil
}
