// Package store declares the relational persistence used by the gateway.
// Backends live in subpackages (postgres, sqlite) and must push every
// cross-request invariant into a single SQL statement: counters are bumped
// with an insert-or-add upsert and tier changes are absolute conditional
// updates, so several gateway processes can share one database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/HanTheDev/capture-gateway/internal/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

type Entitlements interface {
	// CreateEntitlement inserts a new free-tier row. ErrConflict on credential collision.
	CreateEntitlement(ctx context.Context, e *models.Entitlement) error
	GetEntitlement(ctx context.Context, credential string) (*models.Entitlement, error)
	FindEntitlementByEmail(ctx context.Context, email string) (*models.Entitlement, error)
	TouchEntitlement(ctx context.Context, credential string, at time.Time) error

	// SetTier overwrites the tier and, when non-nil, the billing refs.
	// ErrNotFound when no row has that credential.
	SetTier(ctx context.Context, credential string, tier models.Tier, customerRef, subscriptionRef *string) error
	// SetTierBySubscriptionRef returns the number of rows updated (0 or 1).
	SetTierBySubscriptionRef(ctx context.Context, subscriptionRef string, tier models.Tier) (int64, error)
	// ClearTierBySubscriptionRef resets tier to free and keeps the ref as history.
	ClearTierBySubscriptionRef(ctx context.Context, subscriptionRef string) (int64, error)
}

type Ledger interface {
	// CurrentCount is the count for an anonymous (day, "", ip) key, or the sum
	// over all IPs of a credential's counters for that day.
	CurrentCount(ctx context.Context, key models.UsageKey) (int64, error)
	RecordConsumption(ctx context.Context, key models.UsageKey) error
	AppendLog(ctx context.Context, entry *models.RequestLogEntry) error
	// RecordCapture increments the counter and appends the log entry in one transaction.
	RecordCapture(ctx context.Context, key models.UsageKey, entry *models.RequestLogEntry) error

	TotalRequests(ctx context.Context, credential string) (int64, error)
	Stats(ctx context.Context, day string) (*models.Stats, error)
}

type Store interface {
	Entitlements
	Ledger
	Ping(ctx context.Context) error
	Close() error
}
