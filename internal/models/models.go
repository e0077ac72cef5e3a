package models

import "time"

type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFree      Tier = "free"
	TierStarter   Tier = "starter"
	TierPro       Tier = "pro"
)

// ParseTier accepts the tiers a registered identity can hold. Anonymous is
// never stored, so it is rejected here.
func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierFree, TierStarter, TierPro:
		return Tier(s), true
	}
	return "", false
}

type Entitlement struct {
	Credential      string     `json:"credential"`
	Email           string     `json:"email"`
	Tier            Tier       `json:"tier"`
	CustomerRef     *string    `json:"customer_ref,omitempty"`
	SubscriptionRef *string    `json:"subscription_ref,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
}

// UsageKey identifies one daily counter. Credential is empty for anonymous callers.
type UsageKey struct {
	Day        string
	Credential string
	IP         string
}

type RequestStatus string

const (
	StatusSuccess RequestStatus = "success"
	StatusFailure RequestStatus = "failure"
)

type RequestLogEntry struct {
	ID         string        `json:"id"`
	Credential string        `json:"credential,omitempty"`
	IP         string        `json:"ip"`
	Target     string        `json:"target"`
	Format     string        `json:"format"`
	DurationMs int64         `json:"duration_ms"`
	Status     RequestStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

type Stats struct {
	TotalRequests int64 `json:"totalRequests"`
	TodayRequests int64 `json:"todayRequests"`
	UniqueIPs     int64 `json:"uniqueIPs"`
}

// Day formats t as the UTC calendar date used to key usage counters.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NextMidnight returns the start of the UTC day after t.
func NextMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
