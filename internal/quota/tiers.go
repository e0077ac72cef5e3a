package quota

import "github.com/HanTheDev/capture-gateway/internal/models"

// dailyLimits is the per-UTC-day capture allowance for each tier.
var dailyLimits = map[models.Tier]int64{
	models.TierAnonymous: 10,
	models.TierFree:      100,
	models.TierStarter:   2500,
	models.TierPro:       10000,
}

// DailyLimit returns the allowance for tier. Unknown tiers get the free allowance.
func DailyLimit(tier models.Tier) int64 {
	if limit, ok := dailyLimits[tier]; ok {
		return limit
	}
	return dailyLimits[models.TierFree]
}

// Remaining is max(0, limit-used).
func Remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
