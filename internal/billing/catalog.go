package billing

import "github.com/HanTheDev/capture-gateway/internal/models"

// Catalog maps provider product ids to tiers. It is fixed at startup.
type Catalog struct {
	byProduct map[string]models.Tier
	byTier    map[models.Tier]string
}

func NewCatalog(starterProductID, proProductID string) *Catalog {
	c := &Catalog{
		byProduct: map[string]models.Tier{},
		byTier:    map[models.Tier]string{},
	}
	if starterProductID != "" {
		c.byProduct[starterProductID] = models.TierStarter
		c.byTier[models.TierStarter] = starterProductID
	}
	if proProductID != "" {
		c.byProduct[proProductID] = models.TierPro
		c.byTier[models.TierPro] = proProductID
	}
	return c
}

// TierFor returns free for any product it does not know.
func (c *Catalog) TierFor(productRef string) models.Tier {
	if tier, ok := c.byProduct[productRef]; ok && productRef != "" {
		return tier
	}
	return models.TierFree
}

func (c *Catalog) ProductFor(tier models.Tier) (string, bool) {
	id, ok := c.byTier[tier]
	return id, ok
}
