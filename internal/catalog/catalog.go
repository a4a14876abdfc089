// Package catalog maps purchasable plans to the credits they grant and the
// price charged for them.
package catalog

import (
	"github.com/honeynil/creditledger/internal/models"
	pkgerrors "github.com/honeynil/creditledger/pkg/errors"
)

// Price is fixed onto a transaction when it is created. Amount is in whole
// currency units; gateways convert to minor units.
type Price struct {
	Credits int64
	Amount  int64
}

// Catalog is immutable after construction and safe for concurrent use.
type Catalog struct {
	prices map[models.Plan]Price
}

func Default() *Catalog {
	return New(map[models.Plan]Price{
		models.PlanBasic:    {Credits: 100, Amount: 10},
		models.PlanAdvanced: {Credits: 500, Amount: 50},
		models.PlanBusiness: {Credits: 5000, Amount: 250},
	})
}

// New copies prices so later changes to the caller's map are not observed.
func New(prices map[models.Plan]Price) *Catalog {
	c := &Catalog{prices: make(map[models.Plan]Price, len(prices))}
	for plan, price := range prices {
		c.prices[plan] = price
	}
	return c
}

func (c *Catalog) Resolve(planID string) (models.Plan, Price, error) {
	plan, err := models.ParsePlan(planID)
	if err != nil {
		return "", Price{}, err
	}
	price, ok := c.prices[plan]
	if !ok {
		return "", Price{}, pkgerrors.ErrPlanNotFound
	}
	return plan, price, nil
}
