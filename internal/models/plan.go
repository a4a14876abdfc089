package models

import (
	pkgerrors "github.com/honeynil/creditledger/pkg/errors"
)

type Plan string

const (
	PlanBasic    Plan = "Basic"
	PlanAdvanced Plan = "Advanced"
	PlanBusiness Plan = "Business"
)

// ParsePlan maps a client-supplied plan identifier onto the closed set of
// purchasable plans.
func ParsePlan(id string) (Plan, error) {
	switch Plan(id) {
	case PlanBasic, PlanAdvanced, PlanBusiness:
		return Plan(id), nil
	default:
		return "", pkgerrors.ErrPlanNotFound
	}
}

func (p Plan) String() string {
	return string(p)
}
