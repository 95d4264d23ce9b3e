// Package plan defines prepaid energy plans.
package plan

import (
	"time"

	"github.com/xraph/metering/id"
	"github.com/xraph/metering/types"
)

// Plan is a purchasable energy allowance. TotalQuota is expressed in kWh.
type Plan struct {
	types.Entity
	ID           id.PlanID `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	TotalQuota   float64   `json:"total_quota"`
	DurationDays int       `json:"duration_days"`
}

// Duration returns the length of one subscription cycle.
func (p *Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// DefaultCatalogue returns the plans seeded into a fresh deployment.
func DefaultCatalogue() []*Plan {
	return []*Plan{
		{Name: "Basic", Description: "Basic energy plan with 100 kWh quota", TotalQuota: 100, DurationDays: 30},
		{Name: "Standard", Description: "Standard energy plan with 250 kWh quota", TotalQuota: 250, DurationDays: 30},
		{Name: "Premium", Description: "Premium energy plan with 500 kWh quota", TotalQuota: 500, DurationDays: 30},
		{Name: "Weekly", Description: "Weekly plan with 50 kWh quota", TotalQuota: 50, DurationDays: 7},
	}
}
