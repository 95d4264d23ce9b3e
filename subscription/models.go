// Package subscription defines a user's prepaid quota for one plan cycle.
package subscription

import (
	"time"

	"github.com/xraph/metering/id"
	"github.com/xraph/metering/types"
)

// OverdraftPolicy decides what a deduction larger than the remaining
// quota does.
type OverdraftPolicy string

const (
	// PolicyFloor clamps the remaining quota at zero.
	PolicyFloor OverdraftPolicy = "floor"
	// PolicyReject refuses the deduction and leaves the quota unchanged.
	PolicyReject OverdraftPolicy = "reject"
)

// Valid reports whether p is a known policy.
func (p OverdraftPolicy) Valid() bool {
	return p == PolicyFloor || p == PolicyReject
}

// Subscription holds the quota state for one cycle. TotalQuota is fixed
// when the subscription is activated; RemainingQuota stays within
// [0, TotalQuota] and is only changed through a store deduction.
type Subscription struct {
	types.Entity
	ID             id.SubscriptionID `json:"id"`
	UserID         string            `json:"user_id"`
	PlanID         id.PlanID         `json:"plan_id"`
	PlanName       string            `json:"plan_name"`
	StartDate      time.Time         `json:"start_date"`
	EndDate        time.Time         `json:"end_date"`
	TotalQuota     float64           `json:"total_quota"`
	RemainingQuota float64           `json:"remaining_quota"`
	IsActive       bool              `json:"is_active"`
}

// Used returns the consumed part of the quota.
func (s *Subscription) Used() float64 {
	return s.TotalQuota - s.RemainingQuota
}

// UsagePercentage returns consumption as a percentage of the total quota,
// or 0 when the total is not positive.
func (s *Subscription) UsagePercentage() float64 {
	if s.TotalQuota <= 0 {
		return 0
	}
	return s.Used() / s.TotalQuota * 100
}

// Exhausted reports whether no quota remains.
func (s *Subscription) Exhausted() bool {
	return s.RemainingQuota <= 0
}

// Usage is the read model returned to callers asking about their quota.
type Usage struct {
	SubscriptionID  id.SubscriptionID `json:"subscription_id"`
	PlanName        string            `json:"plan_name"`
	TotalQuota      float64           `json:"total_quota"`
	RemainingQuota  float64           `json:"remaining_quota"`
	Used            float64           `json:"used"`
	UsagePercentage float64           `json:"usage_percentage"`
	StartDate       time.Time         `json:"start_date"`
	EndDate         time.Time         `json:"end_date"`
	DaysRemaining   int               `json:"days_remaining"`
}

// UsageAt builds the usage view of s as observed at now.
func (s *Subscription) UsageAt(now time.Time) *Usage {
	days := 0
	if left := s.EndDate.Sub(now); left > 0 {
		days = int(left.Hours() / 24)
	}
	return &Usage{
		SubscriptionID:  s.ID,
		PlanName:        s.PlanName,
		TotalQuota:      s.TotalQuota,
		RemainingQuota:  s.RemainingQuota,
		Used:            s.Used(),
		UsagePercentage: s.UsagePercentage(),
		StartDate:       s.StartDate,
		EndDate:         s.EndDate,
		DaysRemaining:   days,
	}
}
