// Package alert defines threshold alerts raised against a subscription cycle.
package alert

import (
	"time"

	"github.com/xraph/metering/id"
)

// Alert records that usage crossed a threshold. CycleStart is the start
// date of the subscription the alert belongs to; together with UserID and
// Type it identifies the alert uniquely.
type Alert struct {
	ID              id.AlertID        `json:"id"`
	UserID          string            `json:"user_id"`
	SubscriptionID  id.SubscriptionID `json:"subscription_id"`
	Type            string            `json:"alert_type"`
	Message         string            `json:"message"`
	Threshold       float64           `json:"threshold"`
	UsagePercentage float64           `json:"usage_percentage"`
	CycleStart      time.Time         `json:"cycle_start"`
	CreatedAt       time.Time         `json:"created_at"`
}
