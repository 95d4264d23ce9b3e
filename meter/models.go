// Package meter defines consumption readings reported by devices.
package meter

import (
	"time"

	"github.com/xraph/metering/id"
)

// Reading is one consumption sample in kWh. Readings are append-only.
type Reading struct {
	ID        id.ReadingID `json:"id"`
	UserID    string       `json:"user_id"`
	DeviceID  string       `json:"device_id"`
	Value     float64      `json:"value"`
	Timestamp time.Time    `json:"timestamp"`
	CreatedAt time.Time    `json:"created_at"`
}
