// Package device defines metering devices and their liveness state.
package device

import (
	"time"

	"github.com/xraph/metering/id"
	"github.com/xraph/metering/types"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Device is addressed by (UserID, DeviceID). IsActive is derived from
// LastSeen and is eventually consistent with it.
type Device struct {
	types.Entity
	ID        id.DeviceID `json:"id"`
	UserID    string      `json:"user_id"`
	DeviceID  string      `json:"device_id"`
	Name      string      `json:"device_name"`
	IsActive  bool        `json:"is_active"`
	LastSeen  *time.Time  `json:"last_seen,omitempty"`
	LastValue float64     `json:"last_value"`
}

func (d *Device) Status() Status {
	if d.IsActive {
		return StatusOnline
	}
	return StatusOffline
}

// Sighting is a liveness update produced by a reading.
type Sighting struct {
	UserID   string
	DeviceID string
	Value    float64
	At       time.Time
	// Upsert creates the device when it does not exist yet.
	Upsert bool
}
