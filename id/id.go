// Package id defines TypeID-based identity types for metering entities.
//
// Every entity uses a single ID struct with a prefix that identifies
// the entity type. IDs are K-sortable (UUIDv7-based), globally unique,
// and URL-safe in the format "prefix_suffix".
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all metering entity types.
const (
	PrefixPlan         Prefix = "plan" // Quota plan
	PrefixSubscription Prefix = "sub"  // Prepaid subscription
	PrefixReading      Prefix = "rdg"  // Consumption reading
	PrefixAlert        Prefix = "alrt" // Threshold alert
	PrefixDevice       Prefix = "dev"  // Metering device
)

// ID is the primary identifier type for all metering entities.
// It wraps a TypeID providing a prefix-qualified, globally unique,
// sortable, URL-safe identifier in the format "prefix_suffix".
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g., "dev_01h2xcejqtf2nbrexx3vqjhp41")
// into an ID.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// parseAs parses s and rejects IDs of another entity type.
func parseAs(s string, want Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := parsed.Prefix(); got != want {
		return Nil, fmt.Errorf("id: %q is a %s id, want %s", s, got, want)
	}
	return parsed, nil
}

// ──────────────────────────────────────────────────
// Typed aliases
// ──────────────────────────────────────────────────

// PlanID identifies a quota plan (prefix: "plan").
type PlanID = ID

// SubscriptionID identifies a subscription (prefix: "sub").
type SubscriptionID = ID

// ReadingID identifies a consumption reading (prefix: "rdg").
type ReadingID = ID

// AlertID identifies a threshold alert (prefix: "alrt").
type AlertID = ID

// DeviceID identifies a registered device (prefix: "dev").
// It is the internal key; devices are addressed externally by the
// caller-chosen device name scoped to a user.
type DeviceID = ID

// NewPlanID generates a new unique plan ID.
func NewPlanID() ID { return New(PrefixPlan) }

// NewSubscriptionID generates a new unique subscription ID.
func NewSubscriptionID() ID { return New(PrefixSubscription) }

// NewReadingID generates a new unique reading ID.
func NewReadingID() ID { return New(PrefixReading) }

// NewAlertID generates a new unique alert ID.
func NewAlertID() ID { return New(PrefixAlert) }

// NewDeviceID generates a new unique device ID.
func NewDeviceID() ID { return New(PrefixDevice) }

// ParsePlanID parses a string and validates the "plan" prefix.
func ParsePlanID(s string) (ID, error) { return parseAs(s, PrefixPlan) }

// ParseSubscriptionID parses a string and validates the "sub" prefix.
func ParseSubscriptionID(s string) (ID, error) { return parseAs(s, PrefixSubscription) }

// ParseReadingID parses a string and validates the "rdg" prefix.
func ParseReadingID(s string) (ID, error) { return parseAs(s, PrefixReading) }

// ParseAlertID parses a string and validates the "alrt" prefix.
func ParseAlertID(s string) (ID, error) { return parseAs(s, PrefixAlert) }

// ParseDeviceID parses a string and validates the "dev" prefix.
func ParseDeviceID(s string) (ID, error) { return parseAs(s, PrefixDevice) }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns the full TypeID string representation (prefix_suffix).
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input yields Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer. Nil is stored as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.inner.String(), nil
}

// Scan implements sql.Scanner for TEXT columns; NULL and "" scan to Nil.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
