package metering

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("metering: not found")
	ErrAlreadyExists = errors.New("metering: already exists")
	ErrInvalidInput  = errors.New("metering: invalid input")

	// Plan errors
	ErrPlanNotFound = errors.New("metering: plan not found")

	// Subscription and quota errors
	ErrSubscriptionNotFound = errors.New("metering: subscription not found")
	ErrNoActiveSubscription = errors.New("metering: no active subscription")
	ErrInsufficientQuota    = errors.New("metering: insufficient quota")

	// Alert errors
	ErrAlertNotFound  = errors.New("metering: alert not found")
	ErrDuplicateAlert = errors.New("metering: alert already raised for this cycle")

	// Device errors
	ErrDeviceNotFound = errors.New("metering: device not found")
	ErrDeviceExists   = errors.New("metering: device already registered")

	// Store errors
	ErrStoreUnavailable = errors.New("metering: store unavailable")
	ErrStoreClosed      = errors.New("metering: store is closed")
	ErrMigrationFailed  = errors.New("metering: migration failed")

	// Engine errors
	ErrAlreadyStarted = errors.New("metering: engine already started")
	ErrNotStarted     = errors.New("metering: engine not started")
)

// ValidationError represents a validation failure with details.
// It matches ErrInvalidInput under errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("metering: validation failed for %s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "metering: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("metering: %d errors occurred", len(e.Errors))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrAlertNotFound) ||
		errors.Is(err, ErrDeviceNotFound)
}

// IsQuotaError returns true if the error stems from the quota ledger
// refusing or skipping a deduction.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrNoActiveSubscription) ||
		errors.Is(err, ErrInsufficientQuota)
}

// IsRetryable returns true if the error is transient and the failed
// operation is known not to have been applied.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
