package audithook

// Action constants for audit events.
const (
	// Plan actions
	ActionPlanCreated = "plan.created"

	// Subscription actions
	ActionSubscriptionActivated   = "subscription.activated"
	ActionSubscriptionSuperseded  = "subscription.superseded"
	ActionSubscriptionDeactivated = "subscription.deactivated"

	// Metering actions
	ActionReadingRecorded = "reading.recorded"
	ActionQuotaDeducted   = "quota.deducted"
	ActionQuotaExhausted  = "quota.exhausted"
	ActionPartialFailure  = "reading.partial_failure"

	// Alert actions
	ActionAlertRaised = "alert.raised"

	// Device actions
	ActionDeviceRegistered = "device.registered"
	ActionDeviceOnline     = "device.online"
	ActionDevicesSwept     = "devices.swept"
)

// Resource constants for audit events.
const (
	ResourcePlan         = "plan"
	ResourceSubscription = "subscription"
	ResourceReading      = "reading"
	ResourceAlert        = "alert"
	ResourceDevice       = "device"
)

// Category constants for audit events.
const (
	CategoryBilling      = "billing"
	CategorySubscription = "subscription"
	CategoryUsage        = "usage"
	CategoryDevice       = "device"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
