package metering

import (
	"github.com/xraph/metering/subscription"
	"github.com/xraph/metering/types"
)

// Re-exported so callers configuring the engine need not import sub-packages.

// Entity is re-exported from types package.
type Entity = types.Entity

// OverdraftPolicy is re-exported from subscription package.
type OverdraftPolicy = subscription.OverdraftPolicy

const (
	PolicyFloor  = subscription.PolicyFloor
	PolicyReject = subscription.PolicyReject
)

// NewEntity is re-exported from types package.
var NewEntity = types.NewEntity
