package metering

import "github.com/xraph/metering/id"

// ID is the primary identifier type for all metering entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
