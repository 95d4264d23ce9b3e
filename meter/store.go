package meter

import (
	"context"
	"time"
)

type Store interface {
	Append(ctx context.Context, r *Reading) error
	Query(ctx context.Context, userID string, opts QueryOpts) ([]*Reading, error)
}

// QueryOpts filters a reading history query. Results are ordered newest
// first; zero Start/End leave that side of the range open.
type QueryOpts struct {
	DeviceID string
	Start    time.Time // inclusive
	End      time.Time // inclusive
	Limit    int
	Offset   int
}
