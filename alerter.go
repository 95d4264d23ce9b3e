package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/id"
	"github.com/xraph/metering/subscription"
)

// usageEpsilon absorbs float drift when comparing usage with a threshold.
const usageEpsilon = 1e-9

// Threshold is a usage percentage that raises an alert when reached.
type Threshold struct {
	Tag        string  `json:"tag" mapstructure:"tag" yaml:"tag"`
	Percentage float64 `json:"percentage" mapstructure:"percentage" yaml:"percentage"`
}

// ThresholdAt builds a threshold tagged like "85%".
func ThresholdAt(pct float64) Threshold {
	return Threshold{Tag: strconv.FormatFloat(pct, 'f', -1, 64) + "%", Percentage: pct}
}

// DefaultThresholds returns the 70, 90 and 100 percent thresholds.
func DefaultThresholds() []Threshold {
	return []Threshold{ThresholdAt(70), ThresholdAt(90), ThresholdAt(100)}
}

// MessageFunc renders the alert text for a threshold. Replace it to
// localize messages.
type MessageFunc func(t Threshold, usagePct float64) string

// DefaultMessage is the built-in English alert text.
func DefaultMessage(t Threshold, _ float64) string {
	if t.Percentage >= 100 {
		return "Energy usage has reached 100% of your plan quota. Plan exhausted!"
	}
	return fmt.Sprintf("Energy usage has reached %s of your plan quota", t.Tag)
}

// OutcomeKind says what CheckThresholds did for one threshold.
type OutcomeKind string

const (
	OutcomeCreated OutcomeKind = "created"
	OutcomeSkipped OutcomeKind = "skipped"
)

// SkipReason explains a skipped threshold.
type SkipReason string

const (
	// SkipAlreadyRaised means an alert with the tag exists for the cycle.
	SkipAlreadyRaised SkipReason = "already_raised"
	// SkipDuplicateRace means a concurrent check inserted the alert first.
	SkipDuplicateRace SkipReason = "duplicate_race"
)

// Outcome reports the result for one crossed threshold.
type Outcome struct {
	Threshold Threshold    `json:"threshold"`
	Kind      OutcomeKind  `json:"kind"`
	Reason    SkipReason   `json:"reason,omitempty"`
	Alert     *alert.Alert `json:"alert,omitempty"`
}

// AlertStore is the persistence the alerter needs.
type AlertStore interface {
	FindAlertSince(ctx context.Context, userID, alertType string, since time.Time) (*alert.Alert, error)
	InsertAlert(ctx context.Context, a *alert.Alert) error
}

// AlerterConfig configures an Alerter. Zero fields take defaults.
type AlerterConfig struct {
	Thresholds []Threshold
	Message    MessageFunc
	Clock      func() time.Time
	Logger     *slog.Logger
}

// Alerter raises at most one alert per threshold tag per subscription cycle.
type Alerter struct {
	store      AlertStore
	thresholds []Threshold
	message    MessageFunc
	now        func() time.Time
	logger     *slog.Logger
}

// NewAlerter creates an alerter over s.
func NewAlerter(s AlertStore, cfg AlerterConfig) *Alerter {
	a := &Alerter{
		store:      s,
		thresholds: normalizeThresholds(cfg.Thresholds),
		message:    cfg.Message,
		now:        cfg.Clock,
		logger:     cfg.Logger,
	}
	if a.message == nil {
		a.message = DefaultMessage
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Thresholds returns the configured thresholds in ascending order.
func (a *Alerter) Thresholds() []Threshold {
	out := make([]Threshold, len(a.thresholds))
	copy(out, a.thresholds)
	return out
}

// CheckThresholds compares the usage of sub with every threshold and
// raises the alerts that are missing for the current cycle. Thresholds
// are evaluated independently; a store failure on one does not stop the
// others, and all failures are returned together.
func (a *Alerter) CheckThresholds(ctx context.Context, userID string, sub *subscription.Subscription) ([]Outcome, error) {
	if sub == nil {
		return nil, ValidationError{Field: "subscription", Message: "must not be nil"}
	}

	usage := sub.UsagePercentage()
	var (
		outcomes []Outcome
		errs     MultiError
	)

	for _, t := range a.thresholds {
		if usage+usageEpsilon < t.Percentage {
			break
		}

		out, err := a.check(ctx, userID, sub, t, usage)
		if err != nil {
			errs.Add(fmt.Errorf("threshold %s: %w", t.Tag, err))
			continue
		}
		outcomes = append(outcomes, out)
	}

	if errs.HasErrors() {
		return outcomes, errs
	}
	return outcomes, nil
}

func (a *Alerter) check(ctx context.Context, userID string, sub *subscription.Subscription, t Threshold, usage float64) (Outcome, error) {
	_, err := a.store.FindAlertSince(ctx, userID, t.Tag, sub.StartDate)
	switch {
	case err == nil:
		return Outcome{Threshold: t, Kind: OutcomeSkipped, Reason: SkipAlreadyRaised}, nil
	case !errors.Is(err, ErrAlertNotFound):
		return Outcome{}, err
	}

	al := &alert.Alert{
		ID:              id.NewAlertID(),
		UserID:          userID,
		SubscriptionID:  sub.ID,
		Type:            t.Tag,
		Message:         a.message(t, usage),
		Threshold:       t.Percentage,
		UsagePercentage: usage,
		CycleStart:      sub.StartDate,
		CreatedAt:       a.now(),
	}

	if err := a.store.InsertAlert(ctx, al); err != nil {
		if errors.Is(err, ErrDuplicateAlert) {
			a.logger.Debug("duplicate alert race",
				"user_id", userID,
				"alert_type", t.Tag,
			)
			return Outcome{Threshold: t, Kind: OutcomeSkipped, Reason: SkipDuplicateRace}, nil
		}
		return Outcome{}, err
	}

	return Outcome{Threshold: t, Kind: OutcomeCreated, Alert: al}, nil
}

// mergeOutcomes overlays the alerts created by earlier attempts on the
// outcomes of the last one, in threshold order.
func mergeOutcomes(last []Outcome, created map[string]Outcome) []Outcome {
	if len(last) == 0 && len(created) == 0 {
		return nil
	}
	out := make([]Outcome, 0, len(last)+len(created))
	seen := make(map[string]bool, len(last))
	for _, o := range last {
		if c, ok := created[o.Threshold.Tag]; ok {
			o = c
		}
		seen[o.Threshold.Tag] = true
		out = append(out, o)
	}
	for tag, c := range created {
		if !seen[tag] {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Threshold.Percentage < out[j].Threshold.Percentage
	})
	return out
}

// normalizeThresholds sorts ascending and drops duplicate tags and
// non-positive percentages.
func normalizeThresholds(in []Threshold) []Threshold {
	if len(in) == 0 {
		return DefaultThresholds()
	}

	seen := make(map[string]struct{}, len(in))
	out := make([]Threshold, 0, len(in))
	for _, t := range in {
		if t.Percentage <= 0 {
			continue
		}
		if t.Tag == "" {
			t = ThresholdAt(t.Percentage)
		}
		if _, dup := seen[t.Tag]; dup {
			continue
		}
		seen[t.Tag] = struct{}{}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Percentage < out[j].Percentage
	})
	if len(out) == 0 {
		return DefaultThresholds()
	}
	return out
}
