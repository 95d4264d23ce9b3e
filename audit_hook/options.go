package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger for the extension.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) {
		e.logger = logger
	}
}

// WithEnabledActions restricts auditing to the given actions.
// Without it every action is audited.
func WithEnabledActions(actions ...string) Option {
	return func(e *Extension) {
		e.only = toSet(actions)
	}
}

// WithDisabledActions skips the given actions. It wins over
// WithEnabledActions when both name the same action.
func WithDisabledActions(actions ...string) Option {
	return func(e *Extension) {
		if e.skip == nil {
			e.skip = make(map[string]struct{}, len(actions))
		}
		for _, a := range actions {
			e.skip[a] = struct{}{}
		}
	}
}

// WithMinSeverity drops events below the given severity, e.g.
// SeverityWarning keeps quota exhaustion and partial failures but not
// every recorded reading.
func WithMinSeverity(severity string) Option {
	return func(e *Extension) {
		e.minRank = severityRank(severity)
	}
}

// allowed reports whether an event passes the configured filters.
func (e *Extension) allowed(action, severity string) bool {
	if _, ok := e.skip[action]; ok {
		return false
	}
	if e.only != nil {
		if _, ok := e.only[action]; !ok {
			return false
		}
	}
	return severityRank(severity) >= e.minRank
}

func severityRank(s string) int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

func toSet(actions []string) map[string]struct{} {
	m := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		m[a] = struct{}{}
	}
	return m
}
