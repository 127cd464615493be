package sources

import "time"

// Preference is the viewer's stored global source. A zero value means none is stored.
type Preference struct {
	Source string
	SetAt  time.Time
}

// Empty reports whether no preference has been stored yet.
func (p Preference) Empty() bool {
	return p.Source == ""
}

// PreferenceChange is an incoming attempt to update the global preference.
type PreferenceChange struct {
	Source   string
	At       time.Time
	Explicit bool
}

// DecisionReason explains why a preference change was or was not written.
type DecisionReason string

const (
	ReasonEmptySource     DecisionReason = "empty_source"
	ReasonExplicit        DecisionReason = "explicit"
	ReasonPassiveDisabled DecisionReason = "passive_disabled"
	ReasonPassiveInitial  DecisionReason = "passive_initial"
	ReasonPassiveRefresh  DecisionReason = "passive_refresh"
	ReasonPassiveConflict DecisionReason = "passive_conflict"
	ReasonPassiveStale    DecisionReason = "passive_stale"
)

// PreferenceDecision is the outcome of PreferencePolicy.Decide.
type PreferenceDecision struct {
	Write  bool
	Force  bool
	Reason DecisionReason
}

// PreferencePolicy decides whether a change may overwrite the stored preference.
type PreferencePolicy struct {
	// AllowPassive lets non-explicit updates seed an empty preference or refresh
	// the timestamp of an identical one.
	AllowPassive bool
}

// Decide never lets a passive change replace a different stored source.
// Explicit changes always win regardless of timestamps.
func (p PreferencePolicy) Decide(current Preference, change PreferenceChange) PreferenceDecision {
	if change.Source == "" {
		return PreferenceDecision{Reason: ReasonEmptySource}
	}
	if change.Explicit {
		return PreferenceDecision{Write: true, Force: true, Reason: ReasonExplicit}
	}
	if !p.AllowPassive {
		return PreferenceDecision{Reason: ReasonPassiveDisabled}
	}
	if current.Empty() {
		return PreferenceDecision{Write: true, Reason: ReasonPassiveInitial}
	}
	if !sameSource(current.Source, change.Source) {
		return PreferenceDecision{Reason: ReasonPassiveConflict}
	}
	if current.SetAt.Before(change.At) {
		return PreferenceDecision{Write: true, Reason: ReasonPassiveRefresh}
	}
	return PreferenceDecision{Reason: ReasonPassiveStale}
}
