// Package match evaluates subscriber preference filters against events.
// Matching is a pure function of its inputs: no clock, no randomness, no
// I/O. Idempotent redelivery depends on that.
package match

import (
	"strings"

	"github.com/alfredjeanlab/newsflow/internal/model"
)

// Match returns the subset of preferences the event satisfies, in input
// order. A preference matches iff all three conditions hold:
//
//   - entity filter is empty, or contains the event's primary entity
//     (case-insensitive exact match)
//   - event type filter is empty, or contains the event's type
//     (case-insensitive exact match)
//   - the event's risk score is at least the preference's minimum
func Match(event *model.Event, prefs []*model.SubscriberPreference) []*model.SubscriberPreference {
	var matched []*model.SubscriberPreference
	for _, p := range prefs {
		if Matches(event, p) {
			matched = append(matched, p)
		}
	}
	return matched
}

// Matches reports whether a single preference matches the event.
func Matches(event *model.Event, pref *model.SubscriberPreference) bool {
	if !containsFold(pref.EntityFilter, event.PrimaryEntity) {
		return false
	}
	if !containsFold(pref.EventTypeFilter, event.EventType) {
		return false
	}
	return event.RiskScore >= pref.MinRiskScore
}

// containsFold reports whether set contains s case-insensitively.
// An empty set means no restriction.
func containsFold(set []string, s string) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
