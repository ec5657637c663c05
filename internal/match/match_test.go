package match

import (
	"reflect"
	"testing"

	"github.com/alfredjeanlab/newsflow/internal/model"
)

func event() *model.Event {
	return &model.Event{
		EventID:       "ev-1",
		PrimaryEntity: "Acme Corp",
		EventType:     "acquisition",
		RiskScore:     8,
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name string
		pref model.SubscriberPreference
		want bool
	}{
		{
			name: "empty filters match anything above min risk",
			pref: model.SubscriberPreference{MinRiskScore: 5},
			want: true,
		},
		{
			name: "entity match case-insensitive",
			pref: model.SubscriberPreference{EntityFilter: []string{"acme corp"}},
			want: true,
		},
		{
			name: "entity mismatch",
			pref: model.SubscriberPreference{EntityFilter: []string{"Globex"}},
			want: false,
		},
		{
			name: "event type match case-insensitive",
			pref: model.SubscriberPreference{EventTypeFilter: []string{"ACQUISITION"}},
			want: true,
		},
		{
			name: "event type mismatch",
			pref: model.SubscriberPreference{EventTypeFilter: []string{"lawsuit"}},
			want: false,
		},
		{
			name: "risk score below minimum",
			pref: model.SubscriberPreference{MinRiskScore: 9},
			want: false,
		},
		{
			name: "risk score exactly at minimum",
			pref: model.SubscriberPreference{MinRiskScore: 8},
			want: true,
		},
		{
			name: "all conditions conjunctive",
			pref: model.SubscriberPreference{
				EntityFilter:    []string{"Acme Corp"},
				EventTypeFilter: []string{"acquisition"},
				MinRiskScore:    8,
			},
			want: true,
		},
		{
			name: "two of three is not enough",
			pref: model.SubscriberPreference{
				EntityFilter:    []string{"Acme Corp"},
				EventTypeFilter: []string{"acquisition"},
				MinRiskScore:    9,
			},
			want: false,
		},
		{
			name: "no substring matching on entities",
			pref: model.SubscriberPreference{EntityFilter: []string{"Acme"}},
			want: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Matches(event(), &tc.pref); got != tc.want {
				t.Errorf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchSubset(t *testing.T) {
	prefs := []*model.SubscriberPreference{
		{SubscriberID: "sub-1", MinRiskScore: 5},
		{SubscriberID: "sub-2", EntityFilter: []string{"Globex"}},
		{SubscriberID: "sub-3", EventTypeFilter: []string{"acquisition"}, MinRiskScore: 3},
	}

	got := Match(event(), prefs)
	if len(got) != 2 {
		t.Fatalf("Match() returned %d prefs, want 2", len(got))
	}
	if got[0].SubscriberID != "sub-1" || got[1].SubscriberID != "sub-3" {
		t.Errorf("Match() order = %s, %s", got[0].SubscriberID, got[1].SubscriberID)
	}
}

func TestMatchDeterministic(t *testing.T) {
	prefs := []*model.SubscriberPreference{
		{SubscriberID: "sub-1", MinRiskScore: 5},
		{SubscriberID: "sub-2", EntityFilter: []string{"Acme Corp"}},
		{SubscriberID: "sub-3", EventTypeFilter: []string{"lawsuit"}},
	}

	first := Match(event(), prefs)
	for i := 0; i < 100; i++ {
		if again := Match(event(), prefs); !reflect.DeepEqual(first, again) {
			t.Fatal("Match() is not deterministic for fixed inputs")
		}
	}
}

func TestMatchEmptyInputs(t *testing.T) {
	if got := Match(event(), nil); got != nil {
		t.Errorf("Match(event, nil) = %v, want nil", got)
	}
}
