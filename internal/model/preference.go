package model

// SubscriberPreference is a subscriber's interest filter. Owned by the
// organization-management system; read-only here. Empty filter sets mean
// "no restriction".
type SubscriberPreference struct {
	SubscriberID    string   `json:"subscriber_id"`
	EntityFilter    []string `json:"entity_filter"`
	EventTypeFilter []string `json:"event_type_filter"`
	MinRiskScore    int      `json:"min_risk_score"`
	ContactAddress  string   `json:"contact_address"`
}
