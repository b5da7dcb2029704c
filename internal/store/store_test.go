package store

import "testing"

func TestMatcher(t *testing.T) {
	tests := []struct {
		name      string
		events    []string
		eventType string
		want      bool
	}{
		{"exact match", []string{"lead.created", "deal.won"}, "deal.won", true},
		{"no match", []string{"lead.created", "deal.won"}, "deal.lost", false},
		{"wildcard matches anything", []string{"*"}, "contact.updated", true},
		{"wildcard mixed with types", []string{"lead.created", "*"}, "deal.lost", true},
		{"empty set matches nothing", nil, "lead.created", false},
		{"empty event type", []string{"lead.created"}, "", false},
		{"case sensitive", []string{"lead.created"}, "Lead.Created", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMatcher(tt.events)
			if got := m.Matches(tt.eventType); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.eventType, got, tt.want)
			}
		})
	}
}

func TestMatcherWildcardMatchesEmptyType(t *testing.T) {
	m := NewMatcher([]string{WildcardEvent})
	if !m.Matches("") {
		t.Error("wildcard matcher should match empty event type")
	}
}
