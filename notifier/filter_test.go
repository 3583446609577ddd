package notifier

import "testing"

func TestEventFilterEmptyMatchesAll(t *testing.T) {
	filter, err := NewEventFilter(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !filter.Match("subscribers", EventCreated) {
		t.Error("expected empty filter to match everything")
	}
}

func TestEventFilterTablePatterns(t *testing.T) {
	filter, err := NewEventFilter([]string{"subscribers", "sim_*"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		table string
		want  bool
	}{
		{"subscribers", true},
		{"sim_profiles", true},
		{"sim_cards", true},
		{"billing", false},
	}
	for _, tc := range cases {
		if got := filter.Match(tc.table, EventUpdated); got != tc.want {
			t.Errorf("table %s: expected %v, got %v", tc.table, tc.want, got)
		}
	}
}

func TestEventFilterEventPatterns(t *testing.T) {
	filter, err := NewEventFilter(nil, []string{"subscription.created", "subscription.deleted"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !filter.Match("subscribers", EventCreated) {
		t.Error("expected created events to match")
	}
	if filter.Match("subscribers", EventUpdated) {
		t.Error("expected updated events to be filtered out")
	}
}

func TestEventFilterGlobEvents(t *testing.T) {
	filter, err := NewEventFilter(nil, []string{"subscription.*"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, et := range []string{EventCreated, EventUpdated, EventDeleted, EventRefreshed} {
		if !filter.Match("subscribers", et) {
			t.Errorf("expected %s to match subscription.*", et)
		}
	}
}

func TestEventFilterBothDimensions(t *testing.T) {
	filter, err := NewEventFilter([]string{"subscribers"}, []string{"subscription.deleted"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !filter.Match("subscribers", EventDeleted) {
		t.Error("expected match when both dimensions match")
	}
	if filter.Match("subscribers", EventCreated) {
		t.Error("expected mismatch on event type to filter")
	}
	if filter.Match("billing", EventDeleted) {
		t.Error("expected mismatch on table to filter")
	}
}

func TestNewEventFilterInvalidPattern(t *testing.T) {
	if _, err := NewEventFilter([]string{"[invalid"}, nil); err == nil {
		t.Error("expected error for invalid table pattern")
	}
	if _, err := NewEventFilter(nil, []string{"[invalid"}); err == nil {
		t.Error("expected error for invalid event pattern")
	}
}
