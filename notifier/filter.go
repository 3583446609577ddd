package notifier

import (
	"fmt"

	"github.com/gobwas/glob"
)

// EventFilter decides per sink which events to deliver, using glob patterns
// over the entity table and event type. Empty pattern lists match everything.
type EventFilter struct {
	tableGlobs []glob.Glob
	eventGlobs []glob.Glob
}

// NewEventFilter compiles the configured patterns.
func NewEventFilter(tablePatterns, eventPatterns []string) (*EventFilter, error) {
	filter := &EventFilter{
		tableGlobs: make([]glob.Glob, 0, len(tablePatterns)),
		eventGlobs: make([]glob.Glob, 0, len(eventPatterns)),
	}

	for _, pattern := range tablePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.tableGlobs = append(filter.tableGlobs, g)
	}

	for _, pattern := range eventPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid event pattern %q: %w", pattern, err)
		}
		filter.eventGlobs = append(filter.eventGlobs, g)
	}

	return filter, nil
}

// Match returns true if the event should be delivered to this sink.
func (f *EventFilter) Match(table, eventType string) bool {
	tableMatch := len(f.tableGlobs) == 0
	if !tableMatch {
		for _, g := range f.tableGlobs {
			if g.Match(table) {
				tableMatch = true
				break
			}
		}
	}
	if !tableMatch {
		return false
	}

	eventMatch := len(f.eventGlobs) == 0
	if !eventMatch {
		for _, g := range f.eventGlobs {
			if g.Match(eventType) {
				eventMatch = true
				break
			}
		}
	}

	return eventMatch
}
