// Package notify publishes chain lifecycle events to an external listener.
package notify

import (
	"context"
	"time"
)

// Event names.
const (
	EventDispatched = "chain.dispatched"
	EventDryRun     = "chain.dry_run"
	EventFailed     = "chain.failed"
)

// Event describes something that happened to a chain.
type Event struct {
	Name     string
	Anchor   string
	Datasets []string
	// Generations is the number of generations staged, or for a failure
	// the number of failed runners.
	Generations int
	Detail      string
	Time        time.Time
}

// Payload is the JSON-friendly form sent over the wire.
func (e Event) Payload() map[string]any {
	return map[string]any{
		"anchor":      e.Anchor,
		"datasets":    e.Datasets,
		"generations": e.Generations,
		"detail":      e.Detail,
		"time":        e.Time.UTC().Format(time.RFC3339),
	}
}

// Publisher delivers events. Publish failures are reported but callers
// treat them as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error { return nil }
