// Package events defines the structured state-change notifications emitted by
// the dispatcher for downstream consumers such as indexers and monitors.
package events

// Event represents a structured state change emitted by the dispatcher.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
