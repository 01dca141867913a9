package nats

import (
	"strings"
	"time"

	"github.com/brojonat/payflow/service/events"
)

// EventMessage is the JSON body published for every lifecycle event. It is published to
// "payflow.{component}.{status}", e.g. "payflow.outbox.confirmed".
type EventMessage struct {
	events.Event

	// Metadata
	PublishedAt time.Time `json:"published_at"`
}

// SubjectFor returns the subject an event kind is published to.
func SubjectFor(kind events.Kind) string {
	return SubjectPrefix + string(kind)
}

// KindFromSubject is the inverse of SubjectFor. It returns "" for subjects outside the stream.
func KindFromSubject(subject string) events.Kind {
	if !strings.HasPrefix(subject, SubjectPrefix) {
		return ""
	}
	return events.Kind(strings.TrimPrefix(subject, SubjectPrefix))
}

// FromEvent wraps an event for publishing.
func FromEvent(event events.Event) *EventMessage {
	return &EventMessage{
		Event:       event,
		PublishedAt: time.Now().UTC(),
	}
}
