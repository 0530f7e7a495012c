package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// EventType is the kind of change a webhook reports.
type EventType int

const (
	// EventCreate reports a new provider record.
	EventCreate EventType = iota + 1
	// EventUpdate reports a changed provider record.
	EventUpdate
	// EventDelete reports a removed provider record.
	EventDelete
)

// String returns the provider's wire name for the event.
func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "record.create"
	case EventUpdate:
		return "record.update"
	case EventDelete:
		return "record.delete"
	default:
		return "unknown"
	}
}

// ParseEventType converts a wire name such as "record.update" into an EventType.
// The "record." prefix is optional.
func ParseEventType(s string) (EventType, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "record.") {
	case "create":
		return EventCreate, nil
	case "update":
		return EventUpdate, nil
	case "delete":
		return EventDelete, nil
	default:
		return 0, eris.Errorf("model: unknown event type %q", s)
	}
}

// SyncEvent is a parsed webhook notification.
type SyncEvent struct {
	Type       EventType
	ExternalID string
	FormID     string
}

// Validate reports whether the event can be processed.
func (e SyncEvent) Validate() error {
	if e.ExternalID == "" {
		return eris.New("model: event has no record id")
	}
	if e.FormID == "" {
		return eris.New("model: event has no form id")
	}
	switch e.Type {
	case EventCreate, EventUpdate, EventDelete:
		return nil
	default:
		return eris.Errorf("model: invalid event type %d", e.Type)
	}
}
