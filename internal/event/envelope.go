package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionOpen
	EventTypePositionClose
	EventTypeIndexCatchUp
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Market the engine instance serves
	MarketID string

	// Position owner (nil for index catch-up)
	Owner *uuid.UUID

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation (0 when the event has none)
	SourceSequence int64

	// Wire-encoded input event, replayable through the parser
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the target market
	MarketID() string

	// Owner returns the position owner (nil for market-wide events)
	Owner() *uuid.UUID

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypePositionOpen:
		return "PositionOpen"
	case EventTypePositionClose:
		return "PositionClose"
	case EventTypeIndexCatchUp:
		return "IndexCatchUp"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	switch s {
	case "PositionOpen":
		return EventTypePositionOpen
	case "PositionClose":
		return EventTypePositionClose
	case "IndexCatchUp":
		return EventTypeIndexCatchUp
	default:
		return EventTypeUnknown
	}
}
