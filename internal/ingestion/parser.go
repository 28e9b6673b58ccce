package ingestion

import (
	"fmt"
	"strings"
	"time"

	"FundingLedger/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a typed event.Event.
// The ingestion shell validates and parses here; domain rules (size > 0,
// position exists) are left to the core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	evt, err := event.Unmarshal(eventType, raw.Data)
	if err != nil {
		return nil, err
	}
	if ts := eventTimestamp(evt); ts.IsZero() || ts.Unix() <= 0 {
		return nil, fmt.Errorf("parse %s: timestamp_us is required", eventType)
	}
	return evt, nil
}

func eventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.PositionOpen:
		return e.Timestamp
	case *event.PositionClose:
		return e.Timestamp
	case *event.IndexCatchUp:
		return e.Timestamp
	}
	return time.Time{}
}

// ResolveEventType finds the event type for a NATS subject by matching the
// longest configured prefix. Returns "" for unknown subjects.
func ResolveEventType(subject string, subjects []SubjectConfig) string {
	bestMatch := ""
	bestType := ""
	for _, cfg := range subjects {
		// Subjects use the ">" wildcard, so match on the part before it.
		prefix := strings.TrimSuffix(cfg.Subject, ">")
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(bestMatch) {
			bestMatch = prefix
			bestType = cfg.EventType
		}
	}
	return bestType
}
