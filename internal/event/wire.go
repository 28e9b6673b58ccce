package event

import (
	"encoding/json"
	"fmt"
	"time"

	fpmath "FundingLedger/internal/math"

	"github.com/google/uuid"
)

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. WAD values travel
// as raw integer strings ("100000000000000000" is 0.1).

type positionOpenJSON struct {
	RequestID   string     `json:"request_id"`
	Market      string     `json:"market"`
	Owner       string     `json:"owner"`
	Size        fpmath.Wad `json:"size"`
	Side        string     `json:"side"` // "long" or "short"
	Sequence    int64      `json:"sequence"`
	TimestampUs int64      `json:"timestamp_us"`
}

type positionCloseJSON struct {
	RequestID   string `json:"request_id"`
	Market      string `json:"market"`
	Owner       string `json:"owner"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type indexCatchUpJSON struct {
	Market      string `json:"market"`
	TimestampUs int64  `json:"timestamp_us"`
}

// Marshal encodes an event into its wire JSON. The output is accepted by
// Unmarshal, which makes the event log replayable.
func Marshal(evt Event) ([]byte, error) {
	switch e := evt.(type) {
	case *PositionOpen:
		side := "short"
		if e.IsLong {
			side = "long"
		}
		return json.Marshal(positionOpenJSON{
			RequestID:   e.RequestID.String(),
			Market:      e.Market,
			Owner:       e.OwnerID.String(),
			Size:        e.Size,
			Side:        side,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *PositionClose:
		return json.Marshal(positionCloseJSON{
			RequestID:   e.RequestID.String(),
			Market:      e.Market,
			Owner:       e.OwnerID.String(),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *IndexCatchUp:
		return json.Marshal(indexCatchUpJSON{
			Market:      e.Market,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// Unmarshal decodes wire JSON for the named event type.
func Unmarshal(eventType string, data []byte) (Event, error) {
	switch ParseEventType(eventType) {
	case EventTypePositionOpen:
		return unmarshalPositionOpen(data)
	case EventTypePositionClose:
		return unmarshalPositionClose(data)
	case EventTypeIndexCatchUp:
		return unmarshalIndexCatchUp(data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

func unmarshalPositionOpen(data []byte) (*PositionOpen, error) {
	var j positionOpenJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionOpen: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse PositionOpen: market is required")
	}

	var isLong bool
	switch j.Side {
	case "long":
		isLong = true
	case "short":
		isLong = false
	default:
		return nil, fmt.Errorf("parse side: must be \"long\" or \"short\", got %q", j.Side)
	}

	// Size validity (> 0) is a domain rule checked by the engine.
	return &PositionOpen{
		RequestID: requestID,
		Market:    j.Market,
		OwnerID:   owner,
		Size:      j.Size,
		IsLong:    isLong,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

func unmarshalPositionClose(data []byte) (*PositionClose, error) {
	var j positionCloseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionClose: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse PositionClose: market is required")
	}

	return &PositionClose{
		RequestID: requestID,
		Market:    j.Market,
		OwnerID:   owner,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

func unmarshalIndexCatchUp(data []byte) (*IndexCatchUp, error) {
	var j indexCatchUpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse IndexCatchUp: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse IndexCatchUp: market is required")
	}

	return &IndexCatchUp{
		Market:    j.Market,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}
