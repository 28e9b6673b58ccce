package event

import (
	"time"

	fpmath "FundingLedger/internal/math"

	"github.com/google/uuid"
)

// PositionOpen opens a position for an owner.
// Idempotency key: request_id (UUID from the caller).
type PositionOpen struct {
	RequestID uuid.UUID // Idempotency key
	Market    string
	OwnerID   uuid.UUID
	Size      fpmath.Wad // WAD, must be > 0
	IsLong    bool
	Sequence  int64     // Per-owner source sequence
	Timestamp time.Time // Versioned input timestamp (NOT wall-clock)
}

func (p *PositionOpen) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *PositionOpen) EventType() EventType {
	return EventTypePositionOpen
}

func (p *PositionOpen) MarketID() string {
	return p.Market
}

func (p *PositionOpen) Owner() *uuid.UUID {
	o := p.OwnerID
	return &o
}

func (p *PositionOpen) SourceSequence() int64 {
	return p.Sequence
}

// PositionClose closes and settles the owner's position.
// Idempotency key: request_id.
type PositionClose struct {
	RequestID uuid.UUID
	Market    string
	OwnerID   uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (p *PositionClose) IdempotencyKey() string {
	return p.RequestID.String()
}

func (p *PositionClose) EventType() EventType {
	return EventTypePositionClose
}

func (p *PositionClose) MarketID() string {
	return p.Market
}

func (p *PositionClose) Owner() *uuid.UUID {
	o := p.OwnerID
	return &o
}

func (p *PositionClose) SourceSequence() int64 {
	return p.Sequence
}
