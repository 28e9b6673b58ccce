package ingestion

import (
	"context"
	"fmt"

	"FundingLedger/internal/core"
	"FundingLedger/internal/event"
	fpmath "FundingLedger/internal/math"

	"github.com/google/uuid"
)

// Processor is the part of the core the shell drives.
type Processor interface {
	ProcessEvent(evt event.Event) (*core.Result, error)
}

// OpenRequest asks for a new position. A zero RequestID gets a fresh one,
// which disables retry deduplication for that call.
type OpenRequest struct {
	RequestID uuid.UUID
	Owner     uuid.UUID
	Size      fpmath.Wad
	IsLong    bool
	Sequence  int64
}

type CloseRequest struct {
	RequestID uuid.UUID
	Owner     uuid.UUID
	Sequence  int64
}

// CommandService is the synchronous command surface used by the gRPC and
// HTTP servers. It stamps each command with the shell clock and the
// instance's market, then runs it through the core.
type CommandService struct {
	processor Processor
	clock     Clock
	marketID  string
}

func NewCommandService(processor Processor, clock Clock, marketID string) *CommandService {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &CommandService{processor: processor, clock: clock, marketID: marketID}
}

// MarketID returns the market every command is stamped with.
func (s *CommandService) MarketID() string {
	return s.marketID
}

// OpenPosition opens a position for req.Owner at the current index.
func (s *CommandService) OpenPosition(ctx context.Context, req OpenRequest) (*core.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Owner == uuid.Nil {
		return nil, fmt.Errorf("owner is required")
	}
	return s.processor.ProcessEvent(&event.PositionOpen{
		RequestID: requestID(req.RequestID),
		Market:    s.marketID,
		OwnerID:   req.Owner,
		Size:      req.Size,
		IsLong:    req.IsLong,
		Sequence:  req.Sequence,
		Timestamp: s.clock.Now(),
	})
}

// ClosePosition closes req.Owner's position and settles its funding.
func (s *CommandService) ClosePosition(ctx context.Context, req CloseRequest) (*core.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Owner == uuid.Nil {
		return nil, fmt.Errorf("owner is required")
	}
	return s.processor.ProcessEvent(&event.PositionClose{
		RequestID: requestID(req.RequestID),
		Market:    s.marketID,
		OwnerID:   req.Owner,
		Sequence:  req.Sequence,
		Timestamp: s.clock.Now(),
	})
}

// CatchUp accrues the index to now. Two catch-ups stamped with the same
// second share an idempotency key, so the second is reported as a duplicate.
func (s *CommandService) CatchUp(ctx context.Context) (*core.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.processor.ProcessEvent(&event.IndexCatchUp{
		Market:    s.marketID,
		Timestamp: s.clock.Now(),
	})
}

// Now exposes the shell clock to read paths that need "now" (pending funding).
func (s *CommandService) Now() int64 {
	return s.clock.Now().Unix()
}

func requestID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}
