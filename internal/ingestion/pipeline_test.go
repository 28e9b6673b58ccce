package ingestion_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"FundingLedger/internal/core"
	"FundingLedger/internal/event"
	"FundingLedger/internal/ingestion"
	fpmath "FundingLedger/internal/math"
	"FundingLedger/internal/state"

	"github.com/google/uuid"
)

// =============================================================================
// Pipeline
// =============================================================================

type recordingProcessor struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (p *recordingProcessor) ProcessEvent(evt event.Event) (*core.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	if p.err != nil {
		return nil, p.err
	}
	return &core.Result{Sequence: int64(len(p.events) - 1)}, nil
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func catchUpRaw(t *testing.T, subject string, unix int64, acks *atomic.Int32) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"market":       "ETH-PERP",
		"timestamp_us": unix * 1_000_000,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:    subject,
		Data:       data,
		ReceivedAt: time.Now(),
		AckFunc:    func() { acks.Add(1) },
		NakFunc:    func() {},
	}
}

func runPipeline(t *testing.T, proc ingestion.Processor, raws []ingestion.RawEvent) {
	t.Helper()
	rawChan := make(chan ingestion.RawEvent, len(raws))
	for _, r := range raws {
		rawChan <- r
	}
	close(rawChan)

	p := ingestion.NewPipeline(proc, ingestion.DefaultSubjects(), 16, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Run(ctx, rawChan); err != nil {
		t.Fatalf("pipeline: %v", err)
	}
}

func TestPipeline_ParsesAndAcks(t *testing.T) {
	var acks atomic.Int32
	proc := &recordingProcessor{}

	runPipeline(t, proc, []ingestion.RawEvent{
		catchUpRaw(t, "funding.index.catchup.ETH-PERP", 1_700_000_000, &acks),
		catchUpRaw(t, "funding.index.catchup.ETH-PERP", 1_700_000_060, &acks),
	})

	if proc.count() != 2 {
		t.Fatalf("expected 2 processed events, got %d", proc.count())
	}
	if acks.Load() != 2 {
		t.Errorf("expected 2 acks, got %d", acks.Load())
	}
	if _, ok := proc.events[0].(*event.IndexCatchUp); !ok {
		t.Errorf("expected *event.IndexCatchUp, got %T", proc.events[0])
	}
}

func TestPipeline_AcksButDropsInvalid(t *testing.T) {
	var acks atomic.Int32
	proc := &recordingProcessor{}

	bad := catchUpRaw(t, "funding.index.catchup.ETH-PERP", 0, &acks) // no timestamp
	unknown := catchUpRaw(t, "funding.positions.resize.ETH-PERP", 1_700_000_000, &acks)

	runPipeline(t, proc, []ingestion.RawEvent{bad, unknown})

	if proc.count() != 0 {
		t.Errorf("invalid events must not reach the core, got %d", proc.count())
	}
	if acks.Load() != 2 {
		t.Errorf("invalid events are acked to stop redelivery, got %d acks", acks.Load())
	}
}

func TestPipeline_RejectionIsNotFatal(t *testing.T) {
	var acks atomic.Int32
	proc := &recordingProcessor{err: fmt.Errorf("close: %w", state.ErrNoPosition)}

	runPipeline(t, proc, []ingestion.RawEvent{
		catchUpRaw(t, "funding.index.catchup.ETH-PERP", 1_700_000_000, &acks),
		catchUpRaw(t, "funding.index.catchup.ETH-PERP", 1_700_000_001, &acks),
	})

	if proc.count() != 2 {
		t.Errorf("pipeline must keep going after a rejection, got %d", proc.count())
	}
}

// =============================================================================
// CommandService
// =============================================================================

func newCommandService(t *testing.T) (*ingestion.CommandService, *ingestion.ManualClock) {
	t.Helper()
	persist := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(core.Config{MarketID: "ETH-PERP"}, persist, nil, nil, nil)
	clock := ingestion.NewManualClock(time.Unix(1_700_000_000, 0))
	return ingestion.NewCommandService(c, clock, "ETH-PERP"), clock
}

func TestCommandService_OpenThenClose(t *testing.T) {
	svc, clock := newCommandService(t)
	ctx := context.Background()
	owner := uuid.New()
	size := fpmath.NewWad(10_000_000).MulInt(100_000_000)

	opened, err := svc.OpenPosition(ctx, ingestion.OpenRequest{Owner: owner, Size: size, IsLong: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened.Position == nil || opened.Position.OpenedAt != 1_700_000_000 {
		t.Fatalf("expected position stamped at clock time, got %+v", opened.Position)
	}

	clock.Advance(24 * time.Hour)
	closed, err := svc.ClosePosition(ctx, ingestion.CloseRequest{Owner: owner})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	want := fpmath.NewWad(-1_000_000).MulInt(100_000_000)
	if !closed.Settlement.Amount.Equal(want) {
		t.Errorf("settlement: got %s, want %s", closed.Settlement.Amount, want)
	}
}

func TestCommandService_RetryWithSameRequestID(t *testing.T) {
	svc, _ := newCommandService(t)
	ctx := context.Background()
	req := ingestion.OpenRequest{
		RequestID: uuid.New(),
		Owner:     uuid.New(),
		Size:      fpmath.NewWad(5),
		IsLong:    false,
	}

	if _, err := svc.OpenPosition(ctx, req); err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := svc.OpenPosition(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !res.Duplicate {
		t.Error("retry with the same request id should be a duplicate")
	}
}

func TestCommandService_CatchUpSameSecondIsDuplicate(t *testing.T) {
	svc, clock := newCommandService(t)
	ctx := context.Background()

	if _, err := svc.CatchUp(ctx); err != nil {
		t.Fatalf("catch-up: %v", err)
	}
	res, err := svc.CatchUp(ctx)
	if err != nil {
		t.Fatalf("catch-up: %v", err)
	}
	if !res.Duplicate {
		t.Error("second catch-up in the same second should be a duplicate")
	}

	clock.Advance(time.Second)
	res, err = svc.CatchUp(ctx)
	if err != nil {
		t.Fatalf("catch-up: %v", err)
	}
	if res.Duplicate {
		t.Error("catch-up one second later is a new event")
	}
}

func TestCommandService_RequiresOwner(t *testing.T) {
	svc, _ := newCommandService(t)
	if _, err := svc.ClosePosition(context.Background(), ingestion.CloseRequest{}); err == nil {
		t.Fatal("expected error for nil owner")
	}
}

// =============================================================================
// Clocks
// =============================================================================

func TestSystemClock_NeverRegresses(t *testing.T) {
	c := ingestion.NewSystemClock()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		now := c.Now()
		if now.Before(prev) {
			t.Fatalf("clock went backwards: %v < %v", now, prev)
		}
		prev = now
	}
}

// =============================================================================
// Outbound
// =============================================================================

func TestOutboundFromCore(t *testing.T) {
	persist := make(chan core.CoreOutput, 4)
	c := core.NewDeterministicCore(core.Config{MarketID: "ETH-PERP"}, persist, nil, nil, nil)
	if _, err := c.ProcessEvent(&event.IndexCatchUp{Market: "ETH-PERP", Timestamp: time.Unix(1_700_000_000, 0)}); err != nil {
		t.Fatalf("process: %v", err)
	}

	evt := ingestion.OutboundFromCore(<-persist)
	if evt.EventType != "IndexCatchUp" || evt.MarketID != "ETH-PERP" {
		t.Errorf("unexpected envelope fields: %+v", evt)
	}
	if len(evt.StateHash) != 64 || len(evt.PrevHash) != 64 {
		t.Errorf("hashes should be hex encoded, got %q / %q", evt.StateHash, evt.PrevHash)
	}
	if evt.SettledAmount != nil {
		t.Error("catch-up has no settlement")
	}
	if ingestion.OutboundSubject(evt.EventType) != "funding.ledger.events.IndexCatchUp" {
		t.Errorf("subject: got %s", ingestion.OutboundSubject(evt.EventType))
	}
}
