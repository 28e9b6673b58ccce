package projection_test

import (
	"context"
	"testing"
	"time"

	"FundingLedger/internal/core"
	"FundingLedger/internal/event"
	fpmath "FundingLedger/internal/math"
	"FundingLedger/internal/persistence"
	"FundingLedger/internal/projection"
	"FundingLedger/internal/testutil"

	"github.com/google/uuid"
)

func TestRebuildProjections_FromEventLog(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	persist := make(chan core.CoreOutput, 8)
	cfg := core.Config{MarketID: "ETH-PERP"}
	c := core.NewDeterministicCore(cfg, persist, nil, nil, nil)

	size := fpmath.NewWad(10_000_000).MulInt(100_000_000)
	long, short := uuid.New(), uuid.New()
	t0 := time.Unix(1_700_000_000, 0)
	for _, evt := range []event.Event{
		&event.PositionOpen{RequestID: uuid.New(), Market: "ETH-PERP", OwnerID: long, Size: size, IsLong: true, Timestamp: t0},
		&event.PositionOpen{RequestID: uuid.New(), Market: "ETH-PERP", OwnerID: short, Size: size, IsLong: false, Timestamp: t0},
		&event.PositionClose{RequestID: uuid.New(), Market: "ETH-PERP", OwnerID: long, Timestamp: t0.Add(time.Hour)},
	} {
		if _, err := c.ProcessEvent(evt); err != nil {
			t.Fatalf("process %s: %v", evt.EventType(), err)
		}
	}
	close(persist)
	if err := persistence.NewPersistenceWorker(db, persist, 50, 5*time.Millisecond, nil).Run(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}

	n, err := projection.RebuildProjections(ctx, db, persistence.NewSnapshotManager(db), cfg)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 projected events, got %d", n)
	}

	count := func(table string) int {
		var got int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&got); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		return got
	}
	if got := count("projections.positions"); got != 1 {
		t.Errorf("open positions: got %d, want 1", got)
	}
	if got := count("projections.funding_settlements"); got != 1 {
		t.Errorf("settlements: got %d, want 1", got)
	}
	if got := count("projections.funding_index"); got != 3 {
		t.Errorf("index points: got %d, want 3", got)
	}

	watermark, err := projection.LoadWatermark(ctx, db)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if watermark != 2 {
		t.Errorf("watermark: got %d, want 2", watermark)
	}
}
