package core_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"FundingLedger/internal/core"
	"FundingLedger/internal/event"
	"FundingLedger/internal/ledger"
	fpmath "FundingLedger/internal/math"
	"FundingLedger/internal/state"

	"github.com/google/uuid"
)

// --- Test helpers ---

const (
	testMarket       = "ETH-PERP"
	t0         int64 = 1_700_000_000
	day              = fpmath.SecondsPerDay
)

// newTestCore creates a DeterministicCore with buffered channels and no DB checker.
func newTestCore() (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewDeterministicCore(core.Config{MarketID: testMarket}, persistChan, projChan, nil, nil)
	return c, persistChan, projChan
}

func e8(n int64) fpmath.Wad {
	return fpmath.NewWad(n).MulInt(100_000_000)
}

func mustOpen(owner uuid.UUID, size fpmath.Wad, isLong bool, seq, at int64) *event.PositionOpen {
	return &event.PositionOpen{
		RequestID: uuid.New(),
		Market:    testMarket,
		OwnerID:   owner,
		Size:      size,
		IsLong:    isLong,
		Sequence:  seq,
		Timestamp: time.Unix(at, 0).UTC(),
	}
}

func mustClose(owner uuid.UUID, seq, at int64) *event.PositionClose {
	return &event.PositionClose{
		RequestID: uuid.New(),
		Market:    testMarket,
		OwnerID:   owner,
		Sequence:  seq,
		Timestamp: time.Unix(at, 0).UTC(),
	}
}

func mustCatchUp(at int64) *event.IndexCatchUp {
	return &event.IndexCatchUp{
		Market:    testMarket,
		Timestamp: time.Unix(at, 0).UTC(),
	}
}

func mustProcess(t *testing.T, c *core.DeterministicCore, evt event.Event) *core.Result {
	t.Helper()
	res, err := c.ProcessEvent(evt)
	if err != nil {
		t.Fatalf("ProcessEvent(%s) failed: %v", evt.EventType(), err)
	}
	return res
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Funding scenarios end to end
// ============================================================================

func TestScenario_SingleLong(t *testing.T) {
	c, persistCh, _ := newTestCore()
	alice := uuid.New()

	mustProcess(t, c, mustOpen(alice, e8(10_000_000), true, 1, t0))
	if got := c.CurrentRate().String(); got != "100000000000000000" {
		t.Fatalf("rate: got %s, want 0.1e18", got)
	}

	mustProcess(t, c, mustCatchUp(t0+day))
	if got := c.FundingIndex().Cumulative.String(); got != "100000000000000000" {
		t.Errorf("cumulative: got %s, want 0.1e18", got)
	}

	pending, err := c.PendingFunding(alice, t0+day)
	if err != nil {
		t.Fatalf("PendingFunding: %v", err)
	}
	if !pending.Equal(e8(-1_000_000)) {
		t.Errorf("pending: got %s, want -1,000,000e8", pending)
	}

	res := mustProcess(t, c, mustClose(alice, 2, t0+day))
	if !res.Settlement.Amount.Equal(e8(-1_000_000)) {
		t.Errorf("settlement: got %s, want -1,000,000e8", res.Settlement.Amount)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	closeOut := outputs[2]
	if len(closeOut.Batch.Journals) != 1 {
		t.Fatalf("expected 1 journal on close, got %d", len(closeOut.Batch.Journals))
	}
	j := closeOut.Batch.Journals[0]
	if j.DebitAccount != ledger.FundingPoolKey || j.CreditAccount != ledger.NewUserAccountKey(alice) {
		t.Errorf("payer journal legs wrong: %s <- %s", j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath())
	}
	if !c.RealisedFunding(alice).Equal(e8(-1_000_000)) {
		t.Errorf("realised: got %s", c.RealisedFunding(alice))
	}
	if !c.FundingPool().Equal(e8(1_000_000)) {
		t.Errorf("pool residual: got %s", c.FundingPool())
	}
}

func TestScenario_SkewedBook(t *testing.T) {
	c, _, _ := newTestCore()
	long, short := uuid.New(), uuid.New()

	mustProcess(t, c, mustOpen(long, e8(70_000_000), true, 1, t0))
	mustProcess(t, c, mustOpen(short, e8(30_000_000), false, 1, t0))
	if got := c.CurrentRate().String(); got != "400000000000000000" {
		t.Fatalf("rate: got %s, want 0.4e18", got)
	}

	lr := mustProcess(t, c, mustClose(long, 2, t0+day))
	sr := mustProcess(t, c, mustClose(short, 2, t0+day))

	if !lr.Settlement.Amount.Equal(e8(-28_000_000)) {
		t.Errorf("long: got %s, want -28,000,000e8", lr.Settlement.Amount)
	}
	if !sr.Settlement.Amount.Equal(e8(12_000_000)) {
		t.Errorf("short: got %s, want +12,000,000e8", sr.Settlement.Amount)
	}

	// The mismatch stays in the pool.
	if !c.FundingPool().Equal(e8(16_000_000)) {
		t.Errorf("pool residual: got %s, want 16,000,000e8", c.FundingPool())
	}
}

func TestScenario_RateFlip(t *testing.T) {
	c, _, _ := newTestCore()
	long, short := uuid.New(), uuid.New()

	mustProcess(t, c, mustOpen(long, e8(10_000_000), true, 1, t0))
	mustProcess(t, c, mustOpen(short, e8(20_000_000), false, 1, t0+day))
	if got := c.CurrentRate().String(); got != "-100000000000000000" {
		t.Fatalf("rate: got %s, want -0.1e18", got)
	}

	pending, err := c.PendingFunding(long, t0+2*day)
	if err != nil {
		t.Fatalf("PendingFunding: %v", err)
	}
	if !pending.IsZero() {
		t.Errorf("pending: got %s, want 0", pending)
	}

	res := mustProcess(t, c, mustClose(long, 2, t0+2*day))
	if !res.Settlement.Amount.IsZero() {
		t.Errorf("settlement: got %s, want 0", res.Settlement.Amount)
	}
}

func TestScenario_DoubleCatchUpIsDuplicate(t *testing.T) {
	c, persistCh, _ := newTestCore()
	mustProcess(t, c, mustOpen(uuid.New(), e8(10_000_000), true, 1, t0))

	first := mustProcess(t, c, mustCatchUp(t0+500))
	second := mustProcess(t, c, mustCatchUp(t0+500))

	if !second.Duplicate {
		t.Error("second catch-up at the same instant should be a duplicate")
	}
	if !first.Index.Equal(second.Index) {
		t.Errorf("index moved: %s -> %s", first.Index, second.Index)
	}
	if n := len(drainOutputs(persistCh)); n != 2 {
		t.Errorf("expected 2 outputs (open + one catch-up), got %d", n)
	}
}

// ============================================================================
// Test: Domain errors are fail-fast
// ============================================================================

func TestOpen_ZeroSize_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()

	_, err := c.ProcessEvent(mustOpen(uuid.New(), fpmath.Zero, true, 1, t0))
	if !errors.Is(err, state.ErrZeroSize) {
		t.Fatalf("expected ErrZeroSize, got %v", err)
	}
	if n := len(drainOutputs(persistCh)); n != 0 {
		t.Errorf("rejected event must not emit output, got %d", n)
	}
	if c.GetSequence() != 0 {
		t.Errorf("sequence advanced on rejection: %d", c.GetSequence())
	}
}

func TestOpen_PositionExists_Rejected(t *testing.T) {
	c, _, _ := newTestCore()
	owner := uuid.New()

	mustProcess(t, c, mustOpen(owner, e8(1), true, 1, t0))
	before := c.FundingIndex()

	_, err := c.ProcessEvent(mustOpen(owner, e8(2), false, 2, t0+day))
	if !errors.Is(err, state.ErrPositionExists) {
		t.Fatalf("expected ErrPositionExists, got %v", err)
	}
	if c.FundingIndex().LastUpdate != before.LastUpdate {
		t.Error("failed open must not catch up the index")
	}

	// The owner's sequence 2 was not consumed by the failed attempt.
	mustProcess(t, c, mustClose(owner, 2, t0+day))
}

func TestClose_NoPosition_Rejected(t *testing.T) {
	c, _, _ := newTestCore()

	_, err := c.ProcessEvent(mustClose(uuid.New(), 1, t0))
	if !errors.Is(err, state.ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition, got %v", err)
	}
}

func TestWrongMarket_Rejected(t *testing.T) {
	c, _, _ := newTestCore()
	evt := mustOpen(uuid.New(), e8(1), true, 1, t0)
	evt.Market = "BTC-PERP"

	_, err := c.ProcessEvent(evt)
	if !errors.Is(err, core.ErrWrongMarket) {
		t.Fatalf("expected ErrWrongMarket, got %v", err)
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestIdempotency_DuplicateOpen_Ignored(t *testing.T) {
	c, persistCh, _ := newTestCore()
	open := mustOpen(uuid.New(), e8(5), true, 1, t0)

	mustProcess(t, c, open)
	if n := len(drainOutputs(persistCh)); n != 1 {
		t.Fatalf("expected 1 output on first process, got %d", n)
	}

	res, err := c.ProcessEvent(open)
	if err != nil {
		t.Fatalf("duplicate open should not error: %v", err)
	}
	if !res.Duplicate {
		t.Error("expected Duplicate result")
	}
	if n := len(drainOutputs(persistCh)); n != 0 {
		t.Errorf("expected 0 outputs for duplicate, got %d", n)
	}
}

type fakeDBChecker struct {
	seen map[string]bool
	err  error
}

func (f *fakeDBChecker) IsDuplicate(eventType, key string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.seen[eventType+":"+key], nil
}

func TestIdempotency_PostgresTier(t *testing.T) {
	open := mustOpen(uuid.New(), e8(5), true, 1, t0)
	db := &fakeDBChecker{seen: map[string]bool{"PositionOpen:" + open.IdempotencyKey(): true}}

	persistCh := make(chan core.CoreOutput, 16)
	c := core.NewDeterministicCore(core.Config{MarketID: testMarket}, persistCh, nil, db, nil)

	res := mustProcess(t, c, open)
	if !res.Duplicate {
		t.Error("key known to Postgres should be a duplicate")
	}
}

func TestIdempotency_PostgresErrorFailsOpen(t *testing.T) {
	db := &fakeDBChecker{err: errors.New("connection refused")}
	persistCh := make(chan core.CoreOutput, 16)
	c := core.NewDeterministicCore(core.Config{MarketID: testMarket}, persistCh, nil, db, nil)

	res := mustProcess(t, c, mustOpen(uuid.New(), e8(5), true, 1, t0))
	if res.Duplicate {
		t.Error("tier-2 error should not mark the event as duplicate")
	}
}

// ============================================================================
// Test: Sequence Validation
// ============================================================================

func TestSequenceValidation_StaleRejected(t *testing.T) {
	c, _, _ := newTestCore()
	owner := uuid.New()

	mustProcess(t, c, mustOpen(owner, e8(1), true, 5, t0))

	_, err := c.ProcessEvent(mustClose(owner, 5, t0+1))
	if !errors.Is(err, core.ErrStaleSequence) {
		t.Fatalf("expected ErrStaleSequence, got %v", err)
	}
	_, err = c.ProcessEvent(mustClose(owner, 3, t0+1))
	if !errors.Is(err, core.ErrStaleSequence) {
		t.Fatalf("expected ErrStaleSequence, got %v", err)
	}
}

func TestSequenceValidation_GapTolerated(t *testing.T) {
	c, _, _ := newTestCore()
	owner := uuid.New()

	mustProcess(t, c, mustOpen(owner, e8(1), true, 1, t0))
	// Skip 2..9
	mustProcess(t, c, mustClose(owner, 10, t0+1))
}

func TestSequenceValidation_PartitionsAreIndependent(t *testing.T) {
	c, _, _ := newTestCore()

	mustProcess(t, c, mustOpen(uuid.New(), e8(1), true, 7, t0))
	mustProcess(t, c, mustOpen(uuid.New(), e8(1), true, 1, t0))
}

func TestSequenceValidation_UnsequencedAccepted(t *testing.T) {
	c, _, _ := newTestCore()
	owner := uuid.New()

	mustProcess(t, c, mustOpen(owner, e8(1), true, 0, t0))
	mustProcess(t, c, mustClose(owner, 0, t0+1))
}

// ============================================================================
// Test: State Hash Chain
// ============================================================================

func TestStateHashChain_Deterministic(t *testing.T) {
	owner := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	openID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	closeID := uuid.MustParse("33333333-3333-3333-3333-333333333333")

	processEvents := func() [][32]byte {
		c, persistCh, _ := newTestCore()

		open := mustOpen(owner, e8(10_000_000), true, 1, t0)
		open.RequestID = openID
		cls := mustClose(owner, 2, t0+day)
		cls.RequestID = closeID

		mustProcess(t, c, open)
		mustProcess(t, c, mustCatchUp(t0+3600))
		mustProcess(t, c, cls)

		outputs := drainOutputs(persistCh)
		hashes := make([][32]byte, len(outputs))
		for i, o := range outputs {
			hashes[i] = o.Envelope.StateHash
		}
		return hashes
	}

	hashes1 := processEvents()
	hashes2 := processEvents()

	if len(hashes1) != 3 || len(hashes2) != 3 {
		t.Fatalf("unexpected output counts: %d vs %d", len(hashes1), len(hashes2))
	}
	for i := range hashes1 {
		if hashes1[i] != hashes2[i] {
			t.Errorf("hash %d differs: %x vs %x", i, hashes1[i], hashes2[i])
		}
	}
}

func TestStateHashChain_Links(t *testing.T) {
	c, persistCh, _ := newTestCore()
	mustProcess(t, c, mustOpen(uuid.New(), e8(1), true, 1, t0))
	mustProcess(t, c, mustCatchUp(t0+60))

	outputs := drainOutputs(persistCh)
	if outputs[0].Envelope.PrevHash != core.GenesisHash() {
		t.Error("first envelope should chain from genesis")
	}
	if outputs[1].Envelope.PrevHash != outputs[0].Envelope.StateHash {
		t.Error("second envelope should chain from the first")
	}
	if c.GetStateHash() != outputs[1].Envelope.StateHash {
		t.Error("chain tip should be the last state hash")
	}
}

// ============================================================================
// Test: Envelope Integrity
// ============================================================================

func TestEnvelope_HasCorrectFields(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owner := uuid.New()

	open := mustOpen(owner, e8(3), false, 4, t0)
	mustProcess(t, c, open)

	env := drainOutputs(persistCh)[0].Envelope

	if env.Sequence != 0 {
		t.Errorf("expected sequence 0, got %d", env.Sequence)
	}
	if env.IdempotencyKey != open.IdempotencyKey() {
		t.Errorf("idempotency key mismatch: %s vs %s", env.IdempotencyKey, open.IdempotencyKey())
	}
	if env.EventType != event.EventTypePositionOpen {
		t.Errorf("event type mismatch: %v", env.EventType)
	}
	if env.Owner == nil || *env.Owner != owner {
		t.Errorf("owner mismatch: %v", env.Owner)
	}
	if env.SourceSequence != 4 {
		t.Errorf("source sequence: got %d, want 4", env.SourceSequence)
	}
	if env.MarketID != testMarket {
		t.Errorf("market: got %q", env.MarketID)
	}

	// Payload replays to the same event
	replayed, err := event.Unmarshal(env.EventType.String(), env.Payload)
	if err != nil {
		t.Fatalf("payload does not parse: %v", err)
	}
	if replayed.IdempotencyKey() != open.IdempotencyKey() {
		t.Errorf("replayed key mismatch")
	}
	if !replayed.(*event.PositionOpen).Size.Equal(open.Size) {
		t.Errorf("replayed size mismatch")
	}
}

// ============================================================================
// Test: Projection Channel (non-blocking drop)
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1) // tiny buffer, fills up
	c := core.NewDeterministicCore(core.Config{MarketID: testMarket}, persistCh, projCh, nil, nil)

	for i := int64(0); i < 5; i++ {
		mustProcess(t, c, mustCatchUp(t0+i))
	}

	// All 5 succeed (projection drops are silent)
	if n := len(drainOutputs(persistCh)); n != 5 {
		t.Errorf("expected 5 persist outputs, got %d", n)
	}
	if n := len(drainOutputs(projCh)); n != 1 {
		t.Errorf("expected 1 projection output, got %d", n)
	}
}

// ============================================================================
// Test: Snapshot & Restore
// ============================================================================

func TestSnapshotRestore_ContinuesIdentically(t *testing.T) {
	long, short := uuid.New(), uuid.New()

	original, persistCh, _ := newTestCore()
	firstOpen := mustOpen(long, e8(70_000_000), true, 1, t0)
	mustProcess(t, original, firstOpen)
	mustProcess(t, original, mustOpen(short, e8(30_000_000), false, 1, t0))
	mustProcess(t, original, mustClose(short, 2, t0+day))
	drainOutputs(persistCh)

	snap := original.CreateSnapshotState()

	restoredPersist := make(chan core.CoreOutput, 16)
	restored := core.NewDeterministicCore(core.Config{MarketID: testMarket}, restoredPersist, nil, nil, nil)
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}

	if restored.GetSequence() != original.GetSequence() {
		t.Fatalf("sequence: got %d, want %d", restored.GetSequence(), original.GetSequence())
	}
	if !restored.FundingPool().Equal(original.FundingPool()) {
		t.Errorf("pool: got %s, want %s", restored.FundingPool(), original.FundingPool())
	}

	next := mustClose(long, 2, t0+2*day)
	a := mustProcess(t, original, next)
	b := mustProcess(t, restored, next)
	if !a.Settlement.Amount.Equal(b.Settlement.Amount) {
		t.Errorf("settlement diverged: %s vs %s", a.Settlement.Amount, b.Settlement.Amount)
	}
	if original.GetStateHash() != restored.GetStateHash() {
		t.Error("state hash diverged after restore")
	}

	// Idempotency keys travel with the snapshot.
	dup := mustProcess(t, restored, firstOpen)
	if !dup.Duplicate {
		t.Error("open processed before the snapshot should be a duplicate after restore")
	}
}

func TestSnapshotRestore_RejectsOtherMarket(t *testing.T) {
	c, _, _ := newTestCore()
	snap := c.CreateSnapshotState()
	snap.MarketID = "BTC-PERP"

	other, _, _ := newTestCore()
	if err := other.RestoreFromSnapshot(snap); !errors.Is(err, core.ErrWrongMarket) {
		t.Fatalf("expected ErrWrongMarket, got %v", err)
	}
}

// ============================================================================
// Test: Concurrent readers
// ============================================================================

func TestConcurrentReadsDuringWrites(t *testing.T) {
	c, persistCh, _ := newTestCore()
	owners := make([]uuid.UUID, 16)
	for i := range owners {
		owners[i] = uuid.New()
	}

	go func() {
		for range persistCh {
		}
	}()

	var wg sync.WaitGroup
	for i, owner := range owners {
		wg.Add(1)
		go func(i int, owner uuid.UUID) {
			defer wg.Done()
			at := t0 + int64(i)
			if _, err := c.ProcessEvent(mustOpen(owner, e8(int64(i+1)), i%2 == 0, 1, at)); err != nil {
				t.Errorf("open %d: %v", i, err)
			}
			_ = c.CurrentRate()
			_ = c.OpenInterest()
			if _, err := c.PendingFunding(owner, at+day); err != nil {
				t.Errorf("pending %d: %v", i, err)
			}
		}(i, owner)
	}
	wg.Wait()

	oi := c.OpenInterest()
	var long, short fpmath.Wad
	for i := range owners {
		if i%2 == 0 {
			long = long.Add(e8(int64(i + 1)))
		} else {
			short = short.Add(e8(int64(i + 1)))
		}
	}
	if !oi.Long.Equal(long) || !oi.Short.Equal(short) {
		t.Errorf("open interest: got long=%s short=%s, want long=%s short=%s", oi.Long, oi.Short, long, short)
	}
	close(persistCh)
}
