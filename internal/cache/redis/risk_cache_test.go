package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"FundingLedger/internal/core"
	"FundingLedger/internal/event"
	fpmath "FundingLedger/internal/math"
	"FundingLedger/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outputAt(seq int64, long int64) core.CoreOutput {
	return core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: seq, MarketID: "ETH-PERP"},
		Market: core.MarketView{
			MarketID:     "ETH-PERP",
			Rate:         fpmath.MustParseRaw("100000000000000000"),
			OpenInterest: state.OpenInterest{Long: fpmath.NewWad(long), Short: fpmath.Zero},
			Index:        state.FundingIndex{Cumulative: fpmath.NewWad(-42), LastUpdate: 1_700_000_000},
			Positions:    1,
		},
	}
}

func TestRiskKeys(t *testing.T) {
	assert.Equal(t, "funding:ETH-PERP:risk", RiskKey("ETH-PERP"))
	assert.Equal(t, "funding:ETH-PERP:updates", UpdatesChannel("ETH-PERP"))
}

func TestSnapshotFieldsDecode(t *testing.T) {
	snap := SnapshotFromOutput(outputAt(9, 500), time.Unix(1_700_000_001, 5))

	vals := make(map[string]string)
	for k, v := range snap.fields() {
		vals[k] = v.(string)
	}
	got, err := decodeSnapshot("ETH-PERP", vals)
	require.NoError(t, err)

	assert.Equal(t, int64(9), got.Sequence)
	assert.Equal(t, "100000000000000000", got.Rate.String())
	assert.Equal(t, "-42", got.Index.String(), "negative index must survive")
	assert.True(t, got.LongOI.Equal(fpmath.NewWad(500)))
	assert.Equal(t, 1, got.OpenPositions)
	assert.True(t, got.UpdatedAt.Equal(time.Unix(1_700_000_001, 5)))
}

func TestDecodeSnapshot_Missing(t *testing.T) {
	_, err := decodeSnapshot("ETH-PERP", map[string]string{})
	assert.ErrorIs(t, err, ErrNotCached)

	_, err = decodeSnapshot("ETH-PERP", map[string]string{"sequence": "x"})
	assert.Error(t, err)
}

type fakeWriter struct {
	mu    sync.Mutex
	snaps []RiskSnapshot
}

func (f *fakeWriter) WriteRisk(_ context.Context, snap RiskSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, snap)
	return nil
}

func TestRiskPublisher_ConflatesBacklog(t *testing.T) {
	in := make(chan core.CoreOutput, 8)
	for seq := int64(1); seq <= 5; seq++ {
		in <- outputAt(seq, seq*10)
	}
	close(in)

	w := &fakeWriter{}
	rp := NewRiskPublisher(w, in, nil)
	require.NoError(t, rp.Run(context.Background()))

	require.Len(t, w.snaps, 1, "a queued backlog collapses into one write")
	assert.Equal(t, int64(5), w.snaps[0].Sequence)
	assert.True(t, w.snaps[0].LongOI.Equal(fpmath.NewWad(50)))
}

func TestRiskPublisher_StopsOnCancel(t *testing.T) {
	in := make(chan core.CoreOutput)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- NewRiskPublisher(&fakeWriter{}, in, nil).Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not stop")
	}
}
