package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"FundingLedger/internal/core"
	fpmath "FundingLedger/internal/math"

	"github.com/redis/go-redis/v9"
)

// ErrNotCached is returned when no snapshot has been written for a market.
var ErrNotCached = errors.New("redis: risk snapshot not cached")

// RiskSnapshot is the market funding state risk reporting reads.
type RiskSnapshot struct {
	MarketID      string
	Sequence      int64
	Rate          fpmath.Wad
	Index         fpmath.Wad
	LastUpdate    int64
	LongOI        fpmath.Wad
	ShortOI       fpmath.Wad
	OpenPositions int
	UpdatedAt     time.Time
}

// SnapshotFromOutput captures the market view carried by a core output.
func SnapshotFromOutput(out core.CoreOutput, now time.Time) RiskSnapshot {
	m := out.Market
	return RiskSnapshot{
		MarketID:      m.MarketID,
		Sequence:      out.Envelope.Sequence,
		Rate:          m.Rate,
		Index:         m.Index.Cumulative,
		LastUpdate:    m.Index.LastUpdate,
		LongOI:        m.OpenInterest.Long,
		ShortOI:       m.OpenInterest.Short,
		OpenPositions: m.Positions,
		UpdatedAt:     now,
	}
}

// RiskKey is the hash holding a market's latest snapshot.
func RiskKey(marketID string) string {
	return "funding:" + marketID + ":risk"
}

// UpdatesChannel announces each new snapshot's sequence.
func UpdatesChannel(marketID string) string {
	return "funding:" + marketID + ":updates"
}

func (s RiskSnapshot) fields() map[string]interface{} {
	return map[string]interface{}{
		"sequence":       strconv.FormatInt(s.Sequence, 10),
		"rate":           s.Rate.String(),
		"index":          s.Index.String(),
		"last_update":    strconv.FormatInt(s.LastUpdate, 10),
		"long_oi":        s.LongOI.String(),
		"short_oi":       s.ShortOI.String(),
		"open_positions": strconv.Itoa(s.OpenPositions),
		"updated_at":     strconv.FormatInt(s.UpdatedAt.UnixNano(), 10),
	}
}

func decodeSnapshot(marketID string, vals map[string]string) (RiskSnapshot, error) {
	if len(vals) == 0 {
		return RiskSnapshot{}, ErrNotCached
	}
	snap := RiskSnapshot{MarketID: marketID}

	var err error
	parseInt := func(field string) int64 {
		if err != nil {
			return 0
		}
		var n int64
		n, err = strconv.ParseInt(vals[field], 10, 64)
		if err != nil {
			err = fmt.Errorf("redis: parse %s: %w", field, err)
		}
		return n
	}
	parseWad := func(field string) fpmath.Wad {
		if err != nil {
			return fpmath.Zero
		}
		var w fpmath.Wad
		w, err = fpmath.ParseRaw(vals[field])
		if err != nil {
			err = fmt.Errorf("redis: parse %s: %w", field, err)
		}
		return w
	}

	snap.Sequence = parseInt("sequence")
	snap.Rate = parseWad("rate")
	snap.Index = parseWad("index")
	snap.LastUpdate = parseInt("last_update")
	snap.LongOI = parseWad("long_oi")
	snap.ShortOI = parseWad("short_oi")
	snap.OpenPositions = int(parseInt("open_positions"))
	snap.UpdatedAt = time.Unix(0, parseInt("updated_at"))
	return snap, err
}

// RiskCache stores snapshots in a Redis hash and announces them on a
// pub/sub channel.
type RiskCache struct {
	rdb redis.UniversalClient
}

func NewRiskCache(c *Client) *RiskCache {
	return &RiskCache{rdb: c.Underlying()}
}

// WriteRisk replaces the market's snapshot and publishes its sequence, in
// one MULTI/EXEC so readers never see a half-written hash.
func (rc *RiskCache) WriteRisk(ctx context.Context, snap RiskSnapshot) error {
	key := RiskKey(snap.MarketID)
	_, err := rc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, snap.fields())
		pipe.Publish(ctx, UpdatesChannel(snap.MarketID), strconv.FormatInt(snap.Sequence, 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: write risk %s: %w", snap.MarketID, err)
	}
	return nil
}

// ReadRisk returns the latest snapshot, or ErrNotCached.
func (rc *RiskCache) ReadRisk(ctx context.Context, marketID string) (RiskSnapshot, error) {
	vals, err := rc.rdb.HGetAll(ctx, RiskKey(marketID)).Result()
	if err != nil {
		return RiskSnapshot{}, fmt.Errorf("redis: read risk %s: %w", marketID, err)
	}
	return decodeSnapshot(marketID, vals)
}
