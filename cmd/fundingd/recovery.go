package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"FundingLedger/internal/core"
	"FundingLedger/internal/event"
	"FundingLedger/internal/observability"
	"FundingLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// recoverState restores the latest verified snapshot and replays the event
// log after it. The core must not have the Postgres dedup tier attached yet.
// Replayed outputs are already in the log, so persistOut is drained and
// discarded until replay finishes. Returns the number of replayed events.
func recoverState(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	persistOut <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (int64, error) {
	start := time.Now()

	stopDrain := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case <-persistOut:
			case <-stopDrain:
				for {
					select {
					case <-persistOut:
					default:
						return
					}
				}
			}
		}
	}()
	defer func() {
		close(stopDrain)
		<-drained
	}()

	from := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		coreSnap, err := snap.ToCoreSnapshot()
		if err != nil {
			return 0, fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		if err := c.RestoreFromSnapshot(coreSnap); err != nil {
			return 0, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		if c.GetStateHash() != coreSnap.StateHash {
			return 0, fmt.Errorf("state hash mismatch after restoring snapshot %d", snap.Sequence)
		}
		from = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Int("positions", len(snap.Positions)).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	replayed, err := replayEventsFromLog(ctx, c, snapMgr, from, logger)
	if err != nil {
		return replayed, err
	}

	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	return replayed, nil
}

// replayEventsFromLog feeds logged events back through the core. Each
// replayed event must land on the sequence it was logged with and
// reproduce its logged state hash; anything else means the log and the
// engine disagree, which is fatal.
func replayEventsFromLog(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	fromSequence int64,
	logger zerolog.Logger,
) (int64, error) {
	const batchSize = 1000
	var total int64

	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			evt, err := event.Unmarshal(row.EventType, row.Payload)
			if err != nil {
				return total, fmt.Errorf("decode event %d: %w", row.Sequence, err)
			}
			if next := c.GetSequence(); next != row.Sequence {
				return total, fmt.Errorf("replay: event log has sequence %d, core expects %d", row.Sequence, next)
			}
			if _, err := c.ProcessEvent(evt); err != nil {
				return total, fmt.Errorf("replay event %d: %w", row.Sequence, err)
			}
			hash := c.GetStateHash()
			if !bytes.Equal(hash[:], row.StateHash) {
				return total, fmt.Errorf("replay: state hash diverged at sequence %d", row.Sequence)
			}
			total++
		}

		fromSequence = rows[len(rows)-1].Sequence + 1
		logger.Debug().Int64("through", fromSequence-1).Msg("replayed batch")
	}

	return total, nil
}

// snapshotter takes snapshots of the live core. It implements server.Admin.
type snapshotter struct {
	core    *core.DeterministicCore
	snapMgr *persistence.SnapshotManager
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// TakeSnapshot saves the current state, then verifies it against the event
// log once the persistence worker has written that sequence. Returns the
// snapshot's sequence.
func (s *snapshotter) TakeSnapshot(ctx context.Context) (int64, error) {
	start := time.Now()

	coreSnap := s.core.CreateSnapshotState()
	if coreSnap.Sequence < 0 {
		return -1, errors.New("nothing to snapshot: no events processed")
	}
	data := persistence.FromCoreSnapshot(coreSnap, time.Now())

	size, err := s.snapMgr.SaveSnapshot(ctx, data)
	if err != nil {
		return -1, fmt.Errorf("save snapshot: %w", err)
	}

	if err := s.verify(ctx, data); err != nil {
		return -1, err
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	}
	s.logger.Info().Int64("sequence", data.Sequence).Int("bytes", size).Msg("snapshot saved")
	return data.Sequence, nil
}

func (s *snapshotter) verify(ctx context.Context, data *persistence.SnapshotData) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		err := s.snapMgr.VerifySnapshot(ctx, data.Sequence, data.StateHash)
		if !errors.Is(err, persistence.ErrSnapshotNotDurable) {
			if err != nil {
				return fmt.Errorf("verify snapshot: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("verify snapshot %d: %w", data.Sequence, ctx.Err())
		case <-ticker.C:
		}
	}
}

// runPeriodicSnapshots takes a snapshot every interval events.
func (s *snapshotter) runPeriodicSnapshots(ctx context.Context, interval int64, checkEvery time.Duration) error {
	if interval <= 0 {
		interval = 100_000
	}
	if checkEvery <= 0 {
		checkEvery = 10 * time.Second
	}

	lastSnapshotSeq := s.core.GetSequence()
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current := s.core.GetSequence()
			if current-lastSnapshotSeq < interval {
				continue
			}
			if _, err := s.TakeSnapshot(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = current
		}
	}
}
