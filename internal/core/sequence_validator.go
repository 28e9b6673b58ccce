package core

import (
	"errors"
	"fmt"
)

// ErrStaleSequence is returned when an owner's source sequence does not
// move forward.
var ErrStaleSequence = errors.New("stale source sequence")

// SequenceValidator enforces per-owner ordering of sequenced commands.
// Sequences must strictly increase within a partition; gaps are accepted
// and counted. A zero sequence marks an unsequenced command (direct API
// calls) and is not checked.
// Not thread-safe; only accessed under the core's write lock.
type SequenceValidator struct {
	lastSeq map[string]int64 // partition -> last applied sequence
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		lastSeq: make(map[string]int64),
	}
}

// Check validates sourceSequence without recording it. Returns whether the
// sequence skips ahead of last+1.
func (sv *SequenceValidator) Check(partition string, sourceSequence int64) (gap bool, err error) {
	if sourceSequence == 0 {
		return false, nil
	}
	if sourceSequence < 0 {
		return false, fmt.Errorf("%w: partition=%s, negative sequence %d", ErrStaleSequence, partition, sourceSequence)
	}

	last := sv.lastSeq[partition]
	if sourceSequence <= last {
		return false, fmt.Errorf("%w: partition=%s, last=%d, got=%d",
			ErrStaleSequence, partition, last, sourceSequence)
	}

	return sourceSequence > last+1, nil
}

// Advance records sourceSequence after the event was applied.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if sourceSequence == 0 {
		return
	}
	if sourceSequence > sv.lastSeq[partition] {
		sv.lastSeq[partition] = sourceSequence
	}
}

// RestorePartition initializes a partition (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, lastSeq int64) {
	sv.lastSeq[partition] = lastSeq
}

// GetAllPartitions returns a copy of all partitions (for snapshot creation)
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	result := make(map[string]int64, len(sv.lastSeq))
	for k, v := range sv.lastSeq {
		result[k] = v
	}
	return result
}
