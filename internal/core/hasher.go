package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHashSeed seeds the hash chain of a market's first event.
const GenesisHashSeed = "FundingLedger:genesis:v1"

// GenesisHash returns the hash every chain starts from.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// StateHasher links every applied event into a chain:
//
//	hash[n] = SHA-256(hash[n-1] || uint64le(n) || digest[n])
//
// Replaying the event log must reproduce each logged hash exactly.
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: GenesisHash()}
}

// ComputeHash extends the chain with sequence's digest and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	buf := make([]byte, 0, len(h.tip)+8+len(stateDigest))
	buf = append(buf, h.tip[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, stateDigest...)

	h.tip = sha256.Sum256(buf)
	return h.tip
}

// GetPrevHash returns the chain tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.tip
}

// SetPrevHash moves the tip, on snapshot restore.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.tip = hash
}
