package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

const GenesisHashSeed = "PariLedger:genesis:v1"

// StateHasher folds ledger records into a hash chain. Two stores holding
// the same records, visited in the same order, end with the same tip.
type StateHasher struct {
	prevHash [32]byte
	count    uint64
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// Fold computes tip = SHA-256(prev || n || tag || record).
func (h *StateHasher) Fold(tag byte, record []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], h.count)
	hasher.Write(n[:])
	hasher.Write([]byte{tag})
	hasher.Write(record)

	copy(h.prevHash[:], hasher.Sum(nil))
	h.count++
	return h.prevHash
}

func (h *StateHasher) Tip() string {
	return hex.EncodeToString(h.prevHash[:])
}
