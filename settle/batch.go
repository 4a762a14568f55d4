// Package settle turns finished-session records into batches for the
// external ledger, the sole authority on balance mutation. Submission is
// atomic-or-not-at-all per batch: records are marked settled only after the
// ledger confirms, so a failed attempt simply re-presents the same records.
package settle

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/fairgame-ops/highcard/history"
)

// ZeroAddress stands in for the winner of a tied session.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Entry is one settlement submission line. Proof1 and Proof2 are the
// players' attestation signatures over Digest; each side can only fill its
// own slot.
type Entry struct {
	// Seq carries the source record's log sequence so confirmed entries can
	// be marked individually. It is never transmitted.
	Seq       uint64 `json:"-"`
	Player1   string `json:"player1"`
	Player2   string `json:"player2"`
	Winner    string `json:"winner"`
	SessionID uint64 `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Proof1    string `json:"proof1,omitempty"` // hex signature
	Proof2    string `json:"proof2,omitempty"`
}

// BuildBatch converts unsettled records into submission entries, preserving
// order. Already-settled records are skipped, never mutated; an empty input
// yields an empty batch.
func BuildBatch(records []history.Record) []Entry {
	var batch []Entry
	for _, r := range records {
		if r.Settled {
			continue
		}
		winner := r.Winner
		if winner == "" {
			winner = ZeroAddress
		}
		batch = append(batch, Entry{
			Seq:       r.Seq,
			Player1:   r.PlayerA,
			Player2:   r.PlayerB,
			Winner:    winner,
			SessionID: r.SessionID,
			Timestamp: r.CreatedAt.Unix(),
		})
	}
	return batch
}

// Digest computes the 32-byte message both players attest to:
// keccak256(word(player1) ‖ word(player2) ‖ word(winner) ‖ u256(sessionId)
// ‖ u256(timestamp)), the field order the ledger verifies.
func Digest(e Entry) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, addr := range []string{e.Player1, e.Player2, e.Winner} {
		w := addressWord(addr)
		h.Write(w[:])
	}
	h.Write(uintWord(e.SessionID))
	h.Write(uintWord(uint64(e.Timestamp)))
	return h.Sum(nil)
}

// addressWord maps a participant address to a 32-byte word. A 20-byte hex
// address is left-padded the way the ledger encodes it; any other opaque
// identifier is reduced to a word by hashing its lowercase form, which keeps
// the digest total and case-insensitive.
func addressWord(addr string) [32]byte {
	var w [32]byte
	lower := strings.ToLower(addr)
	if b, err := hex.DecodeString(strings.TrimPrefix(lower, "0x")); err == nil && len(b) == 20 {
		copy(w[12:], b)
		return w
	}
	sum := sha3.NewLegacyKeccak256()
	sum.Write([]byte(lower))
	sum.Sum(w[:0])
	return w
}

func uintWord(v uint64) []byte {
	w := make([]byte, 32)
	binary.BigEndian.PutUint64(w[24:], v)
	return w
}
