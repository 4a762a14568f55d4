package history

import "time"

// Record is the local, append-only account of one finished session. It is
// created when a duel reaches its finished state, read by the reconciliation
// batcher and mutated exactly once: Settled flips to true after the external
// ledger confirms submission. Records are never deleted.
type Record struct {
	// Seq identifies the stored entry. It is assigned by the log on read and
	// is what MarkSettled is keyed on: session ids repeat across replays, the
	// sequence never does.
	Seq          uint64    `json:"-"`
	SessionID    uint64    `json:"sessionId"`
	PlayerA      string    `json:"player1"`
	PlayerB      string    `json:"player2"`
	Winner       string    `json:"winner,omitempty"` // empty means tie
	SelfCard     uint8     `json:"myCard"`
	OpponentCard uint8     `json:"opponentCard"`
	CreatedAt    time.Time `json:"createdAt"`
	Settled      bool      `json:"settled"`
}
