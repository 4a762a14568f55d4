package game

// commitMessage is the payload of a commit frame. The attempt number scopes
// the commitment to one game attempt so a replayed frame from an earlier
// attempt cannot satisfy the current one.
type commitMessage struct {
	Attempt    uint64 `json:"attempt"`
	Commitment string `json:"commitment"` // hex
}

// revealMessage opens a previously transmitted commitment.
type revealMessage struct {
	Attempt uint64 `json:"attempt"`
	Card    uint8  `json:"card"`
	Secret  string `json:"secret"` // hex
}
