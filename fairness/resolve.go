package fairness

// Outcome is the result of a finished duel as seen by one side. It is never
// transmitted: both sides derive it independently from the same two revealed
// cards and agree by construction.
type Outcome int

const (
	Tie Outcome = iota
	SelfWins
	OpponentWins
)

func (o Outcome) String() string {
	switch o {
	case SelfWins:
		return "self wins"
	case OpponentWins:
		return "opponent wins"
	default:
		return "tie"
	}
}

// Resolve compares the local card against the opponent's. Higher rank wins,
// equal ranks tie. Suits never break ties.
func Resolve(mine, theirs Card) Outcome {
	switch {
	case mine.Rank() > theirs.Rank():
		return SelfWins
	case mine.Rank() < theirs.Rank():
		return OpponentWins
	default:
		return Tie
	}
}
