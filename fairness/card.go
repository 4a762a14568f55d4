package fairness

import (
	"fmt"

	"github.com/pterm/pterm"
)

// DeckSize is the number of distinct cards a side can draw.
const DeckSize = 52

// Card is a playing card encoded as a value in [0, 52):
// rank index = value mod 13, suit = value div 13.
type Card uint8

// Suit index constants (value div 13).
const (
	Spade   = 0 // ♠ (black)
	Heart   = 1 // ♥ (red)
	Diamond = 2 // ♦ (red)
	Club    = 3 // ♣ (black)
)

var rankNames = [13]string{"2", "3", "4", "5", "6", "7", "8", "9", "10", "J", "Q", "K", "A"}

// Valid reports whether the card value is inside the deck.
func (c Card) Valid() bool {
	return c < DeckSize
}

// RankIndex returns the raw rank index in [0, 13).
func (c Card) RankIndex() int {
	return int(c) % 13
}

// Suit returns the suit index in [0, 4).
func (c Card) Suit() int {
	return int(c) / 13
}

// Rank returns the comparable rank of the card. A rank index of zero is the
// highest rank, not the lowest, so it maps to 13 and every other index maps
// to itself.
func (c Card) Rank() int {
	if r := c.RankIndex(); r != 0 {
		return r
	}
	return 13
}

// String renders the card with a colored suit symbol and rank abbreviation.
func (c Card) String() string {
	if !c.Valid() {
		return "??"
	}
	var suit string
	switch c.Suit() {
	case Spade:
		suit = pterm.Black("♠")
	case Heart:
		suit = pterm.LightRed("♥")
	case Diamond:
		suit = pterm.LightRed("♦")
	case Club:
		suit = pterm.Black("♣")
	}
	return fmt.Sprintf("%s%s", rankNames[c.RankIndex()], suit)
}
