package relay

import (
	"encoding/json"
	"strings"
)

// MessageType identifies the kind of traffic carried by an Envelope.
type MessageType string

const (
	// TypeJoin admits a connection to a session room. It must be the first
	// frame a client sends and carries no payload.
	TypeJoin MessageType = "join"
	// TypeCommit carries a card commitment to the other room member.
	TypeCommit MessageType = "commit"
	// TypeReveal carries the committed card and its secret.
	TypeReveal MessageType = "reveal"
)

// Envelope is the wire format for every frame exchanged with the relay.
// The relay routes on GameID and never looks inside Payload.
type Envelope struct {
	GameID  uint64          `json:"gameId"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SameAddress compares two participant addresses. Addresses are opaque
// wallet identifiers whose hex casing varies between clients, so the
// comparison is case-insensitive.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
