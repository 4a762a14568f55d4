package fairness

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// SecretSize is the length of the random secret bound into a commitment.
const SecretSize = 32

// CommitmentSize is the length of a commitment digest.
const CommitmentSize = 32

// Secret is the high-entropy value that opens a commitment. It must never
// leave the generating side before its commitment has been published.
type Secret []byte

// Commitment is a binding, hiding digest of a (Card, Secret) pair:
// keccak256 over the card as a 32-byte big-endian word followed by the
// 32-byte secret, matching the encoding the settlement ledger verifies.
type Commitment []byte

var deckSize = big.NewInt(DeckSize)

// Generate draws a uniform card and a fresh secret, both from the
// cryptographic random source, and returns them with their commitment.
// A predictable source here would let a peer predict or grind the draw,
// so there is no fallback to a weaker generator.
func Generate() (Card, Secret, Commitment, error) {
	n, err := rand.Int(rand.Reader, deckSize)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("draw card: %w", err)
	}
	card := Card(n.Uint64())

	secret := make(Secret, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return 0, nil, nil, fmt.Errorf("draw secret: %w", err)
	}

	return card, secret, Commit(card, secret), nil
}

// Commit computes the commitment for a (Card, Secret) pair.
func Commit(card Card, secret Secret) Commitment {
	var word [32]byte
	word[31] = byte(card)

	h := sha3.NewLegacyKeccak256()
	h.Write(word[:])
	h.Write(secret)
	return h.Sum(nil)
}

// Verify recomputes the commitment from the claimed opening and compares it
// to the published one in constant time. Any mismatch, including a malformed
// secret or commitment length, yields false.
func Verify(card Card, secret Secret, commitment Commitment) bool {
	if !card.Valid() || len(secret) != SecretSize || len(commitment) != CommitmentSize {
		return false
	}
	return subtle.ConstantTimeCompare(Commit(card, secret), commitment) == 1
}
