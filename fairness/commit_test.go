package fairness

import (
	"bytes"
	"testing"
)

func TestGenerateVerify(t *testing.T) {
	for i := 0; i < 100; i++ {
		card, secret, commitment, err := Generate()
		if err != nil {
			t.Fatal(err)
		}
		if !card.Valid() {
			t.Fatalf("card %d out of range", card)
		}
		if len(secret) != SecretSize {
			t.Fatalf("secret length %d", len(secret))
		}
		if !Verify(card, secret, commitment) {
			t.Fatal("honest opening rejected")
		}
	}
}

func TestVerifyRejectsTamperedCard(t *testing.T) {
	card, secret, commitment, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	other := (card + 1) % DeckSize
	if Verify(other, secret, commitment) {
		t.Fatal("accepted a different card against the same commitment")
	}
}

func TestVerifyRejectsTamperedSecret(t *testing.T) {
	card, secret, commitment, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	forged := bytes.Clone(secret)
	forged[0] ^= 0x01
	if Verify(card, forged, commitment) {
		t.Fatal("accepted a tampered secret")
	}
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	card, secret, commitment, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if Verify(card, secret[:16], commitment) {
		t.Fatal("accepted a truncated secret")
	}
	if Verify(card, secret, commitment[:16]) {
		t.Fatal("accepted a truncated commitment")
	}
	if Verify(Card(DeckSize), secret, commitment) {
		t.Fatal("accepted an out-of-deck card")
	}
}

func TestCommitDeterministic(t *testing.T) {
	secret := make(Secret, SecretSize)
	for i := range secret {
		secret[i] = byte(i)
	}
	a := Commit(7, secret)
	b := Commit(7, secret)
	if !bytes.Equal(a, b) {
		t.Fatal("commitment is not deterministic")
	}
	if len(a) != CommitmentSize {
		t.Fatalf("commitment length %d", len(a))
	}
}
