package settle

import (
	"encoding/hex"
	"fmt"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/group/edwards25519"
	"go.dedis.ch/kyber/v4/sign/schnorr"
)

var suite = edwards25519.NewBlakeSHA256Ed25519()

// KeyPair is a participant's attestation key. The public point is what the
// ledger knows about the participant; the private scalar never leaves the
// client.
type KeyPair struct {
	Private kyber.Scalar
	Public  kyber.Point
}

// NewKeyPair draws a fresh Schnorr key pair from the suite's random stream.
func NewKeyPair() KeyPair {
	private := suite.Scalar().Pick(suite.RandomStream())
	return KeyPair{
		Private: private,
		Public:  suite.Point().Mul(private, nil),
	}
}

// Attest signs the settlement digest of an entry, producing the proof the
// submitter places in the signer's slot.
func Attest(key KeyPair, e Entry) (string, error) {
	sig, err := schnorr.Sign(suite, key.Private, Digest(e))
	if err != nil {
		return "", fmt.Errorf("sign settlement digest: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// VerifyAttestation checks a proof against a participant's public key and
// the entry it claims to attest.
func VerifyAttestation(public kyber.Point, e Entry, proof string) error {
	sig, err := hex.DecodeString(proof)
	if err != nil {
		return fmt.Errorf("decode proof: %w", err)
	}
	if err := schnorr.Verify(suite, public, Digest(e), sig); err != nil {
		return fmt.Errorf("verify proof: %w", err)
	}
	return nil
}
