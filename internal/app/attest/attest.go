// Package attest verifies the cryptographic attestations the
// confidential-compute oracle attaches to decryption callbacks. A proof binds
// a request id to its cleartext result; no callback payload is trusted before
// the proof checks out.
package attest

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Verifier checks that a proof binds the request id and cleartexts.
type Verifier interface {
	Verify(ctx context.Context, requestID uint64, cleartexts []int64, proof []byte) error
}

// Digest computes the canonical attestation digest for a callback payload.
func Digest(requestID uint64, cleartexts []int64) []byte {
	h := sha256.New()
	h.Write([]byte("CLS_ATTEST_V1"))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], requestID)
	h.Write(buf[:])

	binary.BigEndian.PutUint64(buf[:], uint64(len(cleartexts)))
	h.Write(buf[:])
	for _, v := range cleartexts {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	return h.Sum(nil)
}

// Ed25519Verifier verifies proofs signed by the oracle's attestation key.
type Ed25519Verifier struct {
	pub ed25519.PublicKey
}

var _ Verifier = (*Ed25519Verifier)(nil)

// NewEd25519Verifier creates a verifier for the given oracle public key.
func NewEd25519Verifier(pub ed25519.PublicKey) (*Ed25519Verifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("attestation public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	return &Ed25519Verifier{pub: pub}, nil
}

func (v *Ed25519Verifier) Verify(_ context.Context, requestID uint64, cleartexts []int64, proof []byte) error {
	if len(proof) != ed25519.SignatureSize {
		return fmt.Errorf("proof must be %d bytes, got %d", ed25519.SignatureSize, len(proof))
	}
	if !ed25519.Verify(v.pub, Digest(requestID, cleartexts), proof) {
		return fmt.Errorf("attestation signature does not verify for request %d", requestID)
	}
	return nil
}

// Signer produces attestation proofs. It exists for tests and for oracle
// simulators; the production oracle signs inside its own enclave.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner creates a signer from an ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv}
}

// Attest signs the canonical digest for the payload.
func (s *Signer) Attest(requestID uint64, cleartexts []int64) []byte {
	return ed25519.Sign(s.priv, Digest(requestID, cleartexts))
}
