package attest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestDigestBindsPayload(t *testing.T) {
	base := Digest(1, []int64{10, 20})

	assert.NotEqual(t, base, Digest(2, []int64{10, 20}), "digest must bind the request id")
	assert.NotEqual(t, base, Digest(1, []int64{10, 21}), "digest must bind the cleartext values")
	assert.NotEqual(t, base, Digest(1, []int64{10, 20, 0}), "digest must bind the cleartext count")
	assert.Equal(t, base, Digest(1, []int64{10, 20}), "digest must be deterministic")
}

func TestEd25519Verifier(t *testing.T) {
	pub, priv := keyPair(t)
	verifier, err := NewEd25519Verifier(pub)
	require.NoError(t, err)
	signer := NewSigner(priv)
	ctx := context.Background()

	cleartexts := []int64{100, -3, 0}
	proof := signer.Attest(9, cleartexts)
	require.NoError(t, verifier.Verify(ctx, 9, cleartexts, proof))

	assert.Error(t, verifier.Verify(ctx, 10, cleartexts, proof), "proof bound to the wrong request")
	assert.Error(t, verifier.Verify(ctx, 9, []int64{100, -3, 1}, proof), "tampered cleartexts")
	assert.Error(t, verifier.Verify(ctx, 9, cleartexts, proof[:len(proof)-1]), "truncated proof")
	assert.Error(t, verifier.Verify(ctx, 9, cleartexts, nil), "empty proof")

	otherPub, _ := keyPair(t)
	otherVerifier, err := NewEd25519Verifier(otherPub)
	require.NoError(t, err)
	assert.Error(t, otherVerifier.Verify(ctx, 9, cleartexts, proof), "proof under the wrong key")
}

func TestNewEd25519VerifierRejectsBadKey(t *testing.T) {
	_, err := NewEd25519Verifier(make([]byte, 16))
	assert.Error(t, err)
	_, err = NewEd25519Verifier(nil)
	assert.Error(t, err)
}
