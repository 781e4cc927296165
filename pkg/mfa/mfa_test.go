package mfa_test

import (
	"testing"
	"time"

	"github.com/jothamO/prism-app/pkg/mfa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret-0123456789")

func TestVerify_RoundTrip(t *testing.T) {
	now := time.Now()
	issuer := mfa.NewIssuer(secret)
	verifier := mfa.NewVerifier(secret, 90*time.Second)

	token, err := issuer.Issue("req-1", now)
	require.NoError(t, err)

	assert.NoError(t, verifier.Verify(token, "req-1", now))
	assert.NoError(t, verifier.Verify(token, "req-1", now.Add(89*time.Second)))
}

func TestVerify_RejectsWrongBinding(t *testing.T) {
	now := time.Now()
	issuer := mfa.NewIssuer(secret)
	verifier := mfa.NewVerifier(secret, 90*time.Second)

	token, err := issuer.Issue("req-1", now)
	require.NoError(t, err)

	err = verifier.Verify(token, "req-2", now)
	assert.ErrorIs(t, err, mfa.ErrInvalidProof)
}

func TestVerify_RejectsStaleProof(t *testing.T) {
	now := time.Now()
	issuer := mfa.NewIssuer(secret)
	verifier := mfa.NewVerifier(secret, 90*time.Second)

	token, err := issuer.Issue("req-1", now)
	require.NoError(t, err)

	err = verifier.Verify(token, "req-1", now.Add(91*time.Second))
	assert.ErrorIs(t, err, mfa.ErrProofExpired)
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	now := time.Now()
	issuer := mfa.NewIssuer([]byte("other-secret"))
	verifier := mfa.NewVerifier(secret, 90*time.Second)

	token, err := issuer.Issue("req-1", now)
	require.NoError(t, err)

	err = verifier.Verify(token, "req-1", now)
	assert.ErrorIs(t, err, mfa.ErrInvalidProof)
}

func TestVerify_RejectsFutureProof(t *testing.T) {
	now := time.Now()
	issuer := mfa.NewIssuer(secret)
	verifier := mfa.NewVerifier(secret, 90*time.Second)

	token, err := issuer.Issue("req-1", now.Add(5*time.Minute))
	require.NoError(t, err)

	err = verifier.Verify(token, "req-1", now)
	assert.ErrorIs(t, err, mfa.ErrInvalidProof)
}

func TestVerify_RejectsGarbage(t *testing.T) {
	verifier := mfa.NewVerifier(secret, 90*time.Second)
	err := verifier.Verify("not-a-jwt", "req-1", time.Now())
	assert.ErrorIs(t, err, mfa.ErrInvalidProof)
}
