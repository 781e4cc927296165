// Package mfa issues and verifies multi-factor proofs for CRITICAL-tier
// authorization. A proof is a short-lived HS256 JWT bound to a single
// authorization request id; the policy engine refuses to approve a
// CRITICAL request without one, and the gatekeeper re-checks freshness
// at dispatch time so an approval cannot ride on a stale proof.
package mfa

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidProof covers bad signatures, malformed tokens, and
	// proofs bound to a different request.
	ErrInvalidProof = errors.New("invalid mfa proof")
	// ErrProofExpired means the proof's issue time is outside the
	// configured validity window.
	ErrProofExpired = errors.New("mfa proof outside validity window")
)

const issuer = "prism-gateway"

// Verifier checks proofs against a shared secret and validity window.
type Verifier struct {
	secret []byte
	maxAge time.Duration
}

// NewVerifier creates a Verifier. maxAge is the proof freshness window;
// a proof issued more than maxAge before the check time is rejected.
func NewVerifier(secret []byte, maxAge time.Duration) *Verifier {
	return &Verifier{secret: secret, maxAge: maxAge}
}

// MaxAge returns the configured freshness window.
func (v *Verifier) MaxAge() time.Duration {
	return v.maxAge
}

// Verify checks the proof token: HS256 signature, binding to the given
// request id, and issue time within the validity window relative to at.
// The same proof can be checked twice (at approval and again at
// dispatch); both checks must pass for a CRITICAL call to run.
func (v *Verifier) Verify(token, requestID string, at time.Time) error {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		// Freshness is checked explicitly below against the caller's
		// reference time, not the wall clock at parse time.
		jwt.WithTimeFunc(func() time.Time { return at }),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if !parsed.Valid {
		return ErrInvalidProof
	}
	if claims.Subject != requestID {
		return fmt.Errorf("%w: bound to %q, not %q", ErrInvalidProof, claims.Subject, requestID)
	}
	if claims.IssuedAt == nil {
		return fmt.Errorf("%w: missing issue time", ErrInvalidProof)
	}
	issued := claims.IssuedAt.Time
	if issued.After(at.Add(30 * time.Second)) { // small clock-skew allowance
		return fmt.Errorf("%w: issued in the future", ErrInvalidProof)
	}
	if at.Sub(issued) > v.maxAge {
		return fmt.Errorf("%w: issued %s ago, window %s", ErrProofExpired,
			at.Sub(issued).Round(time.Second), v.maxAge)
	}
	return nil
}

// Issuer mints proofs. Used by the operator ceremony surface and tests.
type Issuer struct {
	secret []byte
}

// NewIssuer creates an Issuer sharing the Verifier's secret.
func NewIssuer(secret []byte) *Issuer {
	return &Issuer{secret: secret}
}

// Issue mints a proof bound to requestID at the given time.
func (i *Issuer) Issue(requestID string, at time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:   issuer,
		Subject:  requestID,
		IssuedAt: jwt.NewNumericDate(at),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("mfa: signing failed: %w", err)
	}
	return signed, nil
}
