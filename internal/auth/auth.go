// Package auth defines the token verification contract used by the
// connection handshake (spec.md §6: "Server sends AUTH_REQUIRED on
// connect; client must reply with AUTH {token}... On verify (symmetric
// or asymmetric signature; algorithm inferred from key material), roles
// default to [USER], userId defaults from token subject"). Actual
// signature verification is explicitly out of scope per spec.md — this
// package is the contract plus a fixed-identity test double.
package auth

import "errors"

// ErrInvalidToken is returned by Verifier.Verify for any token that
// fails verification, regardless of the underlying algorithm.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the authenticated principal derived from a verified
// token.
type Identity struct {
	UserID string
	Roles  []string
}

// Verifier checks a client-presented token and extracts its identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// StaticVerifier accepts exactly one configured token and always
// returns the same identity — a fixture for pipeline/connreg tests and
// for single-operator deployments that don't need real token
// verification wired in yet.
type StaticVerifier struct {
	Token    string
	Identity Identity
}

// Verify implements Verifier.
func (v StaticVerifier) Verify(token string) (Identity, error) {
	if token != v.Token {
		return Identity{}, ErrInvalidToken
	}
	return v.Identity, nil
}

// OpenVerifier accepts any non-empty token, deriving userId from the
// token itself per spec.md §6's "userId defaults from token subject" —
// since real signature verification is out of scope, the whole token
// stands in for its own subject claim. Roles always default to [USER].
// Exists for operators who haven't configured a real verifier yet;
// StaticVerifier or a future JWT-backed Verifier are the production
// path once signature verification is implemented.
type OpenVerifier struct{}

// Verify implements Verifier.
func (OpenVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: token, Roles: []string{"USER"}}, nil
}
