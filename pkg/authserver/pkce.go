package authserver

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/oauth2"
)

// PKCE errors, mapped to invalid_grant / invalid_request by the handlers.
var (
	ErrPKCERequired        = errors.New("code_challenge is required")
	ErrPKCEMethod          = errors.New("only the S256 code_challenge_method is supported")
	ErrPKCEVerifierMissing = errors.New("code_verifier is required")
	ErrPKCEVerifierInvalid = errors.New("code_verifier does not match the code_challenge")
)

// ValidateChallenge checks the PKCE parameters of an authorize request.
// requirePKCE controls whether a missing challenge is an error; the method,
// when present, must be S256 (plain is rejected outright per OAuth 2.1).
func ValidateChallenge(challenge, method string, requirePKCE bool) error {
	if challenge == "" {
		if requirePKCE {
			return ErrPKCERequired
		}
		return nil
	}
	if method != "" && method != "S256" {
		return ErrPKCEMethod
	}
	return nil
}

// VerifyCodeVerifier checks the token-endpoint half of PKCE against the
// challenge captured at authorize time.
func VerifyCodeVerifier(challenge, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return ErrPKCEVerifierMissing
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrPKCEVerifierInvalid
	}
	return nil
}
