package main

import (
	"context"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// StepUpAuthenticator proves user presence before a sensitive operation.
// Implementations sit outside the core (biometric sensor on device); the
// core only consumes the outcome.
type StepUpAuthenticator interface {
	Authenticate(ctx context.Context, reason string) (AuthOutcome, error)
}

// Argon2id parameters, matching the vault credential scheme
const (
	argonTime    = 3
	argonMemory  = 262144 // 256 MB
	argonThreads = 4
	argonKeyLen  = 32
)

// PasscodeAuthenticator is the secondary passcode path used when the
// primary authenticator reports AuthFallback.
type PasscodeAuthenticator struct {
	salt []byte
	hash []byte

	// Prompt asks the user for their passcode. Injected so tests can
	// supply a deterministic source.
	Prompt func(ctx context.Context, reason string) (string, error)
}

// NewPasscodeAuthenticator creates a passcode authenticator from the
// stored Argon2id hash and salt.
func NewPasscodeAuthenticator(hash, salt []byte, prompt func(ctx context.Context, reason string) (string, error)) *PasscodeAuthenticator {
	return &PasscodeAuthenticator{hash: hash, salt: salt, Prompt: prompt}
}

// Authenticate prompts for the passcode and verifies it against the
// stored hash using constant-time comparison.
func (p *PasscodeAuthenticator) Authenticate(ctx context.Context, reason string) (AuthOutcome, error) {
	if p.Prompt == nil {
		return AuthFailed, &AuthError{Outcome: AuthFailed, Reason: "no passcode prompt configured"}
	}

	input, err := p.Prompt(ctx, reason)
	if err != nil {
		if ctx.Err() != nil {
			return AuthCancelled, &AuthError{Outcome: AuthCancelled}
		}
		return AuthFailed, &AuthError{Outcome: AuthFailed, Reason: err.Error()}
	}
	if input == "" {
		return AuthCancelled, &AuthError{Outcome: AuthCancelled}
	}

	computed := argon2.IDKey([]byte(input), p.salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	if subtle.ConstantTimeCompare(computed, p.hash) != 1 {
		return AuthFailed, &AuthError{Outcome: AuthFailed, Reason: "passcode mismatch"}
	}
	return AuthApproved, nil
}

// HashPasscode derives the stored Argon2id hash for a passcode
func HashPasscode(passcode string, salt []byte) []byte {
	return argon2.IDKey([]byte(passcode), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}
