package main

import (
	"errors"
	"fmt"
)

// Sentinel errors for the connection lifecycle.
var (
	// ErrInvalidCode means the discovery input was malformed. Local and
	// non-retryable without new input.
	ErrInvalidCode = errors.New("invalid connection code")

	// ErrServiceUnreachable means the transport could not reach the
	// service vault. Caller-retryable.
	ErrServiceUnreachable = errors.New("service unreachable")

	// ErrServiceNotFound means the service id resolved to nothing.
	ErrServiceNotFound = errors.New("service not found")

	// ErrConnectionNotFound means no connection record exists for the id.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrConnectionRevoked means the connection is terminally revoked.
	ErrConnectionRevoked = errors.New("connection has been revoked")

	// ErrNoPendingUpdate means accept/reject was called with no pending
	// contract version on the connection.
	ErrNoPendingUpdate = errors.New("no pending contract update")

	// ErrBusy means another negotiation, signing, or revocation is
	// already in flight for this connection id.
	ErrBusy = errors.New("operation already in flight for connection")

	// ErrInvalidTransition means the signer was asked to move to a state
	// its current state has no edge to.
	ErrInvalidTransition = errors.New("invalid signer state transition")
)

// AuthOutcome classifies the result of a step-up authentication attempt
type AuthOutcome int

const (
	AuthApproved AuthOutcome = iota
	AuthCancelled
	AuthFallback
	AuthFailed
)

// AuthError reports a non-approved step-up outcome. Cancelled is
// recoverable in place; Failed requires a fresh authorization attempt.
type AuthError struct {
	Outcome AuthOutcome
	Reason  string
}

func (e *AuthError) Error() string {
	switch e.Outcome {
	case AuthCancelled:
		return "authentication cancelled by user"
	case AuthFallback:
		return "authentication fallback requested"
	default:
		if e.Reason != "" {
			return "authentication failed: " + e.Reason
		}
		return "authentication failed"
	}
}

// SigningError means the remote signer rejected the request or returned a
// malformed result. The pending sign request is discarded and the user
// must restart negotiation.
type SigningError struct {
	ServiceGUID string
	Reason      string
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing failed for service %s: %s", e.ServiceGUID, e.Reason)
}

// PersistenceError means a local write failed after the remote side effect
// already landed. It preserves the signed result so the caller can retry
// persisting without re-signing.
type PersistenceError struct {
	SignResult *SignResponse
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist signed connection (retry persist, do not re-sign): %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IntegrityViolation reports the first point of divergence in an audit
// chain. It is always surfaced and never auto-repaired.
type IntegrityViolation struct {
	Index  int
	Entry  string
	Reason string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("audit chain integrity violation at entry %d (%s): %s", e.Index, e.Entry, e.Reason)
}

// ValidationError reports an invalid contract or request field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
