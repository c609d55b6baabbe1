package callctl

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrRejected indicates the provider refused an operation that is
	// structurally invalid given current call state.
	ErrRejected = errors.New("provider rejected operation")

	// ErrUnavailable indicates no resolvable handle or connection for the
	// extension (not registered, provider link down).
	ErrUnavailable = errors.New("provider unavailable for extension")

	// ErrNoActiveCall indicates the extension has no call to operate on.
	ErrNoActiveCall = errors.New("no active call")

	// ErrParticipantNotFound indicates an expected party is absent from the
	// call.
	ErrParticipantNotFound = errors.New("participant not found on call")

	// ErrStaleCall indicates a call reference no longer resolves on the
	// provider side.
	ErrStaleCall = errors.New("call reference is stale")
)

// RejectionError wraps a provider-specific rejection with the raw diagnostic
// string. Operators need the verbatim diagnostic to know which primitive is
// broken on a given deployment.
type RejectionError struct {
	// Op is the call-control primitive that was rejected.
	Op string

	// Diag is the raw provider diagnostic.
	Diag string
}

// Error returns the error message.
func (e *RejectionError) Error() string {
	if e.Diag != "" {
		return fmt.Sprintf("%s rejected: %s", e.Op, e.Diag)
	}
	return fmt.Sprintf("%s rejected", e.Op)
}

// Unwrap returns ErrRejected.
func (e *RejectionError) Unwrap() error {
	return ErrRejected
}

// Reject builds a RejectionError for the given primitive.
func Reject(op, diag string) error {
	return &RejectionError{Op: op, Diag: diag}
}
