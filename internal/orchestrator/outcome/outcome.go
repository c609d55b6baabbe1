// Package outcome defines the structured result type returned by every
// orchestration operation. Human-readable prose lives only in Detail and in
// logs; callers branch on OK and Kind.
package outcome

import (
	"errors"
	"fmt"

	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/callctl"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/registry"
)

// Kind classifies a failure. KindNone is used on success.
type Kind int

const (
	KindNone Kind = iota
	// KindRejected: the provider refused a structurally invalid operation.
	KindRejected
	// KindUnavailable: no resolvable handle or connection for an extension.
	KindUnavailable
	// KindNoActiveCall: the extension has no call to operate on.
	KindNoActiveCall
	// KindParticipantNotFound: an expected party is absent from the call.
	KindParticipantNotFound
	// KindSessionNotFound: no session for the extension or session id.
	KindSessionNotFound
	// KindSessionConflict: an active session of the same kind already exists.
	KindSessionConflict
	// KindPrecondition: a verified live-state precondition was not met.
	KindPrecondition
	// KindExhausted: every fallback strategy failed.
	KindExhausted
	// KindManualIntervention: the session was cleared but the operation did
	// not complete; an operator must finish by hand.
	KindManualIntervention
	// KindInternal: anything else.
	KindInternal
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRejected:
		return "provider_rejected"
	case KindUnavailable:
		return "provider_unavailable"
	case KindNoActiveCall:
		return "no_active_call"
	case KindParticipantNotFound:
		return "participant_not_found"
	case KindSessionNotFound:
		return "session_not_found"
	case KindSessionConflict:
		return "session_conflict"
	case KindPrecondition:
		return "precondition_failed"
	case KindExhausted:
		return "strategies_exhausted"
	case KindManualIntervention:
		return "manual_intervention"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// MarshalText makes Kind render as its name in JSON responses.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is the result of one orchestration operation.
type Outcome struct {
	OK     bool   `json:"ok"`
	Kind   Kind   `json:"kind,omitempty"`
	Detail string `json:"detail"`
}

// Success builds a successful outcome.
func Success(format string, args ...any) Outcome {
	return Outcome{OK: true, Detail: fmt.Sprintf(format, args...)}
}

// Failure builds a failed outcome of the given kind.
func Failure(kind Kind, format string, args ...any) Outcome {
	return Outcome{OK: false, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// FromError maps a workflow error onto a failed outcome, classifying it via
// the shared error taxonomy.
func FromError(err error) Outcome {
	return Outcome{OK: false, Kind: Classify(err), Detail: err.Error()}
}

// Classify maps an error onto a Kind using errors.Is against the taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, registry.ErrConflict):
		return KindSessionConflict
	case errors.Is(err, registry.ErrNotFound):
		return KindSessionNotFound
	case errors.Is(err, callctl.ErrNoActiveCall):
		return KindNoActiveCall
	case errors.Is(err, callctl.ErrParticipantNotFound):
		return KindParticipantNotFound
	case errors.Is(err, callctl.ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, callctl.ErrRejected), errors.Is(err, callctl.ErrStaleCall):
		return KindRejected
	default:
		return KindInternal
	}
}
