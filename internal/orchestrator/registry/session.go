// Package registry provides the concurrent session store backing the
// orchestration workflows. At most one active session of a given kind exists
// per initiating extension; expired sessions are torn down through the same
// cancellation path manual cancel uses.
package registry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a session workflow.
type Kind int

const (
	KindAttendedTransfer Kind = iota
	KindConference
	KindMonitor
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindAttendedTransfer:
		return "attended_transfer"
	case KindConference:
		return "conference"
	case KindMonitor:
		return "monitor"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Session is the minimal view the registry needs of a workflow session.
// Workflow packages define the concrete types and type-assert on retrieval.
type Session interface {
	ID() string
	Kind() Kind
	Extension() string
	CreatedAt() time.Time
}

// NewID mints a session identifier. UUIDv7 is time-ordered, so IDs are
// monotonic across the process and never reused.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}
