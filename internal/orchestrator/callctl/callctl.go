// Package callctl defines the call-control capability consumed by the
// orchestration workflows. The provider behind this interface (a PBX
// integration) is the sole authority on call state; everything here is
// expressed in terms of opaque call references and extension numbers.
package callctl

import (
	"context"
	"fmt"
)

// CallRef is an opaque handle to a call owned by the provider. Workflows
// treat it as a capability token and never interpret its contents.
type CallRef string

// Handle identifies a provider-side binding for one extension (address plus
// terminal). Obtained via ResolveHandle; required for extension-scoped
// operations.
type Handle struct {
	Extension string
	// Terminal is the provider's terminal identifier for the extension.
	Terminal string
}

// ConnState is the state of one party's connection on a call.
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnInProgress
	ConnAlerting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnUnknown
)

// String returns the string representation of ConnState.
func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "Idle"
	case ConnInProgress:
		return "InProgress"
	case ConnAlerting:
		return "Alerting"
	case ConnConnected:
		return "Connected"
	case ConnDisconnected:
		return "Disconnected"
	case ConnFailed:
		return "Failed"
	case ConnUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// TermState is the state of a party's terminal leg on a call. It is finer
// grained than ConnState: a connected party may be talking or held.
type TermState int

const (
	TermIdle TermState = iota
	TermRinging
	TermTalking
	TermHeld
	TermBridged
	TermDropped
	TermUnknown
)

// String returns the string representation of TermState.
func (s TermState) String() string {
	switch s {
	case TermIdle:
		return "Idle"
	case TermRinging:
		return "Ringing"
	case TermTalking:
		return "Talking"
	case TermHeld:
		return "Held"
	case TermBridged:
		return "Bridged"
	case TermDropped:
		return "Dropped"
	case TermUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Participant describes one party on a call as reported by the provider.
type Participant struct {
	Extension string
	State     ConnState
	TermState TermState
}

// Capabilities lists the call-control primitives a bound provider supports.
// Detected once at binding time; workflows branch on these flags instead of
// probing the provider at call time.
type Capabilities struct {
	Redirect           bool
	SingleStepTransfer bool
	TwoCallTransfer    bool
	Conference         bool
	FeatureCodes       bool
}

// Provider is the call-control capability. All operations are synchronous
// from the workflow's perspective and may fail with a RejectionError carrying
// the raw provider diagnostic.
type Provider interface {
	// ResolveHandle resolves the provider-side binding for an extension.
	// Returns ErrUnavailable if the extension is not registered.
	ResolveHandle(ctx context.Context, extension string) (Handle, error)

	// FindActiveCall returns the extension's current active call, or
	// ErrNoActiveCall if the extension has none.
	FindActiveCall(ctx context.Context, extension string) (CallRef, error)

	// Hold places the extension's leg of the call on hold.
	Hold(ctx context.Context, call CallRef, extension string) error

	// Unhold retrieves the extension's held leg of the call.
	Unhold(ctx context.Context, call CallRef, extension string) error

	// Disconnect drops the extension's connection from the call.
	Disconnect(ctx context.Context, call CallRef, extension string) error

	// Originate places a new call from extension to target and returns its
	// reference. The target may also be a provider feature-code dial string.
	Originate(ctx context.Context, extension, target string) (CallRef, error)

	// Redirect deflects the extension's connection on the call to target,
	// removing the extension from the call.
	Redirect(ctx context.Context, call CallRef, extension, target string) error

	// TransferToAddress performs a single-step transfer of the call to
	// target. The returned reference identifies the new connection when the
	// provider reports one (nil-equivalent empty ref for off-switch targets).
	TransferToAddress(ctx context.Context, call CallRef, target string) (CallRef, error)

	// TransferToCall merges two calls in a transfer: the parties of from are
	// handed over to to, and the common party drops out.
	TransferToCall(ctx context.Context, from, to CallRef) error

	// SetTransferController asserts the extension as the controlling party
	// for a subsequent transfer on the call. Some providers require this
	// binding before TransferToCall is legal.
	SetTransferController(ctx context.Context, call CallRef, extension string) error

	// Conference bridges two calls into one. The surviving call is base.
	Conference(ctx context.Context, base, other CallRef) error

	// ExecuteFeatureCode dials a provider-specific feature code from the
	// extension and returns the resulting call reference.
	ExecuteFeatureCode(ctx context.Context, extension, code string) (CallRef, error)

	// Participants reports the parties currently on the call.
	Participants(ctx context.Context, call CallRef) ([]Participant, error)

	// Capabilities reports the primitives this provider supports.
	Capabilities() Capabilities
}
