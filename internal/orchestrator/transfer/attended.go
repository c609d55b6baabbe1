package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/callctl"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/events"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/outcome"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/registry"
)

// State tracks an attended transfer session through its lifecycle.
type State int

const (
	StateConsulting State = iota
	StateCompleted
	StateCancelled
	StateExpired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConsulting:
		return "consulting"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateExpired:
		return "expired"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is one in-flight attended transfer. The mutex serializes the
// terminal operations (complete, cancel, expire) so exactly one of them
// tears the session down.
type Session struct {
	mu      sync.Mutex
	id      string
	ext     string
	target  string
	held    callctl.CallRef
	consult callctl.CallRef
	state   State
	created time.Time
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Kind() registry.Kind  { return registry.KindAttendedTransfer }
func (s *Session) Extension() string    { return s.ext }
func (s *Session) CreatedAt() time.Time { return s.created }

// Status is the queryable snapshot of a session.
type Status struct {
	SessionID string        `json:"session_id"`
	Extension string        `json:"extension"`
	Target    string        `json:"target"`
	State     string        `json:"state"`
	Age       time.Duration `json:"age"`
}

// StartAttended puts the initiator's current call on hold, dials a consult
// leg to the target and records the pair as a session. The registry entry is
// claimed before any provider work, so two concurrent starts for the same
// extension cannot both proceed.
func (s *Service) StartAttended(ctx context.Context, extension, target string) (outcome.Outcome, string) {
	held, err := s.provider.FindActiveCall(ctx, extension)
	if err != nil {
		return outcome.FromError(err), ""
	}

	sess := &Session{
		id:      registry.NewID(),
		ext:     extension,
		target:  target,
		held:    held,
		state:   StateConsulting,
		created: time.Now(),
	}
	// The mutex is held from before registry publication until the consult
	// ref is recorded, so a cancel or expiry racing this start sees either
	// no session or a fully built one.
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := s.reg.Create(sess); err != nil {
		return outcome.FromError(err), ""
	}

	// Hold failures are logged, not fatal. Some providers auto-hold on
	// originate and reject an explicit hold of an already held leg.
	if err := s.provider.Hold(ctx, held, extension); err != nil {
		slog.Warn("hold before consult failed, continuing",
			"extension", extension, "error", err)
	}
	s.settle(ctx)

	consult, err := s.provider.Originate(ctx, extension, target)
	if err != nil {
		sess.state = StateCancelled
		s.reg.Remove(sess.id)
		if uerr := s.provider.Unhold(ctx, held, extension); uerr != nil {
			slog.Debug("unhold after failed consult", "extension", extension, "error", uerr)
		}
		return outcome.Failure(outcome.KindUnavailable, "consult leg to %s: %v", target, err), ""
	}
	sess.consult = consult

	slog.Info("attended transfer started",
		"session", sess.id, "extension", extension, "target", target)
	s.publish(extension, events.TransferStarted, map[string]string{
		"session": sess.id,
		"target":  target,
	})
	return outcome.Success("consulting %s, session %s", target, sess.id), sess.id
}

// CompleteAttended merges the initiator's held and consult calls, finishing
// the transfer. The initiator drops out; held party and target stay up.
func (s *Service) CompleteAttended(ctx context.Context, extension string) outcome.Outcome {
	sess, err := s.sessionByExtension(extension)
	if err != nil {
		return outcome.FromError(err)
	}
	return s.complete(ctx, sess)
}

// CompleteSession completes an attended transfer addressed by session ID
// rather than initiator extension.
func (s *Service) CompleteSession(ctx context.Context, id string) outcome.Outcome {
	entry, err := s.reg.Get(id)
	if err != nil {
		return outcome.FromError(err)
	}
	sess, ok := entry.(*Session)
	if !ok {
		return outcome.Failure(outcome.KindSessionNotFound, "session %s is not an attended transfer", id)
	}
	return s.complete(ctx, sess)
}

func (s *Service) complete(ctx context.Context, sess *Session) outcome.Outcome {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateConsulting {
		return outcome.Failure(outcome.KindPrecondition,
			"session %s is %s, nothing to complete", sess.id, sess.state)
	}

	// Both calls must still resolve; a stale ref means one side hung up.
	if _, err := s.provider.Participants(ctx, sess.held); err != nil {
		s.clear(ctx, sess, StateCancelled, events.TransferCancelled)
		return outcome.Failure(outcome.KindPrecondition,
			"held call is gone, session %s cleared: %v", sess.id, err)
	}
	if _, err := s.provider.Participants(ctx, sess.consult); err != nil {
		s.clear(ctx, sess, StateCancelled, events.TransferCancelled)
		return outcome.Failure(outcome.KindPrecondition,
			"consult call is gone, session %s cleared: %v", sess.id, err)
	}

	if err := s.provider.SetTransferController(ctx, sess.held, sess.ext); err != nil {
		slog.Debug("could not set transfer controller",
			"session", sess.id, "error", err)
	}

	// Provider transfer support is direction-sensitive. Try merging the
	// held call into the consult call, then the reverse, then transfer of
	// the held call straight to the target address.
	attempts := []struct {
		name string
		run  func() error
	}{
		{"consult<-held", func() error { return s.provider.TransferToCall(ctx, sess.consult, sess.held) }},
		{"held<-consult", func() error { return s.provider.TransferToCall(ctx, sess.held, sess.consult) }},
		{"held->address", func() error {
			_, err := s.provider.TransferToAddress(ctx, sess.held, sess.target)
			return err
		}},
	}
	var failures []string
	for _, a := range attempts {
		if err := a.run(); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", a.name, err))
			continue
		}
		sess.state = StateCompleted
		s.reg.Remove(sess.id)
		slog.Info("attended transfer complete",
			"session", sess.id, "extension", sess.ext, "target", sess.target, "direction", a.name)
		s.publish(sess.ext, events.TransferComplete, map[string]string{
			"session": sess.id,
			"target":  sess.target,
		})
		s.publish(sess.target, events.TransferReceived, map[string]string{
			"session": sess.id,
			"from":    sess.ext,
		})
		return outcome.Success("transfer to %s complete", sess.target)
	}

	// The merge could not be made to work in any direction. The session
	// is cleared regardless so the extension is not wedged; both calls
	// are left up for the initiator to resolve by hand.
	sess.state = StateFailed
	s.reg.Remove(sess.id)
	slog.Error("attended transfer merge exhausted, both calls left up",
		"session", sess.id, "extension", sess.ext, "target", sess.target)
	return outcome.Failure(outcome.KindManualIntervention,
		"could not merge calls, session cleared, both calls still up: %s",
		strings.Join(failures, "; "))
}

// CancelAttended aborts a consultation: the consult call is dropped and the
// held call resumed. Cancelling with no session in flight is not an error.
func (s *Service) CancelAttended(ctx context.Context, extension string) outcome.Outcome {
	sess, err := s.sessionByExtension(extension)
	if err != nil {
		return outcome.Success("no transfer session for %s, nothing to cancel", extension)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateConsulting {
		return outcome.Success("session %s already %s", sess.id, sess.state)
	}
	s.clear(ctx, sess, StateCancelled, events.TransferCancelled)
	slog.Info("attended transfer cancelled", "session", sess.id, "extension", extension)
	return outcome.Success("transfer to %s cancelled", sess.target)
}

// AttendedStatus reports the session in flight for an extension, if any.
func (s *Service) AttendedStatus(extension string) (Status, bool) {
	sess, err := s.sessionByExtension(extension)
	if err != nil {
		return Status{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Status{
		SessionID: sess.id,
		Extension: sess.ext,
		Target:    sess.target,
		State:     sess.state.String(),
		Age:       time.Since(sess.created),
	}, true
}

// expireSession is the registry expiry hook. It runs the cancel teardown so
// a swept session leaves the held call ready to resume.
func (s *Service) expireSession(entry registry.Session) {
	sess, ok := entry.(*Session)
	if !ok {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateConsulting {
		return
	}
	slog.Warn("attended transfer session expired",
		"session", sess.id, "extension", sess.ext, "target", sess.target)
	s.clear(context.Background(), sess, StateExpired, events.TransferExpired)
}

// clear tears down the consult leg, resumes the held call and removes the
// session. Caller holds sess.mu.
func (s *Service) clear(ctx context.Context, sess *Session, state State, event string) {
	if sess.consult != "" {
		s.disconnectAll(ctx, sess.consult)
	}
	if err := s.provider.Unhold(ctx, sess.held, sess.ext); err != nil {
		slog.Debug("unhold on session clear failed",
			"session", sess.id, "extension", sess.ext, "error", err)
	}
	sess.state = state
	s.reg.Remove(sess.id)
	s.publish(sess.ext, event, map[string]string{
		"session": sess.id,
		"target":  sess.target,
	})
}

func (s *Service) sessionByExtension(extension string) (*Session, error) {
	entry, err := s.reg.GetByExtension(registry.KindAttendedTransfer, extension)
	if err != nil {
		return nil, err
	}
	sess, ok := entry.(*Session)
	if !ok {
		return nil, fmt.Errorf("session for %s: %w", extension, registry.ErrNotFound)
	}
	return sess, nil
}
