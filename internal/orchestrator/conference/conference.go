// Package conference implements the two-phase conference workflow: invite a
// third party on a consult call, then verify live state and bridge the
// consult call into the original one.
package conference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/callctl"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/events"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/outcome"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/registry"
)

// State tracks a conference session through its lifecycle.
type State int

const (
	StateInviting State = iota
	StateEstablished
	StateLeft
	StateCancelled
	StateExpired
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateInviting:
		return "inviting"
	case StateEstablished:
		return "established"
	case StateLeft:
		return "left"
	case StateCancelled:
		return "cancelled"
	case StateExpired:
		return "expired"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Session is one conference, from invitation through establishment. After the
// initiator leaves, the record stays in the registry (detached from the
// extension index) so remaining participants can still be queried.
type Session struct {
	mu           sync.Mutex
	id           string
	ext          string
	other        string
	invited      string
	original     callctl.CallRef
	consult      callctl.CallRef
	bridged      callctl.CallRef
	state        State
	participants []string
	created      time.Time
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Kind() registry.Kind  { return registry.KindConference }
func (s *Session) Extension() string    { return s.ext }
func (s *Session) CreatedAt() time.Time { return s.created }

// Status is the queryable snapshot of a session.
type Status struct {
	SessionID    string        `json:"session_id"`
	Extension    string        `json:"extension"`
	Invited      string        `json:"invited"`
	Participants []string      `json:"participants"`
	State        string        `json:"state"`
	Established  bool          `json:"established"`
	Age          time.Duration `json:"age"`
}

// Config holds conference workflow configuration.
type Config struct {
	TrunkPrefixes []string
	SettleDelay   time.Duration
}

// Service runs conference workflows against one bound provider.
type Service struct {
	provider callctl.Provider
	reg      *registry.Registry
	events   events.Publisher
	cfg      Config
}

// NewService creates the conference service and registers its expiry path
// with the registry.
func NewService(provider callctl.Provider, reg *registry.Registry, pub events.Publisher, cfg Config) *Service {
	if pub == nil {
		pub = events.NewNoopPublisher()
	}
	s := &Service{provider: provider, reg: reg, events: pub, cfg: cfg}
	reg.OnExpire(registry.KindConference, s.expireSession)
	return s
}

func (s *Service) settle(ctx context.Context) {
	if s.cfg.SettleDelay <= 0 {
		return
	}
	t := time.NewTimer(s.cfg.SettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Start holds the initiator's leg of their active call and dials the invited
// extension on a consult call. The registry entry is claimed before any
// provider work so duplicate starts cannot race past the conflict check.
func (s *Service) Start(ctx context.Context, extension, invited string) (outcome.Outcome, string) {
	original, err := s.provider.FindActiveCall(ctx, extension)
	if err != nil {
		return outcome.FromError(err), ""
	}
	other, err := callctl.OtherParty(ctx, s.provider, original, extension, s.cfg.TrunkPrefixes)
	if err != nil {
		return outcome.FromError(err), ""
	}

	sess := &Session{
		id:           registry.NewID(),
		ext:          extension,
		other:        other,
		invited:      invited,
		original:     original,
		state:        StateInviting,
		participants: []string{extension, other},
		created:      time.Now(),
	}
	// The mutex is held from before registry publication until the consult
	// ref is recorded, so a cancel or expiry racing this start sees either
	// no session or a fully built one.
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := s.reg.Create(sess); err != nil {
		return outcome.FromError(err), ""
	}

	if err := s.provider.Hold(ctx, original, extension); err != nil {
		slog.Warn("hold before conference invite failed, continuing",
			"extension", extension, "error", err)
	}
	s.settle(ctx)

	consult, err := s.provider.Originate(ctx, extension, invited)
	if err != nil {
		sess.state = StateCancelled
		s.reg.Remove(sess.id)
		if uerr := s.provider.Unhold(ctx, original, extension); uerr != nil {
			slog.Debug("unhold after failed invite", "extension", extension, "error", uerr)
		}
		return outcome.Failure(outcome.KindUnavailable, "invite leg to %s: %v", invited, err), ""
	}
	sess.consult = consult

	slog.Info("conference invite placed",
		"session", sess.id, "extension", extension, "invited", invited, "other", other)
	s.publish(invited, events.ConferenceInvited, map[string]string{
		"session": sess.id,
		"from":    extension,
	})
	return outcome.Success("inviting %s, session %s", invited, sess.id), sess.id
}

// Establish bridges the consult call into the original call. Live provider
// state is verified first; the bridge is attempted only once per direction,
// so every precondition failure names exactly what was not ready.
func (s *Service) Establish(ctx context.Context, extension string) outcome.Outcome {
	sess, err := s.sessionByExtension(extension)
	if err != nil {
		return outcome.FromError(err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateInviting {
		return outcome.Failure(outcome.KindPrecondition,
			"session %s is %s, nothing to establish", sess.id, sess.state)
	}

	self, err := callctl.FindParticipant(ctx, s.provider, sess.consult, sess.ext)
	if err != nil {
		return outcome.Failure(outcome.KindPrecondition,
			"initiator not present on consult call: %v", err)
	}
	if self.TermState != callctl.TermTalking {
		return outcome.Failure(outcome.KindPrecondition,
			"initiator not talking on consult call (terminal state %s)", self.TermState)
	}
	invitee, err := callctl.FindParticipant(ctx, s.provider, sess.consult, sess.invited)
	if err != nil || invitee.State != callctl.ConnConnected {
		return outcome.Failure(outcome.KindPrecondition,
			"invited party not connected on consult call")
	}
	held, err := callctl.FindParticipant(ctx, s.provider, sess.original, sess.ext)
	if err != nil {
		return outcome.Failure(outcome.KindPrecondition,
			"initiator not present on original call: %v", err)
	}

	// Conferencing a held call is rejected by some providers.
	if held.TermState == callctl.TermHeld {
		if err := s.provider.Unhold(ctx, sess.original, sess.ext); err != nil {
			return outcome.Failure(outcome.KindRejected,
				"unhold original call before bridge: %v", err)
		}
		s.settle(ctx)
	}

	bridged := sess.original
	if err := s.provider.Conference(ctx, sess.original, sess.consult); err != nil {
		slog.Info("forward bridge rejected, trying reversed",
			"session", sess.id, "error", err)
		if rerr := s.provider.Conference(ctx, sess.consult, sess.original); rerr != nil {
			return outcome.Failure(outcome.KindRejected,
				"bridge failed both directions: forward: %v; reversed: %v", err, rerr)
		}
		bridged = sess.consult
	}

	sess.state = StateEstablished
	sess.bridged = bridged
	sess.participants = append(sess.participants, sess.invited)
	slog.Info("conference established",
		"session", sess.id, "extension", sess.ext, "participants", sess.participants)
	for _, p := range sess.participants {
		s.publish(p, events.ConferenceEstablished, map[string]string{
			"session": sess.id,
		})
	}
	return outcome.Success("conference %s established with %d participants",
		sess.id, len(sess.participants))
}

// End disconnects every leg of the conference and clears the session.
func (s *Service) End(ctx context.Context, extension string) outcome.Outcome {
	sess, err := s.sessionByExtension(extension)
	if err != nil {
		return outcome.FromError(err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	s.teardown(ctx, sess, StateEnded, events.ConferenceEnded)
	slog.Info("conference ended", "session", sess.id, "extension", extension)
	return outcome.Success("conference %s ended", sess.id)
}

// Leave drops only the initiator's own leg. The session record survives,
// detached from the extension index, so remaining participants can still be
// queried and the initiator can start a fresh session.
func (s *Service) Leave(ctx context.Context, extension string) outcome.Outcome {
	sess, err := s.sessionByExtension(extension)
	if err != nil {
		return outcome.FromError(err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateEstablished {
		return outcome.Failure(outcome.KindPrecondition,
			"session %s is %s, cannot leave before establishment", sess.id, sess.state)
	}
	if err := s.provider.Disconnect(ctx, sess.bridged, extension); err != nil {
		return outcome.Failure(outcome.KindRejected, "leave conference: %v", err)
	}
	sess.state = StateLeft
	remaining := sess.participants[:0:0]
	for _, p := range sess.participants {
		if p != extension {
			remaining = append(remaining, p)
		}
	}
	sess.participants = remaining
	s.reg.Detach(sess.id)
	slog.Info("initiator left conference",
		"session", sess.id, "extension", extension, "remaining", remaining)
	s.publish(extension, events.ConferenceLeft, map[string]string{
		"session": sess.id,
	})
	return outcome.Success("left conference %s, %d participants remain",
		sess.id, len(remaining))
}

// Cancel aborts an unestablished conference: the consult call is dropped and
// the original call resumed. Cancelling with nothing in flight is not an
// error.
func (s *Service) Cancel(ctx context.Context, extension string) outcome.Outcome {
	sess, err := s.sessionByExtension(extension)
	if err != nil {
		return outcome.Success("no conference session for %s, nothing to cancel", extension)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == StateEstablished {
		return outcome.Failure(outcome.KindPrecondition,
			"session %s is established, use end or leave", sess.id)
	}
	if sess.state != StateInviting {
		return outcome.Success("session %s already %s", sess.id, sess.state)
	}
	s.teardown(ctx, sess, StateCancelled, events.ConferenceCancelled)
	slog.Info("conference cancelled", "session", sess.id, "extension", extension)
	return outcome.Success("conference invite to %s cancelled", sess.invited)
}

// SessionStatus reports the session for an extension, if any.
func (s *Service) SessionStatus(extension string) (Status, bool) {
	sess, err := s.sessionByExtension(extension)
	if err != nil {
		return Status{}, false
	}
	return s.snapshot(sess), true
}

// StatusByID reports a session by ID, including detached sessions whose
// initiator has already left.
func (s *Service) StatusByID(id string) (Status, bool) {
	entry, err := s.reg.Get(id)
	if err != nil {
		return Status{}, false
	}
	sess, ok := entry.(*Session)
	if !ok {
		return Status{}, false
	}
	return s.snapshot(sess), true
}

func (s *Service) snapshot(sess *Session) Status {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Status{
		SessionID:    sess.id,
		Extension:    sess.ext,
		Invited:      sess.invited,
		Participants: append([]string(nil), sess.participants...),
		State:        sess.state.String(),
		Established:  sess.state == StateEstablished,
		Age:          time.Since(sess.created),
	}
}

// expireSession is the registry expiry hook. Unestablished sessions get the
// cancel teardown; established ones are ended outright.
func (s *Service) expireSession(entry registry.Session) {
	sess, ok := entry.(*Session)
	if !ok {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	switch sess.state {
	case StateInviting, StateEstablished:
	default:
		return
	}
	slog.Warn("conference session expired",
		"session", sess.id, "extension", sess.ext, "state", sess.state)
	s.teardown(context.Background(), sess, StateExpired, events.ConferenceExpired)
}

// teardown disconnects every leg the session still references, resumes
// nothing (the calls are gone) and removes the session. Caller holds sess.mu.
func (s *Service) teardown(ctx context.Context, sess *Session, state State, event string) {
	refs := []callctl.CallRef{}
	if sess.bridged != "" {
		refs = append(refs, sess.bridged)
	}
	if sess.consult != "" && sess.consult != sess.bridged {
		refs = append(refs, sess.consult)
	}
	if sess.state == StateInviting {
		if state == StateExpired {
			// An abandoned invite also tears down the original call; a
			// call parked on hold for the whole TTL is not coming back.
			refs = append(refs, sess.original)
		} else if err := s.provider.Unhold(ctx, sess.original, sess.ext); err != nil {
			slog.Debug("unhold on conference teardown failed",
				"session", sess.id, "error", err)
		}
	}
	for _, ref := range refs {
		s.disconnectAll(ctx, ref)
	}
	sess.state = state
	s.reg.Remove(sess.id)
	for _, p := range sess.participants {
		s.publish(p, event, map[string]string{"session": sess.id})
	}
}

func (s *Service) disconnectAll(ctx context.Context, call callctl.CallRef) {
	parts, err := s.provider.Participants(ctx, call)
	if err != nil {
		slog.Debug("skipping teardown of unresolvable call", "call", string(call), "error", err)
		return
	}
	for _, p := range parts {
		if p.State == callctl.ConnDisconnected || p.State == callctl.ConnFailed {
			continue
		}
		if err := s.provider.Disconnect(ctx, call, p.Extension); err != nil {
			slog.Debug("teardown disconnect failed",
				"call", string(call), "extension", p.Extension, "error", err)
		}
	}
}

func (s *Service) sessionByExtension(extension string) (*Session, error) {
	entry, err := s.reg.GetByExtension(registry.KindConference, extension)
	if err != nil {
		return nil, err
	}
	sess, ok := entry.(*Session)
	if !ok {
		return nil, fmt.Errorf("session for %s: %w", extension, registry.ErrNotFound)
	}
	return sess, nil
}

func (s *Service) publish(extension, name string, data map[string]string) {
	s.events.PublishAsync(events.New(extension, name, data))
}
