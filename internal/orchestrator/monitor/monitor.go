// Package monitor implements supervisor call monitoring: silent observe,
// barge-in and coach. Unlike transfer and conference, correctness is
// delegated to the provider. Monitoring is engaged through provider feature
// codes and the provider rejects illegal combinations itself; local
// precondition checks against live call state produced false negatives.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/callctl"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/events"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/outcome"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/permission"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/registry"
)

// Mode selects how the supervisor participates in the monitored call.
type Mode int

const (
	ModeObserve Mode = iota
	ModeBargeIn
	ModeCoach
)

func (m Mode) String() string {
	switch m {
	case ModeObserve:
		return "observe"
	case ModeBargeIn:
		return "barge-in"
	case ModeCoach:
		return "coach"
	default:
		return "unknown"
	}
}

// Config holds the provider feature codes that engage each mode. The dial
// string sent to the provider is the code followed by the target extension.
type Config struct {
	ObserveCode string
	BargeInCode string
	CoachCode   string
}

// DefaultConfig returns the stock feature codes.
func DefaultConfig() Config {
	return Config{
		ObserveCode: "#99",
		BargeInCode: "#98",
		CoachCode:   "#96",
	}
}

func (c Config) code(m Mode) string {
	switch m {
	case ModeBargeIn:
		return c.BargeInCode
	case ModeCoach:
		return c.CoachCode
	default:
		return c.ObserveCode
	}
}

// Session is one supervisor's active monitoring of one target.
type Session struct {
	mu      sync.Mutex
	id      string
	sup     string
	target  string
	mode    Mode
	call    callctl.CallRef
	created time.Time
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Kind() registry.Kind  { return registry.KindMonitor }
func (s *Session) Extension() string    { return s.sup }
func (s *Session) CreatedAt() time.Time { return s.created }

// Status is the queryable snapshot of a monitoring session.
type Status struct {
	SessionID  string        `json:"session_id"`
	Supervisor string        `json:"supervisor"`
	Target     string        `json:"target"`
	Mode       string        `json:"mode"`
	Age        time.Duration `json:"age"`
}

// Service runs the monitor workflow against one bound provider.
type Service struct {
	provider callctl.Provider
	reg      *registry.Registry
	events   events.Publisher
	perms    permission.Store
	cfg      Config
}

// NewService creates the monitor service and registers its expiry path with
// the registry. A nil permission store allows every supervisor/target pair.
func NewService(provider callctl.Provider, reg *registry.Registry, pub events.Publisher, perms permission.Store, cfg Config) *Service {
	if pub == nil {
		pub = events.NewNoopPublisher()
	}
	if perms == nil {
		perms = permission.NewMemoryStore()
	}
	s := &Service{provider: provider, reg: reg, events: pub, perms: perms, cfg: cfg}
	reg.OnExpire(registry.KindMonitor, s.expireSession)
	return s
}

// Observe starts silent monitoring of target by supervisor.
func (s *Service) Observe(ctx context.Context, supervisor, target string) outcome.Outcome {
	return s.start(ctx, supervisor, target, ModeObserve)
}

// BargeIn joins the supervisor into the target's call, audible to all.
func (s *Service) BargeIn(ctx context.Context, supervisor, target string) outcome.Outcome {
	return s.start(ctx, supervisor, target, ModeBargeIn)
}

// Coach joins the supervisor audible only to the monitored agent.
func (s *Service) Coach(ctx context.Context, supervisor, target string) outcome.Outcome {
	return s.start(ctx, supervisor, target, ModeCoach)
}

// start is idempotent. Starting over an existing session re-issues the
// feature code (possibly switching mode) and reports success; no precondition
// is checked locally.
func (s *Service) start(ctx context.Context, supervisor, target string, mode Mode) outcome.Outcome {
	ok, err := s.perms.Allowed(ctx, supervisor, target)
	if err != nil {
		return outcome.Failure(outcome.KindInternal, "permission check: %v", err)
	}
	if !ok {
		return outcome.Failure(outcome.KindRejected,
			"%s is not permitted to monitor %s", supervisor, target)
	}

	if existing, err := s.sessionByExtension(supervisor); err == nil {
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return s.engage(ctx, existing, target, mode)
	}

	sess := &Session{
		id:      registry.NewID(),
		sup:     supervisor,
		target:  target,
		mode:    mode,
		created: time.Now(),
	}
	// Lock before publication so a stop racing this start cannot observe
	// the session before the feature code call records its leg.
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := s.reg.Create(sess); err != nil {
		// Lost the race to a concurrent start; fold into the winner.
		if existing, gerr := s.sessionByExtension(supervisor); gerr == nil {
			existing.mu.Lock()
			defer existing.mu.Unlock()
			return s.engage(ctx, existing, target, mode)
		}
		return outcome.FromError(err)
	}
	out := s.engage(ctx, sess, target, mode)
	if !out.OK {
		s.reg.Remove(sess.id)
	}
	return out
}

// engage issues the feature code for the requested mode. Caller holds sess.mu.
func (s *Service) engage(ctx context.Context, sess *Session, target string, mode Mode) outcome.Outcome {
	dial := s.cfg.code(mode) + target
	call, err := s.provider.ExecuteFeatureCode(ctx, sess.sup, dial)
	if err != nil {
		return outcome.Failure(outcome.KindRejected,
			"%s of %s rejected by provider: %v", mode, target, err)
	}
	sess.target = target
	sess.mode = mode
	sess.call = call
	slog.Info("monitoring engaged",
		"session", sess.id, "supervisor", sess.sup, "target", target, "mode", mode.String())
	s.publish(sess.sup, events.MonitorStarted, map[string]string{
		"session": sess.id,
		"target":  target,
		"mode":    mode.String(),
	})
	return outcome.Success("%s monitoring %s (%s)", sess.sup, target, mode)
}

// Stop ends monitoring. Stopping with no session in flight is success.
func (s *Service) Stop(ctx context.Context, supervisor string) outcome.Outcome {
	sess, err := s.sessionByExtension(supervisor)
	if err != nil {
		return outcome.Success("no monitoring session for %s, nothing to stop", supervisor)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	s.stopSession(ctx, sess, "stopped")
	return outcome.Success("monitoring of %s stopped", sess.target)
}

// Hangup force-disconnects every active call on the supervisor's terminal.
// It is the cleanup of last resort when session bookkeeping disagrees with
// what the provider reports.
func (s *Service) Hangup(ctx context.Context, supervisor string) outcome.Outcome {
	if sess, err := s.sessionByExtension(supervisor); err == nil {
		sess.mu.Lock()
		s.reg.Remove(sess.id)
		sess.mu.Unlock()
	}
	dropped := 0
	for i := 0; i < 16; i++ {
		call, err := s.provider.FindActiveCall(ctx, supervisor)
		if err != nil {
			if errors.Is(err, callctl.ErrNoActiveCall) {
				break
			}
			return outcome.Failure(outcome.KindUnavailable,
				"hangup after %d calls: %v", dropped, err)
		}
		if err := s.provider.Disconnect(ctx, call, supervisor); err != nil {
			return outcome.Failure(outcome.KindRejected,
				"hangup disconnect after %d calls: %v", dropped, err)
		}
		dropped++
	}
	slog.Info("supervisor hangup", "supervisor", supervisor, "calls_dropped", dropped)
	s.publish(supervisor, events.MonitorHangup, map[string]string{
		"calls_dropped": fmt.Sprintf("%d", dropped),
	})
	return outcome.Success("disconnected %d calls for %s", dropped, supervisor)
}

// SessionStatus reports the monitoring session for a supervisor, if any.
func (s *Service) SessionStatus(supervisor string) (Status, bool) {
	sess, err := s.sessionByExtension(supervisor)
	if err != nil {
		return Status{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Status{
		SessionID:  sess.id,
		Supervisor: sess.sup,
		Target:     sess.target,
		Mode:       sess.mode.String(),
		Age:        time.Since(sess.created),
	}, true
}

func (s *Service) expireSession(entry registry.Session) {
	sess, ok := entry.(*Session)
	if !ok {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	slog.Warn("monitoring session expired",
		"session", sess.id, "supervisor", sess.sup, "target", sess.target)
	s.stopSession(context.Background(), sess, "expired")
}

// stopSession drops the supervisor's monitor leg and removes the session.
// Caller holds sess.mu.
func (s *Service) stopSession(ctx context.Context, sess *Session, reason string) {
	if sess.call != "" {
		if err := s.provider.Disconnect(ctx, sess.call, sess.sup); err != nil {
			slog.Debug("monitor leg disconnect failed",
				"session", sess.id, "supervisor", sess.sup, "error", err)
		}
	}
	s.reg.Remove(sess.id)
	slog.Info("monitoring stopped",
		"session", sess.id, "supervisor", sess.sup, "target", sess.target, "reason", reason)
	s.publish(sess.sup, events.MonitorStopped, map[string]string{
		"session": sess.id,
		"target":  sess.target,
		"reason":  reason,
	})
}

func (s *Service) sessionByExtension(supervisor string) (*Session, error) {
	entry, err := s.reg.GetByExtension(registry.KindMonitor, supervisor)
	if err != nil {
		return nil, err
	}
	sess, ok := entry.(*Session)
	if !ok {
		return nil, fmt.Errorf("session for %s: %w", supervisor, registry.ErrNotFound)
	}
	return sess, nil
}

func (s *Service) publish(extension, name string, data map[string]string) {
	s.events.PublishAsync(events.New(extension, name, data))
}
