// Package transfer implements the blind and attended call-transfer
// workflows on top of the call-control capability. Blind transfer is a
// single request/response; attended transfer is a two-phase protocol
// (consult, then complete or cancel) coordinated through the session
// registry.
package transfer

import (
	"context"
	"log/slog"
	"time"

	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/callctl"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/events"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/registry"
)

// Config holds transfer workflow configuration.
type Config struct {
	// TrunkPrefixes marks system/trunk addresses that are never treated as
	// the "other party" of a call.
	TrunkPrefixes []string

	// SettleDelay is how long to wait after a provider command before
	// re-querying state. Several providers report transitional states
	// before they are durable.
	SettleDelay time.Duration
}

// DefaultConfig returns the defaults used by the service entrypoint.
func DefaultConfig() Config {
	return Config{
		TrunkPrefixes: []string{"49"},
		SettleDelay:   time.Second,
	}
}

// Service runs transfer workflows against one bound provider.
type Service struct {
	provider callctl.Provider
	reg      *registry.Registry
	events   events.Publisher
	cfg      Config
}

// NewService creates the transfer service and registers its expiry path with
// the registry, so swept sessions are torn down exactly like cancelled ones.
func NewService(provider callctl.Provider, reg *registry.Registry, pub events.Publisher, cfg Config) *Service {
	if pub == nil {
		pub = events.NewNoopPublisher()
	}
	s := &Service{provider: provider, reg: reg, events: pub, cfg: cfg}
	reg.OnExpire(registry.KindAttendedTransfer, s.expireSession)
	return s
}

// settle parks until the provider state is expected to be durable. The wait
// is context-aware; a cancelled request skips it.
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

func (s *Service) otherParty(ctx context.Context, call callctl.CallRef, initiator string) (string, error) {
	return callctl.OtherParty(ctx, s.provider, call, initiator, s.cfg.TrunkPrefixes)
}

// disconnectAll drops every live connection on the call, best-effort.
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
			slog.Debug("teardown disconnect failed", "call", string(call), "extension", p.Extension, "error", err)
		}
	}
}

func (s *Service) publish(extension, name string, data map[string]string) {
	s.events.PublishAsync(events.New(extension, name, data))
}
