package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/callctl"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/events"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/outcome"
)

// Blind moves the initiator's active call to target without consultation.
// Strategies are tried in order of decreasing cleanliness until one succeeds:
//
//  1. redirect the initiator's own connection to the target
//  2. single-step transfer of the whole call, with a disconnect/re-dial
//     fallback when the provider rejects the primitive
//  3. conference the target in, then drop the initiator
//
// A failed strategy never aborts the workflow; only exhaustion of all
// applicable strategies does, and the resulting outcome names every
// strategy's failure reason.
func (s *Service) Blind(ctx context.Context, extension, target string) outcome.Outcome {
	call, err := s.provider.FindActiveCall(ctx, extension)
	if err != nil {
		return outcome.FromError(err)
	}
	connected, err := callctl.HasConnectedParty(ctx, s.provider, call)
	if err != nil {
		return outcome.FromError(err)
	}
	if !connected {
		return outcome.Failure(outcome.KindNoActiveCall, "call for %s has no connected party", extension)
	}
	other, err := s.otherParty(ctx, call, extension)
	if err != nil {
		return outcome.FromError(err)
	}

	caps := s.provider.Capabilities()
	strategies := []struct {
		name      string
		supported bool
		run       func(context.Context, callctl.CallRef, string, string) error
	}{
		{"redirect", caps.Redirect, s.blindRedirect},
		{"single-step", true, s.blindSingleStep},
		{"conference-drop", caps.Conference, s.blindConferenceDrop},
	}

	var failures []string
	for _, st := range strategies {
		if !st.supported {
			failures = append(failures, fmt.Sprintf("%s: not supported by provider", st.name))
			continue
		}
		if err := st.run(ctx, call, extension, target); err != nil {
			slog.Info("blind transfer strategy failed",
				"strategy", st.name,
				"extension", extension,
				"target", target,
				"error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", st.name, err))
			continue
		}
		slog.Info("blind transfer complete",
			"strategy", st.name,
			"extension", extension,
			"other", other,
			"target", target)
		s.publish(other, events.TransferReceived, map[string]string{
			"from":     extension,
			"target":   target,
			"strategy": st.name,
		})
		return outcome.Success("transferred %s to %s via %s", other, target, st.name)
	}
	return outcome.Failure(outcome.KindExhausted,
		"all transfer strategies failed: %s", strings.Join(failures, "; "))
}

// blindRedirect redirects the initiator's own connection to the target. The
// provider releases the initiator's leg and rings the target in its place.
func (s *Service) blindRedirect(ctx context.Context, call callctl.CallRef, extension, target string) error {
	return s.provider.Redirect(ctx, call, extension, target)
}

// blindSingleStep transfers the whole call to the target address in one
// provider operation. When the provider rejects the primitive it falls back
// to dropping the initiator's leg and re-dialing the target from the far end.
func (s *Service) blindSingleStep(ctx context.Context, call callctl.CallRef, extension, target string) error {
	if err := s.provider.SetTransferController(ctx, call, extension); err != nil {
		slog.Debug("could not set transfer controller", "extension", extension, "error", err)
	}
	if s.provider.Capabilities().SingleStepTransfer {
		if _, err := s.provider.TransferToAddress(ctx, call, target); err == nil {
			return nil
		} else if derr := s.blindDisconnectRedial(ctx, call, extension, target); derr != nil {
			return fmt.Errorf("transfer rejected (%v); disconnect/re-dial fallback: %w", err, derr)
		}
		return nil
	}
	return s.blindDisconnectRedial(ctx, call, extension, target)
}

func (s *Service) blindDisconnectRedial(ctx context.Context, call callctl.CallRef, extension, target string) error {
	other, err := s.otherParty(ctx, call, extension)
	if err != nil {
		return err
	}
	if err := s.provider.Disconnect(ctx, call, extension); err != nil {
		return fmt.Errorf("disconnect initiator: %w", err)
	}
	s.settle(ctx)
	if _, err := s.provider.Originate(ctx, other, target); err != nil {
		return fmt.Errorf("re-dial %s from %s: %w", target, other, err)
	}
	return nil
}

// blindConferenceDrop bridges a consult leg to the target into the original
// call and then drops the initiator, leaving far end and target talking.
func (s *Service) blindConferenceDrop(ctx context.Context, call callctl.CallRef, extension, target string) error {
	if err := s.provider.Hold(ctx, call, extension); err != nil {
		slog.Debug("hold before consult failed", "extension", extension, "error", err)
	}
	s.settle(ctx)
	consult, err := s.provider.Originate(ctx, extension, target)
	if err != nil {
		return fmt.Errorf("consult leg to %s: %w", target, err)
	}
	s.settle(ctx)
	if err := s.provider.Conference(ctx, call, consult); err != nil {
		s.disconnectAll(ctx, consult)
		return fmt.Errorf("bridge consult leg: %w", err)
	}
	s.settle(ctx)
	if err := s.provider.Disconnect(ctx, call, extension); err != nil {
		return fmt.Errorf("drop initiator after bridge: %w", err)
	}
	return nil
}
