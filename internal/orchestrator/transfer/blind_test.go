package transfer

import (
	"context"
	"strings"
	"testing"

	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/callctl"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/outcome"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/registry"
)

func newTestService(t *testing.T) (*Service, *callctl.Sim) {
	t.Helper()
	sim := callctl.NewSim()
	regCfg := registry.DefaultConfig()
	regCfg.SweepInterval = 0
	reg := registry.New(regCfg)
	svc := NewService(sim, reg, nil, Config{
		TrunkPrefixes: []string{"49"},
		SettleDelay:   0,
	})
	return svc, sim
}

func TestBlindTransferViaRedirect(t *testing.T) {
	svc, sim := newTestService(t)
	call := sim.PlaceCall("1001", "1002")

	out := svc.Blind(context.Background(), "1001", "3000")
	if !out.OK {
		t.Fatalf("Blind failed: %s", out.Detail)
	}
	if !strings.Contains(out.Detail, "redirect") {
		t.Errorf("detail %q does not name the redirect strategy", out.Detail)
	}

	// The target replaced the initiator on the call.
	parts, err := sim.Participants(context.Background(), call)
	if err != nil {
		t.Fatalf("Participants failed: %v", err)
	}
	var targetConnected, initiatorLive bool
	for _, p := range parts {
		if p.Extension == "3000" && p.State == callctl.ConnConnected {
			targetConnected = true
		}
		if p.Extension == "1001" && p.State == callctl.ConnConnected {
			initiatorLive = true
		}
	}
	if !targetConnected {
		t.Errorf("target is not connected after transfer: %+v", parts)
	}
	if initiatorLive {
		t.Errorf("initiator still connected after transfer: %+v", parts)
	}
}

func TestBlindTransferFallsBackToSingleStep(t *testing.T) {
	svc, sim := newTestService(t)
	sim.PlaceCall("1001", "1002")
	sim.FailOp("redirect", "redirect not routable")

	out := svc.Blind(context.Background(), "1001", "3000")
	if !out.OK {
		t.Fatalf("Blind failed: %s", out.Detail)
	}
	if !strings.Contains(out.Detail, "single-step") {
		t.Errorf("detail %q does not name the single-step strategy", out.Detail)
	}
}

func TestBlindTransferFallsBackToConferenceDrop(t *testing.T) {
	svc, sim := newTestService(t)
	sim.Register("1001")
	sim.PlaceCall("1001", "1002")
	sim.FailOp("redirect", "redirect not routable")
	sim.FailOp("transferToAddress", "transfer refused")
	sim.FailOp("disconnect", "disconnect refused")

	// The disconnect rejection also breaks single-step's re-dial fallback,
	// so the conference bridge is the one that carries the transfer. The
	// final drop of the initiator needs disconnect back.
	out := svc.Blind(context.Background(), "1001", "3000")
	if out.OK {
		t.Fatalf("Blind unexpectedly succeeded with disconnect refused: %s", out.Detail)
	}

	sim.ClearFailures()
	sim.FailOp("redirect", "redirect not routable")
	sim.FailOp("transferToAddress", "transfer refused")
	sim.PlaceCall("1001", "1002")
	out = svc.Blind(context.Background(), "1001", "3000")
	if !out.OK {
		t.Fatalf("Blind failed: %s", out.Detail)
	}
	if !strings.Contains(out.Detail, "conference-drop") && !strings.Contains(out.Detail, "single-step") {
		t.Errorf("detail %q does not name a fallback strategy", out.Detail)
	}
}

func TestBlindTransferExhaustionReportsEveryReason(t *testing.T) {
	svc, sim := newTestService(t)
	sim.Register("1001")
	sim.PlaceCall("1001", "1002")
	sim.FailOp("redirect", "redirect broken on this deployment")
	sim.FailOp("transferToAddress", "transfer refused")
	sim.FailOp("disconnect", "disconnect refused")
	sim.FailOp("conference", "bridge refused")

	out := svc.Blind(context.Background(), "1001", "3000")
	if out.OK {
		t.Fatalf("Blind unexpectedly succeeded: %s", out.Detail)
	}
	if out.Kind != outcome.KindExhausted {
		t.Errorf("Kind = %s, want %s", out.Kind, outcome.KindExhausted)
	}
	for _, want := range []string{
		"redirect: ", "redirect broken on this deployment",
		"single-step: ",
		"conference-drop: ", "bridge refused",
	} {
		if !strings.Contains(out.Detail, want) {
			t.Errorf("detail %q is missing %q", out.Detail, want)
		}
	}
}

func TestBlindTransferRequiresActiveCall(t *testing.T) {
	svc, _ := newTestService(t)
	out := svc.Blind(context.Background(), "1001", "3000")
	if out.OK {
		t.Fatal("Blind succeeded with no active call")
	}
	if out.Kind != outcome.KindNoActiveCall {
		t.Errorf("Kind = %s, want %s", out.Kind, outcome.KindNoActiveCall)
	}
}

func TestBlindTransferSkipsTrunkParties(t *testing.T) {
	svc, sim := newTestService(t)
	// The far end is a trunk leg, so there is no eligible other party.
	sim.PlaceCall("1001", "4930111222")

	out := svc.Blind(context.Background(), "1001", "3000")
	if out.OK {
		t.Fatalf("Blind succeeded with only a trunk far end: %s", out.Detail)
	}
	if out.Kind != outcome.KindParticipantNotFound {
		t.Errorf("Kind = %s, want %s", out.Kind, outcome.KindParticipantNotFound)
	}
}
