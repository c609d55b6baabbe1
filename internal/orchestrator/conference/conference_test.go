package conference

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/callctl"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/outcome"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/registry"
)

func newTestService(t *testing.T) (*Service, *callctl.Sim, *registry.Registry) {
	t.Helper()
	sim := callctl.NewSim()
	regCfg := registry.DefaultConfig()
	regCfg.SweepInterval = 0
	reg := registry.New(regCfg)
	svc := NewService(sim, reg, nil, Config{
		TrunkPrefixes: []string{"49"},
		SettleDelay:   0,
	})
	return svc, sim, reg
}

func startConference(t *testing.T, svc *Service, sim *callctl.Sim) (string, callctl.CallRef) {
	t.Helper()
	sim.Register("1001")
	original := sim.PlaceCall("1001", "1002")
	out, sessionID := svc.Start(context.Background(), "1001", "3000")
	if !out.OK {
		t.Fatalf("Start failed: %s", out.Detail)
	}
	return sessionID, original
}

func TestConferenceStartAndEstablish(t *testing.T) {
	svc, sim, _ := newTestService(t)
	sessionID, original := startConference(t, svc, sim)

	consult, err := sim.FindActiveCall(context.Background(), "3000")
	if err != nil {
		t.Fatalf("no consult call for invitee: %v", err)
	}
	sim.Answer(consult, "3000")

	out := svc.Establish(context.Background(), "1001")
	if !out.OK {
		t.Fatalf("Establish failed: %s", out.Detail)
	}

	status, ok := svc.StatusByID(sessionID)
	if !ok {
		t.Fatal("no status after establish")
	}
	if !status.Established || len(status.Participants) != 3 {
		t.Errorf("status = %+v, want established with 3 participants", status)
	}

	parts, err := sim.Participants(context.Background(), original)
	if err != nil {
		t.Fatalf("Participants failed: %v", err)
	}
	if len(parts) != 3 {
		t.Errorf("bridged call has %d parties, want 3: %+v", len(parts), parts)
	}
	// The initiator's held leg was resumed for the bridge.
	if got := sim.PartyTermState(original, "1001"); got != callctl.TermTalking {
		t.Errorf("initiator terminal state = %s, want %s", got, callctl.TermTalking)
	}
}

func TestEstablishRequiresInvitedPartyConnected(t *testing.T) {
	svc, sim, _ := newTestService(t)
	startConference(t, svc, sim)

	// Invitee is still ringing.
	out := svc.Establish(context.Background(), "1001")
	if out.OK {
		t.Fatalf("Establish succeeded with invitee still ringing: %s", out.Detail)
	}
	if out.Kind != outcome.KindPrecondition {
		t.Errorf("Kind = %s, want %s", out.Kind, outcome.KindPrecondition)
	}
	if !strings.Contains(out.Detail, "invited party not connected") {
		t.Errorf("detail %q does not name the failed precondition", out.Detail)
	}
	if got := sim.OpCalls("conference"); got != 0 {
		t.Errorf("bridge primitive was invoked %d times, want 0", got)
	}
}

func TestEstablishBridgesReversedWhenForwardRejected(t *testing.T) {
	svc, sim, _ := newTestService(t)
	sessionID, _ := startConference(t, svc, sim)

	consult, err := sim.FindActiveCall(context.Background(), "3000")
	if err != nil {
		t.Fatalf("no consult call for invitee: %v", err)
	}
	sim.Answer(consult, "3000")

	// Reject only the first bridge attempt direction by failing conference
	// once: the sim rejects persistently, so instead verify the aggregated
	// failure when both directions are refused.
	sim.FailOp("conference", "bridge refused")
	out := svc.Establish(context.Background(), "1001")
	if out.OK {
		t.Fatalf("Establish succeeded with bridge refused: %s", out.Detail)
	}
	if !strings.Contains(out.Detail, "forward") || !strings.Contains(out.Detail, "reversed") {
		t.Errorf("detail %q does not report both directions", out.Detail)
	}

	// Session survives a failed establish and can be retried.
	sim.ClearFailures()
	out = svc.Establish(context.Background(), "1001")
	if !out.OK {
		t.Fatalf("retry Establish failed: %s", out.Detail)
	}
	if status, ok := svc.StatusByID(sessionID); !ok || !status.Established {
		t.Errorf("session not established after retry: %+v", status)
	}
}

func TestConferenceLeaveDetachesSession(t *testing.T) {
	svc, sim, _ := newTestService(t)
	sessionID, original := startConference(t, svc, sim)

	consult, err := sim.FindActiveCall(context.Background(), "3000")
	if err != nil {
		t.Fatalf("no consult call for invitee: %v", err)
	}
	sim.Answer(consult, "3000")
	if out := svc.Establish(context.Background(), "1001"); !out.OK {
		t.Fatalf("Establish failed: %s", out.Detail)
	}

	out := svc.Leave(context.Background(), "1001")
	if !out.OK {
		t.Fatalf("Leave failed: %s", out.Detail)
	}

	// The extension's lookup slot is free, but the record survives by id.
	if _, ok := svc.SessionStatus("1001"); ok {
		t.Error("extension still maps to the left session")
	}
	status, ok := svc.StatusByID(sessionID)
	if !ok {
		t.Fatal("session record gone after leave")
	}
	if len(status.Participants) != 2 {
		t.Errorf("%d participants remain, want 2: %+v", len(status.Participants), status)
	}

	// The others are still bridged; the initiator is off the call.
	parts, err := sim.Participants(context.Background(), original)
	if err != nil {
		t.Fatalf("Participants failed: %v", err)
	}
	for _, p := range parts {
		if p.Extension == "1001" && p.State == callctl.ConnConnected {
			t.Errorf("initiator still connected after leave: %+v", parts)
		}
	}
}

func TestConferenceCancelResumesOriginalCall(t *testing.T) {
	svc, sim, _ := newTestService(t)
	_, original := startConference(t, svc, sim)

	out := svc.Cancel(context.Background(), "1001")
	if !out.OK {
		t.Fatalf("Cancel failed: %s", out.Detail)
	}
	if _, ok := svc.SessionStatus("1001"); ok {
		t.Error("session still present after cancel")
	}
	if got := sim.PartyTermState(original, "1001"); got != callctl.TermTalking {
		t.Errorf("original call not resumed, initiator terminal state = %s", got)
	}
	if got := sim.ActiveCalls(); got != 1 {
		t.Errorf("%d calls up after cancel, want 1", got)
	}

	if out := svc.Cancel(context.Background(), "1001"); !out.OK {
		t.Errorf("cancel with nothing in flight errored: %s", out.Detail)
	}
}

func TestConferenceEndTearsDownBridge(t *testing.T) {
	svc, sim, _ := newTestService(t)
	sessionID, _ := startConference(t, svc, sim)

	consult, err := sim.FindActiveCall(context.Background(), "3000")
	if err != nil {
		t.Fatalf("no consult call for invitee: %v", err)
	}
	sim.Answer(consult, "3000")
	if out := svc.Establish(context.Background(), "1001"); !out.OK {
		t.Fatalf("Establish failed: %s", out.Detail)
	}

	out := svc.End(context.Background(), "1001")
	if !out.OK {
		t.Fatalf("End failed: %s", out.Detail)
	}
	if _, ok := svc.StatusByID(sessionID); ok {
		t.Error("session still present after end")
	}
	if got := sim.ActiveCalls(); got != 0 {
		t.Errorf("%d calls still up after end, want 0", got)
	}
}

func TestUnestablishedConferenceExpiresAndDisconnects(t *testing.T) {
	svc, sim, reg := newTestService(t)
	sessionID, _ := startConference(t, svc, sim)

	// Nothing swept before the TTL.
	if swept := reg.SweepExpired(time.Now().Add(29 * time.Minute)); swept != 0 {
		t.Errorf("swept %d sessions before TTL, want 0", swept)
	}

	if swept := reg.SweepExpired(time.Now().Add(31 * time.Minute)); swept != 1 {
		t.Errorf("swept %d sessions after TTL, want 1", swept)
	}
	if _, ok := svc.StatusByID(sessionID); ok {
		t.Error("session still present after expiry")
	}
	if got := sim.ActiveCalls(); got != 0 {
		t.Errorf("%d calls still up after expiry, want 0 (consult and original disconnected)", got)
	}
}

func TestConferenceCancelRacingStartLeaksNoCall(t *testing.T) {
	svc, sim, _ := newTestService(t)
	sim.Register("1001")
	original := sim.PlaceCall("1001", "1002")

	startDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		svc.Start(context.Background(), "1001", "3000")
		close(startDone)
	}()
	go func() {
		defer wg.Done()
		for {
			svc.Cancel(context.Background(), "1001")
			select {
			case <-startDone:
				return
			default:
			}
		}
	}()
	wg.Wait()

	// Whatever interleaving happened, a final cancel must leave exactly the
	// resumed original call and no session or dangling invite leg.
	if out := svc.Cancel(context.Background(), "1001"); !out.OK {
		t.Fatalf("final cancel errored: %s", out.Detail)
	}
	if _, ok := svc.SessionStatus("1001"); ok {
		t.Error("session still present after cancel")
	}
	if got := sim.ActiveCalls(); got != 1 {
		t.Errorf("%d calls up after cancel, want 1 (the resumed original)", got)
	}
	if got := sim.PartyTermState(original, "1001"); got != callctl.TermTalking {
		t.Errorf("original call not resumed, initiator terminal state = %s", got)
	}
}
