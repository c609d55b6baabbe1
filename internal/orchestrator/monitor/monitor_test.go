package monitor

import (
	"context"
	"sync"
	"testing"

	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/callctl"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/outcome"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/permission"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/registry"
)

func newTestService(t *testing.T, perms permission.Store) (*Service, *callctl.Sim) {
	t.Helper()
	sim := callctl.NewSim()
	sim.Register("9000")
	regCfg := registry.DefaultConfig()
	regCfg.SweepInterval = 0
	reg := registry.New(regCfg)
	svc := NewService(sim, reg, nil, perms, DefaultConfig())
	return svc, sim
}

func TestObserveDialsFeatureCode(t *testing.T) {
	svc, sim := newTestService(t, nil)

	out := svc.Observe(context.Background(), "9000", "1001")
	if !out.OK {
		t.Fatalf("Observe failed: %s", out.Detail)
	}

	call, err := sim.FindActiveCall(context.Background(), "9000")
	if err != nil {
		t.Fatalf("supervisor has no monitor call: %v", err)
	}
	if got := sim.FeatureCodeFor(call); got != "#991001" {
		t.Errorf("dialed feature code %q, want %q", got, "#991001")
	}

	status, ok := svc.SessionStatus("9000")
	if !ok {
		t.Fatal("no status for active monitoring")
	}
	if status.Target != "1001" || status.Mode != "observe" {
		t.Errorf("status = %+v, want observe of 1001", status)
	}
}

func TestStartOverExistingSessionSwitchesMode(t *testing.T) {
	svc, sim := newTestService(t, nil)

	if out := svc.Observe(context.Background(), "9000", "1001"); !out.OK {
		t.Fatalf("Observe failed: %s", out.Detail)
	}
	// Re-starting is not an error; it re-issues the feature code.
	if out := svc.BargeIn(context.Background(), "9000", "1001"); !out.OK {
		t.Fatalf("BargeIn over existing session failed: %s", out.Detail)
	}

	status, ok := svc.SessionStatus("9000")
	if !ok {
		t.Fatal("no status after mode switch")
	}
	if status.Mode != "barge-in" {
		t.Errorf("mode = %s, want barge-in", status.Mode)
	}
	if got := sim.OpCalls("featureCode"); got != 2 {
		t.Errorf("feature code dialed %d times, want 2", got)
	}
}

func TestCoachDialsItsOwnCode(t *testing.T) {
	svc, sim := newTestService(t, nil)

	if out := svc.Coach(context.Background(), "9000", "1001"); !out.OK {
		t.Fatalf("Coach failed: %s", out.Detail)
	}
	call, err := sim.FindActiveCall(context.Background(), "9000")
	if err != nil {
		t.Fatalf("supervisor has no monitor call: %v", err)
	}
	if got := sim.FeatureCodeFor(call); got != "#961001" {
		t.Errorf("dialed feature code %q, want %q", got, "#961001")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t, nil)

	if out := svc.Observe(context.Background(), "9000", "1001"); !out.OK {
		t.Fatalf("Observe failed: %s", out.Detail)
	}
	if out := svc.Stop(context.Background(), "9000"); !out.OK {
		t.Errorf("first Stop errored: %s", out.Detail)
	}
	if out := svc.Stop(context.Background(), "9000"); !out.OK {
		t.Errorf("second Stop errored: %s", out.Detail)
	}
	if _, ok := svc.SessionStatus("9000"); ok {
		t.Error("session still present after stop")
	}
}

func TestStartRejectedByProviderLeavesNoSession(t *testing.T) {
	svc, sim := newTestService(t, nil)
	sim.FailOp("featureCode", "observe not allowed for terminal")

	out := svc.Observe(context.Background(), "9000", "1001")
	if out.OK {
		t.Fatalf("Observe unexpectedly succeeded: %s", out.Detail)
	}
	if out.Kind != outcome.KindRejected {
		t.Errorf("Kind = %s, want %s", out.Kind, outcome.KindRejected)
	}
	if _, ok := svc.SessionStatus("9000"); ok {
		t.Error("failed start left a session behind")
	}
}

func TestPermissionDeniedBlocksStart(t *testing.T) {
	perms := permission.NewMemoryStore()
	if err := perms.Grant(context.Background(), "9000", "1001"); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	svc, _ := newTestService(t, perms)

	if out := svc.Observe(context.Background(), "9000", "1001"); !out.OK {
		t.Errorf("granted pair rejected: %s", out.Detail)
	}
	if out := svc.Stop(context.Background(), "9000"); !out.OK {
		t.Fatalf("Stop failed: %s", out.Detail)
	}
	out := svc.Observe(context.Background(), "9000", "1002")
	if out.OK {
		t.Fatal("ungranted pair allowed")
	}
	if out.Kind != outcome.KindRejected {
		t.Errorf("Kind = %s, want %s", out.Kind, outcome.KindRejected)
	}
}

func TestHangupDisconnectsEverySupervisorCall(t *testing.T) {
	svc, sim := newTestService(t, nil)
	sim.PlaceCall("9000", "1002")
	if out := svc.Observe(context.Background(), "9000", "1001"); !out.OK {
		t.Fatalf("Observe failed: %s", out.Detail)
	}

	out := svc.Hangup(context.Background(), "9000")
	if !out.OK {
		t.Fatalf("Hangup failed: %s", out.Detail)
	}
	if _, err := sim.FindActiveCall(context.Background(), "9000"); err == nil {
		t.Error("supervisor still has an active call after hangup")
	}
	if _, ok := svc.SessionStatus("9000"); ok {
		t.Error("session still present after hangup")
	}
}

func TestExpiryStopsMonitoring(t *testing.T) {
	svc, sim := newTestService(t, nil)
	if out := svc.Observe(context.Background(), "9000", "1001"); !out.OK {
		t.Fatalf("Observe failed: %s", out.Detail)
	}

	sess, err := svc.sessionByExtension("9000")
	if err != nil {
		t.Fatalf("session lookup failed: %v", err)
	}
	svc.expireSession(sess)

	if _, ok := svc.SessionStatus("9000"); ok {
		t.Error("session still present after expiry")
	}
	if _, err := sim.FindActiveCall(context.Background(), "9000"); err == nil {
		t.Error("monitor leg still up after expiry")
	}
}

func TestStopRacingStartLeaksNoCall(t *testing.T) {
	svc, sim := newTestService(t, nil)

	startDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		svc.Observe(context.Background(), "9000", "1001")
		close(startDone)
	}()
	go func() {
		defer wg.Done()
		for {
			svc.Stop(context.Background(), "9000")
			select {
			case <-startDone:
				return
			default:
			}
		}
	}()
	wg.Wait()

	// Whatever interleaving happened, a final stop must leave neither a
	// session nor a monitor leg behind.
	if out := svc.Stop(context.Background(), "9000"); !out.OK {
		t.Fatalf("final stop errored: %s", out.Detail)
	}
	if _, ok := svc.SessionStatus("9000"); ok {
		t.Error("session still present after stop")
	}
	if _, err := sim.FindActiveCall(context.Background(), "9000"); err == nil {
		t.Error("monitor leg still up after stop")
	}
}
