package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/callctl"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/conference"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/monitor"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/permission"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/registry"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/transfer"
)

func newTestServer(t *testing.T, secret string) (*Server, *callctl.Sim) {
	t.Helper()
	sim := callctl.NewSim()
	regCfg := registry.DefaultConfig()
	regCfg.SweepInterval = 0
	reg := registry.New(regCfg)

	workflowCfg := transfer.Config{TrunkPrefixes: []string{"49"}, SettleDelay: 0}
	transfers := transfer.NewService(sim, reg, nil, workflowCfg)
	conferences := conference.NewService(sim, reg, nil, conference.Config{
		TrunkPrefixes: []string{"49"},
	})
	perms := permission.NewMemoryStore()
	monitors := monitor.NewService(sim, reg, nil, perms, monitor.DefaultConfig())

	return NewServer(":0", transfers, conferences, monitors, perms, reg, nil, secret), sim
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestBlindTransferOverHTTP(t *testing.T) {
	srv, sim := newTestServer(t, "")
	sim.PlaceCall("1001", "1002")

	rec := postJSON(t, srv.Handler(), "/api/v1/transfer/blind", map[string]string{
		"extension": "1001",
		"target":    "3000",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("blind transfer returned %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Outcome struct {
			OK     bool   `json:"ok"`
			Detail string `json:"detail"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !body.Outcome.OK {
		t.Errorf("outcome not ok: %s", body.Outcome.Detail)
	}
}

func TestAttendedTransferLifecycleOverHTTP(t *testing.T) {
	srv, sim := newTestServer(t, "")
	sim.Register("1001")
	sim.PlaceCall("1001", "1002")

	rec := postJSON(t, srv.Handler(), "/api/v1/transfer/start", map[string]string{
		"extension": "1001",
		"target":    "2000",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start returned %d: %s", rec.Code, rec.Body.String())
	}
	var started struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if started.SessionID == "" {
		t.Fatal("start returned no session id")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transfer/status?extension=1001", nil)
	statusRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(statusRec, req)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("status returned %d", statusRec.Code)
	}
	var status struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(statusRec.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !status.Active {
		t.Error("status reports no active session")
	}

	rec = postJSON(t, srv.Handler(), "/api/v1/transfer/cancel", map[string]string{
		"extension": "1001",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDuplicateSessionMapsToConflictStatus(t *testing.T) {
	srv, sim := newTestServer(t, "")
	sim.Register("1001")
	sim.PlaceCall("1001", "1002")

	first := postJSON(t, srv.Handler(), "/api/v1/conference/start", map[string]string{
		"extension": "1001",
		"target":    "3000",
	}, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first start returned %d: %s", first.Code, first.Body.String())
	}
	second := postJSON(t, srv.Handler(), "/api/v1/conference/start", map[string]string{
		"extension": "1001",
		"target":    "3001",
	}, nil)
	if second.Code != http.StatusConflict {
		t.Errorf("duplicate start returned %d, want 409", second.Code)
	}
}

func TestAuthRejectsMissingAndBadTokens(t *testing.T) {
	srv, sim := newTestServer(t, "test-secret")
	sim.PlaceCall("1001", "1002")

	rec := postJSON(t, srv.Handler(), "/api/v1/transfer/blind", map[string]string{
		"extension": "1001",
		"target":    "3000",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token returned %d, want 401", rec.Code)
	}

	rec = postJSON(t, srv.Handler(), "/api/v1/transfer/blind", map[string]string{
		"extension": "1001",
		"target":    "3000",
	}, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token returned %d, want 401", rec.Code)
	}

	// Health stays open without a token.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	health := httptest.NewRecorder()
	srv.Handler().ServeHTTP(health, req)
	if health.Code != http.StatusOK {
		t.Errorf("health returned %d without token, want 200", health.Code)
	}
}

func TestAuthAcceptsSignedToken(t *testing.T) {
	srv, sim := newTestServer(t, "test-secret")
	sim.PlaceCall("1001", "1002")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	rec := postJSON(t, srv.Handler(), "/api/v1/transfer/blind", map[string]string{
		"extension": "1001",
		"target":    "3000",
	}, map[string]string{"Authorization": "Bearer " + signed})
	if rec.Code != http.StatusOK {
		t.Fatalf("signed token returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPermissionEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec := postJSON(t, srv.Handler(), "/api/v1/permissions", map[string]string{
		"supervisor": "9000",
		"target":     "1001",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("grant returned %d: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/permissions", nil)
	listRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(listRec, req)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list returned %d", listRec.Code)
	}
	var grants []permission.Grant
	if err := json.Unmarshal(listRec.Body.Bytes(), &grants); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(grants) != 1 || grants[0].Supervisor != "9000" {
		t.Errorf("grants = %+v, want one for 9000", grants)
	}
}
