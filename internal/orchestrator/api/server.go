// Package api exposes the orchestration workflows over HTTP. Every command
// response carries a structured outcome; prose lives in the detail field and
// the logs only.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/conference"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/monitor"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/outcome"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/permission"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/registry"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/transfer"
)

// Server provides the HTTP API for the orchestrator (headless, API only)
type Server struct {
	addr        string
	httpServer  *http.Server
	transfers   *transfer.Service
	conferences *conference.Service
	monitors    *monitor.Service
	perms       permission.Store
	reg         *registry.Registry
	eventHub    http.Handler
	secret      string
	startTime   time.Time
}

// NewServer creates the API server. A non-empty secret enables JWT bearer
// auth on every route except health.
func NewServer(addr string, transfers *transfer.Service, conferences *conference.Service, monitors *monitor.Service, perms permission.Store, reg *registry.Registry, eventHub http.Handler, secret string) *Server {
	s := &Server{
		addr:        addr,
		transfers:   transfers,
		conferences: conferences,
		monitors:    monitors,
		perms:       perms,
		reg:         reg,
		eventHub:    eventHub,
		secret:      secret,
		startTime:   time.Now(),
	}

	mux := http.NewServeMux()

	// Health and stats
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.withAuth(s.handleStats))

	// Transfer
	mux.HandleFunc("/api/v1/transfer/blind", s.withAuth(s.handleBlindTransfer))
	mux.HandleFunc("/api/v1/transfer/start", s.withAuth(s.handleTransferStart))
	mux.HandleFunc("/api/v1/transfer/complete", s.withAuth(s.handleTransferComplete))
	mux.HandleFunc("/api/v1/transfer/cancel", s.withAuth(s.handleTransferCancel))
	mux.HandleFunc("/api/v1/transfer/status", s.withAuth(s.handleTransferStatus))

	// Conference
	mux.HandleFunc("/api/v1/conference/start", s.withAuth(s.handleConferenceStart))
	mux.HandleFunc("/api/v1/conference/establish", s.withAuth(s.handleConferenceEstablish))
	mux.HandleFunc("/api/v1/conference/end", s.withAuth(s.handleConferenceEnd))
	mux.HandleFunc("/api/v1/conference/leave", s.withAuth(s.handleConferenceLeave))
	mux.HandleFunc("/api/v1/conference/cancel", s.withAuth(s.handleConferenceCancel))
	mux.HandleFunc("/api/v1/conference/status", s.withAuth(s.handleConferenceStatus))

	// Monitor
	mux.HandleFunc("/api/v1/monitor/start", s.withAuth(s.handleMonitorObserve))
	mux.HandleFunc("/api/v1/monitor/barge", s.withAuth(s.handleMonitorBargeIn))
	mux.HandleFunc("/api/v1/monitor/coach", s.withAuth(s.handleMonitorCoach))
	mux.HandleFunc("/api/v1/monitor/stop", s.withAuth(s.handleMonitorStop))
	mux.HandleFunc("/api/v1/monitor/hangup", s.withAuth(s.handleMonitorHangup))
	mux.HandleFunc("/api/v1/monitor/status", s.withAuth(s.handleMonitorStatus))

	// Monitoring permissions
	mux.HandleFunc("/api/v1/permissions", s.withAuth(s.handlePermissions))

	// Event push
	if eventHub != nil {
		mux.Handle("/api/v1/events/ws", eventHub)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

// Handler exposes the routed mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[API] Server error", "error", err)
			panic(err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime).Seconds()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": int64(uptime),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	kinds := map[string]int{}
	for _, sess := range s.reg.All() {
		kinds[sess.Kind().String()]++
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_sessions":  s.reg.Len(),
		"sessions_by_kind": kinds,
	})
}

// --- Transfer ---

type commandRequest struct {
	Extension string `json:"extension"`
	Target    string `json:"target"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleBlindTransfer(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readCommand(w, r, true)
	if !ok {
		return
	}
	s.writeOutcome(w, s.transfers.Blind(r.Context(), req.Extension, req.Target))
}

func (s *Server) handleTransferStart(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readCommand(w, r, true)
	if !ok {
		return
	}
	out, sessionID := s.transfers.StartAttended(r.Context(), req.Extension, req.Target)
	s.writeJSON(w, statusFor(out), map[string]interface{}{
		"outcome":    out,
		"session_id": sessionID,
	})
}

func (s *Server) handleTransferComplete(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readCommand(w, r, false)
	if !ok {
		return
	}
	if req.SessionID != "" {
		s.writeOutcome(w, s.transfers.CompleteSession(r.Context(), req.SessionID))
		return
	}
	if req.Extension == "" {
		s.writeOutcome(w, outcome.Failure(outcome.KindPrecondition, "extension or session_id required"))
		return
	}
	s.writeOutcome(w, s.transfers.CompleteAttended(r.Context(), req.Extension))
}

func (s *Server) handleTransferCancel(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readCommand(w, r, false)
	if !ok {
		return
	}
	s.writeOutcome(w, s.transfers.CancelAttended(r.Context(), req.Extension))
}

func (s *Server) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ext := r.URL.Query().Get("extension")
	if ext == "" {
		http.Error(w, "extension required", http.StatusBadRequest)
		return
	}
	status, ok := s.transfers.AttendedStatus(ext)
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"active": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"active": true,
		"status": status,
	})
}

// --- Conference ---

func (s *Server) handleConferenceStart(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readCommand(w, r, true)
	if !ok {
		return
	}
	out, sessionID := s.conferences.Start(r.Context(), req.Extension, req.Target)
	s.writeJSON(w, statusFor(out), map[string]interface{}{
		"outcome":    out,
		"session_id": sessionID,
	})
}

func (s *Server) handleConferenceEstablish(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readCommand(w, r, false)
	if !ok {
		return
	}
	s.writeOutcome(w, s.conferences.Establish(r.Context(), req.Extension))
}

func (s *Server) handleConferenceEnd(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readCommand(w, r, false)
	if !ok {
		return
	}
	s.writeOutcome(w, s.conferences.End(r.Context(), req.Extension))
}

func (s *Server) handleConferenceLeave(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readCommand(w, r, false)
	if !ok {
		return
	}
	s.writeOutcome(w, s.conferences.Leave(r.Context(), req.Extension))
}

func (s *Server) handleConferenceCancel(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readCommand(w, r, false)
	if !ok {
		return
	}
	s.writeOutcome(w, s.conferences.Cancel(r.Context(), req.Extension))
}

func (s *Server) handleConferenceStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var status conference.Status
	var found bool
	if id := r.URL.Query().Get("session_id"); id != "" {
		status, found = s.conferences.StatusByID(id)
	} else if ext := r.URL.Query().Get("extension"); ext != "" {
		status, found = s.conferences.SessionStatus(ext)
	} else {
		http.Error(w, "extension or session_id required", http.StatusBadRequest)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"active": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"active": true,
		"status": status,
	})
}

// --- Monitor ---

type monitorRequest struct {
	Supervisor string `json:"supervisor"`
	Target     string `json:"target"`
}

func (s *Server) readMonitor(w http.ResponseWriter, r *http.Request, needTarget bool) (monitorRequest, bool) {
	var req monitorRequest
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return req, false
	}
	if req.Supervisor == "" || (needTarget && req.Target == "") {
		http.Error(w, "supervisor and target required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) handleMonitorObserve(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readMonitor(w, r, true)
	if !ok {
		return
	}
	s.writeOutcome(w, s.monitors.Observe(r.Context(), req.Supervisor, req.Target))
}

func (s *Server) handleMonitorBargeIn(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readMonitor(w, r, true)
	if !ok {
		return
	}
	s.writeOutcome(w, s.monitors.BargeIn(r.Context(), req.Supervisor, req.Target))
}

func (s *Server) handleMonitorCoach(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readMonitor(w, r, true)
	if !ok {
		return
	}
	s.writeOutcome(w, s.monitors.Coach(r.Context(), req.Supervisor, req.Target))
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readMonitor(w, r, false)
	if !ok {
		return
	}
	s.writeOutcome(w, s.monitors.Stop(r.Context(), req.Supervisor))
}

func (s *Server) handleMonitorHangup(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readMonitor(w, r, false)
	if !ok {
		return
	}
	s.writeOutcome(w, s.monitors.Hangup(r.Context(), req.Supervisor))
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sup := r.URL.Query().Get("supervisor")
	if sup == "" {
		http.Error(w, "supervisor required", http.StatusBadRequest)
		return
	}
	status, ok := s.monitors.SessionStatus(sup)
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"active": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"active": true,
		"status": status,
	})
}

// --- Permissions ---

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		grants, err := s.perms.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, grants)
	case http.MethodPost:
		req, ok := s.readMonitor(w, r, true)
		if !ok {
			return
		}
		if err := s.perms.Grant(r.Context(), req.Supervisor, req.Target); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeOutcome(w, outcome.Success("%s may monitor %s", req.Supervisor, req.Target))
	case http.MethodDelete:
		req, ok := s.readMonitor(w, r, true)
		if !ok {
			return
		}
		if err := s.perms.Revoke(r.Context(), req.Supervisor, req.Target); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeOutcome(w, outcome.Success("revoked %s monitoring %s", req.Supervisor, req.Target))
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- Helpers ---

func (s *Server) readCommand(w http.ResponseWriter, r *http.Request, needTarget bool) (commandRequest, bool) {
	var req commandRequest
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return req, false
	}
	if needTarget && (req.Extension == "" || req.Target == "") {
		http.Error(w, "extension and target required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// statusFor maps an outcome to an HTTP status code.
func statusFor(out outcome.Outcome) int {
	if out.OK {
		return http.StatusOK
	}
	switch out.Kind {
	case outcome.KindSessionNotFound:
		return http.StatusNotFound
	case outcome.KindSessionConflict:
		return http.StatusConflict
	case outcome.KindNoActiveCall, outcome.KindParticipantNotFound, outcome.KindPrecondition:
		return http.StatusUnprocessableEntity
	case outcome.KindRejected, outcome.KindExhausted, outcome.KindManualIntervention:
		return http.StatusBadGateway
	case outcome.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeOutcome(w http.ResponseWriter, out outcome.Outcome) {
	s.writeJSON(w, statusFor(out), map[string]interface{}{"outcome": out})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
