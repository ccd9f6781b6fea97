// Package web exposes the fleetd control API over HTTP: admin operations
// behind bearer API keys, device operations behind device credentials, and
// the websocket shell relay endpoints.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgemesh/fleetd/internal/audit"
	"github.com/edgemesh/fleetd/internal/catalog"
	"github.com/edgemesh/fleetd/internal/events"
	"github.com/edgemesh/fleetd/internal/identity"
	"github.com/edgemesh/fleetd/internal/liveness"
	"github.com/edgemesh/fleetd/internal/queue"
	"github.com/edgemesh/fleetd/internal/relay"
)

// IdentityService is what the API needs from the identity store.
type IdentityService interface {
	Bootstrap(name string) (identity.AdminIdentity, string, error)
	CreateAdmin(caller, name string) (string, error)
	RegisterDevice(caller, deviceID string) (string, error)
	RevokeDevice(caller, deviceID string) error
	VerifyAdmin(candidateKey string) (identity.AdminIdentity, error)
	VerifyDevice(deviceID, candidateSecret string) (identity.DeviceIdentity, error)
	Device(deviceID string) (identity.DeviceIdentity, error)
	ListDevices() ([]identity.DeviceIdentity, error)
}

// CommandQueue is what the API needs from the command queue.
type CommandQueue interface {
	Enqueue(callerAdmin, deviceID, commandID string, params map[string]string) (queue.Command, error)
	Poll(dev identity.DeviceIdentity, wait time.Duration) ([]queue.SignedCommand, error)
	SubmitResult(dev identity.DeviceIdentity, commandUUID string, exitStatus int, output string) (queue.Result, error)
	ListResults(deviceID string, limit int) ([]queue.Result, error)
}

// LivenessTracker is what the API needs from heartbeat tracking.
type LivenessTracker interface {
	Heartbeat(deviceID string, attributes map[string]string) error
	ListClients(devices []identity.DeviceIdentity, timeout time.Duration) []liveness.ClientStatus
	Forget(deviceID string)
}

// ShellRelay is what the API needs from the session relay.
type ShellRelay interface {
	Open(adminName string, dev identity.DeviceIdentity) (*relay.Session, error)
	Claim(deviceID, sessionID string) (*relay.Session, error)
	PendingToken(deviceID string) (relay.Token, bool)
	Session(deviceID string) (*relay.Session, bool)
	History(limit int) ([]relay.Record, error)
}

// AuditReader queries the audit trail.
type AuditReader interface {
	Query(f audit.Filter, limit int) ([]audit.Entry, error)
}

// Dependencies defines what the web server needs from the rest of the
// application.
type Dependencies struct {
	Identity IdentityService
	Queue    CommandQueue
	Liveness LivenessTracker
	Relay    ShellRelay
	Audit    AuditReader
	Catalog  *catalog.Catalog
	EventBus *events.Bus
	Log      *slog.Logger

	LivenessTimeout time.Duration
	LongPollMax     time.Duration
}

// Server is the fleetd control API server.
type Server struct {
	deps    Dependencies
	mux     *http.ServeMux
	server  *http.Server
	limiter *RateLimiter
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:    deps,
		mux:     http.NewServeMux(),
		limiter: NewRateLimiter(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Public routes.
	s.mux.HandleFunc("POST /api/admin/bootstrap", s.apiBootstrap)
	s.mux.HandleFunc("GET /api/catalog", s.apiCatalog)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Admin routes.
	s.mux.HandleFunc("POST /api/admin/admins", s.adminAuthed(s.apiCreateAdmin))
	s.mux.HandleFunc("POST /api/admin/devices", s.adminAuthed(s.apiRegisterDevice))
	s.mux.HandleFunc("DELETE /api/admin/devices/{id}", s.adminAuthed(s.apiRevokeDevice))
	s.mux.HandleFunc("GET /api/admin/devices", s.adminAuthed(s.apiListClients))
	s.mux.HandleFunc("POST /api/admin/commands", s.adminAuthed(s.apiEnqueueCommand))
	s.mux.HandleFunc("GET /api/admin/results", s.adminAuthed(s.apiListResults))
	s.mux.HandleFunc("GET /api/admin/audit", s.adminAuthed(s.apiQueryAudit))
	s.mux.HandleFunc("GET /api/admin/sessions", s.adminAuthed(s.apiListSessions))
	s.mux.HandleFunc("GET /api/admin/events", s.adminAuthed(s.apiSSE))
	s.mux.HandleFunc("GET /api/shell/attach", s.adminAuthed(s.apiShellAttach))

	// Device routes.
	s.mux.HandleFunc("GET /api/device/commands", s.deviceAuthed(s.apiPollCommands))
	s.mux.HandleFunc("POST /api/device/results", s.deviceAuthed(s.apiSubmitResult))
	s.mux.HandleFunc("POST /api/device/heartbeat", s.deviceAuthed(s.apiHeartbeat))
	s.mux.HandleFunc("GET /api/shell/connect", s.deviceAuthed(s.apiShellConnect))
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.mux,
		ReadTimeout: 30 * time.Second,
		// Long-poll, SSE and shell connections are long-lived; per-handler
		// bounds apply instead of a global write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("control API listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the route mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Limiter exposes the auth rate limiter so its stale-entry cleanup can be
// scheduled alongside the other background sweeps.
func (s *Server) Limiter() *RateLimiter { return s.limiter }
