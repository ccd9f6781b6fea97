package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/edgemesh/fleetd/internal/audit"
	"github.com/edgemesh/fleetd/internal/events"
)

func (s *Server) apiBootstrap(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	admin, plaintext, err := s.deps.Identity.Bootstrap(body.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// The key is disclosed exactly once, here.
	writeJSON(w, http.StatusCreated, map[string]string{
		"name":    admin.Name,
		"api_key": plaintext,
	})
}

func (s *Server) apiCreateAdmin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	plaintext, err := s.deps.Identity.CreateAdmin(requestAdmin(r).Name, body.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"name":    body.Name,
		"api_key": plaintext,
	})
}

func (s *Server) apiRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	admin := requestAdmin(r)
	plaintext, err := s.deps.Identity.RegisterDevice(admin.Name, body.DeviceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.deps.EventBus.Publish(events.Event{
		Type:      events.EventDeviceRegistered,
		DeviceID:  body.DeviceID,
		Actor:     admin.Name,
		Timestamp: time.Now().UTC(),
	})
	writeJSON(w, http.StatusCreated, map[string]string{
		"device_id":  body.DeviceID,
		"secret_key": plaintext,
	})
}

func (s *Server) apiRevokeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	admin := requestAdmin(r)

	if err := s.deps.Identity.RevokeDevice(admin.Name, deviceID); err != nil {
		writeServiceError(w, err)
		return
	}

	// Revocation cuts every live surface: heartbeat state and any shell
	// session in flight.
	s.deps.Liveness.Forget(deviceID)
	if sess, ok := s.deps.Relay.Session(deviceID); ok {
		sess.Close("device revoked")
	}

	s.deps.EventBus.Publish(events.Event{
		Type:      events.EventDeviceRevoked,
		DeviceID:  deviceID,
		Actor:     admin.Name,
		Timestamp: time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) apiListClients(w http.ResponseWriter, r *http.Request) {
	timeout := s.deps.LivenessTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "timeout must be a positive integer of seconds")
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	devices, err := s.deps.Identity.ListDevices()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clients": s.deps.Liveness.ListClients(devices, timeout),
	})
}

func (s *Server) apiEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID  string            `json:"device_id"`
		CommandID string            `json:"command_id"`
		Params    map[string]string `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmd, err := s.deps.Queue.Enqueue(requestAdmin(r).Name, body.DeviceID, body.CommandID, body.Params)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) apiListResults(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	results, err := s.deps.Queue.ListResults(r.URL.Query().Get("device_id"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) apiQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Actor:  q.Get("actor"),
		Action: q.Get("action"),
		Target: q.Get("target"),
	}
	entries, err := s.deps.Audit.Query(f, queryInt(r, "limit", 100))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) apiListSessions(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Relay.History(queryInt(r, "limit", 50))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func (s *Server) apiCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"commands": s.deps.Catalog.Entries()})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
