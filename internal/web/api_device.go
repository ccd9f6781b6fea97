package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/edgemesh/fleetd/internal/metrics"
	"github.com/edgemesh/fleetd/internal/queue"
	"github.com/edgemesh/fleetd/internal/relay"
)

type pollResponse struct {
	Commands []queue.SignedCommand `json:"commands"`
	Shell    *relay.Token          `json:"shell,omitempty"`
}

func (s *Server) apiPollCommands(w http.ResponseWriter, r *http.Request) {
	dev := requestDevice(r)

	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			writeError(w, http.StatusBadRequest, "wait must be a non-negative integer of seconds")
			return
		}
		wait = time.Duration(secs) * time.Second
		if wait > s.deps.LongPollMax {
			wait = s.deps.LongPollMax
		}
	}

	commands, err := s.deps.Queue.Poll(dev, wait)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := pollResponse{Commands: commands}
	if token, ok := s.deps.Relay.PendingToken(dev.ID); ok {
		resp.Shell = &token
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) apiSubmitResult(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CommandUUID string `json:"command_uuid"`
		ExitStatus  int    `json:"exit_status"`
		Output      string `json:"output"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.deps.Queue.SubmitResult(requestDevice(r), body.CommandUUID, body.ExitStatus, body.Output)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) apiHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Attributes map[string]string `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	dev := requestDevice(r)
	if err := s.deps.Liveness.Heartbeat(dev.ID, body.Attributes); err != nil {
		writeServiceError(w, err)
		return
	}
	metrics.HeartbeatsTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
