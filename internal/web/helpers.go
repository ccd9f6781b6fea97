package web

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/edgemesh/fleetd/internal/catalog"
	"github.com/edgemesh/fleetd/internal/identity"
	"github.com/edgemesh/fleetd/internal/queue"
	"github.com/edgemesh/fleetd/internal/relay"
	"github.com/edgemesh/fleetd/internal/sign"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors onto HTTP status codes. The error
// text always reaches the caller so cause can be distinguished.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrAuthFailed), errors.Is(err, sign.ErrAuthFailed):
		writeError(w, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, identity.ErrNotFound), errors.Is(err, queue.ErrNotFound), errors.Is(err, relay.ErrNoSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, identity.ErrAlreadyInitialized),
		errors.Is(err, identity.ErrAlreadyRegistered),
		errors.Is(err, queue.ErrConflict),
		errors.Is(err, queue.ErrInvalidState),
		errors.Is(err, queue.ErrQueueFull),
		errors.Is(err, queue.ErrDeviceRevoked),
		errors.Is(err, relay.ErrSessionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, catalog.ErrNotWhitelisted), errors.Is(err, catalog.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, relay.ErrDeviceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// extractBearer extracts a bearer token from the Authorization header.
// Returns empty string if not present or malformed.
func extractBearer(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
