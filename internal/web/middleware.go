package web

import (
	"context"
	"net/http"

	"github.com/edgemesh/fleetd/internal/identity"
	"github.com/edgemesh/fleetd/internal/metrics"
)

type contextKey struct{ name string }

var (
	adminContextKey  = contextKey{"admin"}
	deviceContextKey = contextKey{"device"}
)

// adminAuthed wraps a handler with admin API key verification.
func (s *Server) adminAuthed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.Allow(ip) {
			writeError(w, http.StatusTooManyRequests, "too many failed authentication attempts")
			return
		}

		key := extractBearer(r.Header.Get("Authorization"))
		if key == "" {
			s.authFailure(ip, "admin")
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		admin, err := s.deps.Identity.VerifyAdmin(key)
		if err != nil {
			s.authFailure(ip, "admin")
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}

		s.limiter.Reset(ip)
		ctx := context.WithValue(r.Context(), adminContextKey, admin)
		h(w, r.WithContext(ctx))
	}
}

// deviceAuthed wraps a handler with device credential verification.
// Unknown ids, revoked devices and digest mismatches are all the same
// failure to the caller.
func (s *Server) deviceAuthed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.Allow(ip) {
			writeError(w, http.StatusTooManyRequests, "too many failed authentication attempts")
			return
		}

		id := r.Header.Get("X-Device-ID")
		secret := r.Header.Get("X-Device-Secret")
		if id == "" || secret == "" {
			s.authFailure(ip, "device")
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		dev, err := s.deps.Identity.VerifyDevice(id, secret)
		if err != nil {
			s.authFailure(ip, "device")
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}

		s.limiter.Reset(ip)
		ctx := context.WithValue(r.Context(), deviceContextKey, dev)
		h(w, r.WithContext(ctx))
	}
}

func (s *Server) authFailure(ip, kind string) {
	s.limiter.RecordFailure(ip)
	metrics.AuthFailuresTotal.WithLabelValues(kind).Inc()
}

// requestAdmin returns the verified admin placed in context by adminAuthed.
func requestAdmin(r *http.Request) identity.AdminIdentity {
	admin, _ := r.Context().Value(adminContextKey).(identity.AdminIdentity)
	return admin
}

// requestDevice returns the verified device placed in context by deviceAuthed.
func requestDevice(r *http.Request) identity.DeviceIdentity {
	dev, _ := r.Context().Value(deviceContextKey).(identity.DeviceIdentity)
	return dev
}
