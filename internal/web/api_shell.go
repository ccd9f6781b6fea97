package web

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/edgemesh/fleetd/internal/relay"
)

var shellUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Admin tooling and devices are not browsers; the credential check
	// already happened in the auth middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTransport adapts a websocket connection to the relay's transport
// contract.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read() ([]byte, error) {
	_, p, err := t.conn.ReadMessage()
	return p, err
}

func (t *wsTransport) Write(p []byte) error {
	return t.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (s *Server) apiShellAttach(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	dev, err := s.deps.Identity.Device(deviceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	sess, err := s.deps.Relay.Open(requestAdmin(r).Name, dev)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := shellUpgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.Close("admin upgrade failed")
		return
	}

	sess.AttachAdmin(&wsTransport{conn: conn})
	<-sess.Done()
}

func (s *Server) apiShellConnect(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	dev := requestDevice(r)

	sess, err := s.deps.Relay.Claim(dev.ID, sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := shellUpgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.Close("device upgrade failed")
		return
	}

	sess.AttachDevice(&wsTransport{conn: conn})
	<-sess.Done()
}

var _ relay.Transport = (*wsTransport)(nil)
