package agent

import (
	"context"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgemesh/fleetd/internal/relay"
	"github.com/edgemesh/fleetd/internal/sign"
)

// runShell verifies a session invitation and, if genuine, dials the relay
// and wires a local shell process to it. The token signature uses the
// session key domain, so a captured command signature can never be turned
// into a shell.
func (a *Agent) runShell(ctx context.Context, token relay.Token) {
	if token.DeviceID != a.cfg.DeviceID {
		a.log.Error("rejected shell token for another device", "device", token.DeviceID)
		return
	}
	payload := sign.SessionCanonical(token.SessionID, token.DeviceID, token.AdminName)
	err := a.verifier.Verify(a.sessKey, payload, time.Unix(token.Timestamp, 0), token.Nonce, token.Signature, token.DeviceID)
	if err != nil {
		a.log.Error("rejected shell token with bad signature", "session", token.SessionID)
		return
	}
	a.log.Info("shell session invited", "session", token.SessionID, "admin", token.AdminName)

	wsURL := toWebsocketURL(a.cfg.ServerURL) + "/api/shell/connect?session_id=" + token.SessionID
	header := http.Header{}
	header.Set("X-Device-ID", a.cfg.DeviceID)
	header.Set("X-Device-Secret", a.cfg.Secret)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		a.log.Error("shell dial failed", "session", token.SessionID, "error", err)
		return
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	shellCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(shellCtx, a.cfg.Shell, "-i")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		a.log.Error("shell stdin pipe", "error", err)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.log.Error("shell stdout pipe", "error", err)
		return
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		a.log.Error("shell start failed", "shell", a.cfg.Shell, "error", err)
		return
	}

	// Relay -> shell stdin.
	go func() {
		defer cancel()
		defer stdin.Close()
		for {
			_, p, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if _, err := stdin.Write(p); err != nil {
				return
			}
		}
	}()

	// Shell stdout -> relay.
	go func() {
		defer cancel()
		buf := make([]byte, 4096)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	err = cmd.Wait()
	a.log.Info("shell session ended", "session", token.SessionID, "error", err)
}

func toWebsocketURL(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://")
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://")
	default:
		return serverURL
	}
}
