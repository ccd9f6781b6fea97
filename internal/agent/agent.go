// Package agent implements the reference device agent: it heartbeats,
// long-polls for signed commands, verifies every signature before
// executing, and dials back for shell sessions on invitation.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/edgemesh/fleetd/internal/clock"
	"github.com/edgemesh/fleetd/internal/queue"
	"github.com/edgemesh/fleetd/internal/relay"
	"github.com/edgemesh/fleetd/internal/sign"
)

// Config holds agent configuration from environment variables.
type Config struct {
	ServerURL      string
	DeviceID       string
	Secret         string
	SecretFile     string
	PollWait       time.Duration
	HeartbeatEvery time.Duration
	SkewTolerance  time.Duration
	Shell          string
}

// LoadConfig reads agent configuration from FLEET_AGENT_* variables.
func LoadConfig() *Config {
	return &Config{
		ServerURL:      os.Getenv("FLEET_AGENT_SERVER"),
		DeviceID:       os.Getenv("FLEET_AGENT_DEVICE_ID"),
		Secret:         os.Getenv("FLEET_AGENT_SECRET"),
		SecretFile:     os.Getenv("FLEET_AGENT_SECRET_FILE"),
		PollWait:       envDuration("FLEET_AGENT_POLL_WAIT", 25*time.Second),
		HeartbeatEvery: envDuration("FLEET_AGENT_HEARTBEAT_EVERY", 30*time.Second),
		SkewTolerance:  envDuration("FLEET_AGENT_SKEW_TOLERANCE", 5*time.Minute),
		Shell:          envStr("FLEET_AGENT_SHELL", "/bin/sh"),
	}
}

// Validate checks the configuration and loads the secret from file when
// FLEET_AGENT_SECRET_FILE is set.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("FLEET_AGENT_SERVER is required"))
	}
	if c.DeviceID == "" {
		errs = append(errs, errors.New("FLEET_AGENT_DEVICE_ID is required"))
	}
	if c.Secret == "" && c.SecretFile != "" {
		data, err := os.ReadFile(c.SecretFile)
		if err != nil {
			errs = append(errs, fmt.Errorf("read secret file: %w", err))
		} else {
			c.Secret = string(bytes.TrimSpace(data))
		}
	}
	if c.Secret == "" && c.SecretFile == "" {
		errs = append(errs, errors.New("one of FLEET_AGENT_SECRET or FLEET_AGENT_SECRET_FILE is required"))
	}
	return errors.Join(errs...)
}

// Agent is a running device agent.
type Agent struct {
	cfg      *Config
	client   *http.Client
	verifier *sign.Verifier
	cmdKey   sign.Key
	sessKey  sign.Key
	handlers map[string]Handler
	clk      clock.Clock
	log      *slog.Logger
}

// New derives the agent's signing keys from its secret and registers the
// built-in command handlers.
func New(cfg *Config, log *slog.Logger) (*Agent, error) {
	cmdKey, err := sign.KeyFromSecret(cfg.Secret, sign.PurposeCommand)
	if err != nil {
		return nil, err
	}
	sessKey, err := sign.KeyFromSecret(cfg.Secret, sign.PurposeSession)
	if err != nil {
		return nil, err
	}
	clk := clock.Real{}
	a := &Agent{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.PollWait + 15*time.Second},
		verifier: sign.NewVerifier(cfg.SkewTolerance, clk),
		cmdKey:   cmdKey,
		sessKey:  sessKey,
		handlers: make(map[string]Handler),
		clk:      clk,
		log:      log,
	}
	a.registerBuiltins()
	return a, nil
}

// Run heartbeats and polls until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	go a.heartbeatLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := a.pollOnce(ctx); err != nil {
			a.log.Warn("poll failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	attrs := baseAttributes()
	ticker := time.NewTicker(a.cfg.HeartbeatEvery)
	defer ticker.Stop()

	for {
		if err := a.postJSON(ctx, "/api/device/heartbeat", map[string]any{"attributes": attrs}, nil); err != nil {
			a.log.Warn("heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type pollResponse struct {
	Commands []queue.SignedCommand `json:"commands"`
	Shell    *relay.Token          `json:"shell,omitempty"`
}

func (a *Agent) pollOnce(ctx context.Context) error {
	wait := strconv.Itoa(int(a.cfg.PollWait.Seconds()))
	var resp pollResponse
	if err := a.getJSON(ctx, "/api/device/commands?wait="+wait, &resp); err != nil {
		return err
	}

	for _, sc := range resp.Commands {
		a.execute(ctx, sc)
	}
	if resp.Shell != nil {
		// Shell runs concurrently so polling continues while the
		// operator types.
		go a.runShell(ctx, *resp.Shell)
	}
	return nil
}

// execute verifies a signed command and runs its handler. A signature,
// timestamp or nonce failure means the command never runs; there is no
// result to submit because the payload cannot be trusted.
func (a *Agent) execute(ctx context.Context, sc queue.SignedCommand) {
	payload := sign.Canonical(sc.UUID, sc.DeviceID, sc.CommandID, sc.Params)
	err := a.verifier.Verify(a.cmdKey, payload, time.Unix(sc.Timestamp, 0), sc.Nonce, sc.Signature, sc.DeviceID)
	if err != nil {
		a.log.Error("rejected command with bad signature", "uuid", sc.UUID, "command", sc.CommandID)
		return
	}

	handler, ok := a.handlers[sc.CommandID]
	var output string
	var exit int
	if !ok {
		output = "unsupported command: " + sc.CommandID
		exit = 127
	} else {
		output, exit = handler(ctx, sc.Params)
	}

	body := map[string]any{
		"command_uuid": sc.UUID,
		"exit_status":  exit,
		"output":       output,
	}
	if err := a.postJSON(ctx, "/api/device/results", body, nil); err != nil {
		a.log.Error("result submission failed", "uuid", sc.UUID, "error", err)
		return
	}
	a.log.Info("command completed", "uuid", sc.UUID, "command", sc.CommandID, "exit", exit)
}

func (a *Agent) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.ServerURL+path, nil)
	if err != nil {
		return err
	}
	return a.send(req, out)
}

func (a *Agent) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ServerURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.send(req, out)
}

func (a *Agent) send(req *http.Request, out any) error {
	req.Header.Set("X-Device-ID", a.cfg.DeviceID)
	req.Header.Set("X-Device-Secret", a.cfg.Secret)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func baseAttributes() map[string]string {
	hostname, _ := os.Hostname()
	return map[string]string{
		"hostname": hostname,
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
