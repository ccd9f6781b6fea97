package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Handler executes one whitelisted command and returns its output and
// exit status.
type Handler func(ctx context.Context, params map[string]string) (output string, exit int)

// RegisterHandler installs a handler for a command id, replacing any
// built-in of the same name. Must be called before Run.
func (a *Agent) RegisterHandler(commandID string, h Handler) {
	a.handlers[commandID] = h
}

func (a *Agent) registerBuiltins() {
	a.handlers["system_info"] = systemInfo
	a.handlers["ping_test"] = pingTest
	a.handlers["disk_usage"] = diskUsage
}

func systemInfo(_ context.Context, _ map[string]string) (string, int) {
	hostname, _ := os.Hostname()
	var b strings.Builder
	fmt.Fprintf(&b, "hostname: %s\n", hostname)
	fmt.Fprintf(&b, "os: %s\n", runtime.GOOS)
	fmt.Fprintf(&b, "arch: %s\n", runtime.GOARCH)
	fmt.Fprintf(&b, "cpus: %d\n", runtime.NumCPU())
	fmt.Fprintf(&b, "time: %s\n", time.Now().UTC().Format(time.RFC3339))
	return b.String(), 0
}

func pingTest(ctx context.Context, params map[string]string) (string, int) {
	target := params["target"]
	count := params["count"]
	if count == "" {
		count = "3"
	}
	return runCommand(ctx, "ping", "-c", count, "-W", "2", target)
}

func diskUsage(ctx context.Context, _ map[string]string) (string, int) {
	return runCommand(ctx, "df", "-h")
}

func runCommand(ctx context.Context, name string, args ...string) (string, int) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return string(out), exitErr.ExitCode()
		}
		return err.Error(), 1
	}
	return string(out), 0
}
