package gate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// ShellGatesEnabled reports whether the host has opted into shell gates via
// the ALLOW_SHELL_GATES environment toggle (spec §6). Defaults to
// disabled — shell gates fail closed.
func ShellGatesEnabled() bool {
	return os.Getenv("ALLOW_SHELL_GATES") == "true"
}

// shellGateTimeout returns the per-invocation timeout, configurable via
// OPENSKELO_SHELL_GATE_TIMEOUT (milliseconds), defaulting to 5s.
func shellGateTimeout() time.Duration {
	if raw := os.Getenv("OPENSKELO_SHELL_GATE_TIMEOUT"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 5 * time.Second
}

// EvalShell runs d's configured command and compares its exit status.
// Fails closed (without running anything) unless ShellGatesEnabled().
func EvalShell(ctx context.Context, d Def) (Result, error) {
	if !ShellGatesEnabled() {
		return fail(d.Name, "shell gates are disabled; set ALLOW_SHELL_GATES=true to enable"), nil
	}
	command := d.stringField("command", "")
	if command == "" {
		return Result{}, fmt.Errorf("gate: shell check %q missing command", d.Name)
	}
	timeout := shellGateTimeout()
	if ms := d.intField("timeout_ms", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	audit := map[string]interface{}{
		"command": command,
		"stdout":  stdout.String(),
		"stderr":  stderr.String(),
	}
	if runCtx.Err() != nil {
		return Result{Name: d.Name, Passed: false, Reason: "shell command timed out", Audit: audit}, nil
	}
	if err != nil {
		return Result{Name: d.Name, Passed: false, Reason: fmt.Sprintf("shell command failed: %v", err), Audit: audit}, nil
	}
	return Result{Name: d.Name, Passed: true, Audit: audit}, nil
}
