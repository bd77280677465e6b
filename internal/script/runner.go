// Package script implements the Script Execution Subsystem: the Script
// Runner (§4.1) and, in robust.go, the Robust Runner (§4.2) that wraps
// it. The Runner spawns one short-lived interpreter process per call,
// pipes the script on stdin, and waits for it to exit; each call is a
// single script evaluation, not a long-lived session.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/apperr"
)

// Result is what a Script Runner call returns: either a parsed JSON value,
// a raw string (stdout was not JSON), or nil (stdout was empty), per §4.1.
type Result struct {
	JSON  interface{}
	Raw   string
	IsNil bool
}

// Executor is the interface the Robust Runner and Bridge Protocol depend
// on, so tests can substitute a fake external host rather than spawning
// a real interpreter process.
type Executor interface {
	Execute(ctx context.Context, scriptText string) (*Result, error)
}

// Runner is the concrete Script Runner: it spawns `interpreterPath` per
// call, pipes the (possibly wrapped) script on stdin, and enforces the
// byte ceiling and per-call timeout.
type Runner struct {
	InterpreterPath string
	Args            []string
	MaxScriptBytes  int
	DefaultTimeout  time.Duration
	Limiter         *rate.Limiter
	Logger          *zap.Logger
}

func NewRunner(interpreterPath string, args []string, maxScriptBytes int, defaultTimeout time.Duration, logger *zap.Logger) *Runner {
	return &Runner{
		InterpreterPath: interpreterPath,
		Args:            args,
		MaxScriptBytes:  maxScriptBytes,
		DefaultTimeout:  defaultTimeout,
		// A sustained rate of 20/s with a burst of 10 bounds child-process
		// creation independent of the concurrency cap (§4b), so a burst of
		// cheap calls cannot exhaust OS process/fd limits even when each
		// call individually completes fast.
		Limiter: rate.NewLimiter(rate.Limit(20), 10),
		Logger:  logger,
	}
}

// wrapIfNeeded wraps scriptText in an immediately-invoked form if it does
// not already present one, per §4.1. Scripts already wrapped are passed
// verbatim to avoid double-wrapping.
func wrapIfNeeded(scriptText string) string {
	trimmed := strings.TrimSpace(scriptText)
	if strings.HasPrefix(trimmed, "(function()") {
		return scriptText
	}
	return "(function() {\n" + scriptText + "\n})();\n"
}

// Execute runs scriptText in a fresh child process, honoring ctx's
// deadline (or r.DefaultTimeout if ctx carries none).
func (r *Runner) Execute(ctx context.Context, scriptText string) (*Result, error) {
	scriptText = wrapIfNeeded(scriptText)

	if r.MaxScriptBytes > 0 && len(scriptText) > r.MaxScriptBytes {
		return nil, apperr.New(apperr.CodeScriptTooLarge, "script exceeds the configured byte ceiling").
			WithDetailsf("script is %d bytes, ceiling is %d bytes", len(scriptText), r.MaxScriptBytes)
	}

	if r.Limiter != nil {
		if err := r.Limiter.Wait(ctx); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeSpawnFailed, "spawn rate limiter wait failed")
		}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && r.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.DefaultTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.InterpreterPath, r.Args...)
	cmd.Stdin = strings.NewReader(scriptText)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, apperr.New(apperr.CodeTimeout, "script execution timed out")
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, apperr.New(apperr.CodeScriptFailed, "external interpreter exited with an error").
				WithDetailsf("exit code %d: %s", exitErr.ExitCode(), stderr.String())
		}
		return nil, apperr.Wrap(err, apperr.CodeSpawnFailed, "could not spawn external interpreter")
	}

	return parseResult(stdout.String())
}

// parseResult implements §4.1's result contract: parsed JSON if stdout is
// a JSON document, otherwise the raw string; nil on empty output.
func parseResult(stdout string) (*Result, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return &Result{IsNil: true}, nil
	}

	var v interface{}
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		// Not every non-empty stdout is JSON (probes may return a bare
		// string); only treat it as INVALID_JSON when it looks like it was
		// meant to be JSON (starts with { or [) and still fails to parse.
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			return nil, apperr.Wrap(err, apperr.CodeInvalidJSON, "stdout looked like JSON but did not parse")
		}
		return &Result{Raw: trimmed}, nil
	}
	return &Result{JSON: v}, nil
}
