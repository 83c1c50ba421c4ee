package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/op15/bridge/internal/wire"
)

// defaultExecTimeout applies when timeoutMs is unset.
const defaultExecTimeout = 60 * time.Second

// shellInterpreter runs the command string through the host shell so
// callers can pipe and redirect. Argument vectors are deliberately not
// supported; the single-string contract is documented at the Tool Surface.
const shellInterpreter = "/bin/sh"

// Run implements exec.run: spawn, wait, and on timeout kill the
// child and return exitCode=124 with whatever output was buffered so far.
func (e *Executor) Run(ctx context.Context, a wire.ExecRunArgs) (wire.ExecRunResult, error) {
	cwd, err := e.resolveCwd(a.Cwd)
	if err != nil {
		return wire.ExecRunResult{}, err
	}

	timeout := defaultExecTimeout
	if a.TimeoutMs > 0 {
		timeout = time.Duration(a.TimeoutMs) * time.Millisecond
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, shellInterpreter, "-c", a.Command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Grandchildren of the shell (e.g. the sleep in "sleep 10 && echo")
	// can hold the output pipes open after the shell itself is killed;
	// stop waiting on them after a short grace so a timeout returns promptly.
	cmd.WaitDelay = 100 * time.Millisecond

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		// Partial buffers are returned as-is, with a marker on stderr so a
		// caller reading only the streams can still tell the child was
		// killed rather than exiting 124 on its own.
		errOut := stderr.String()
		if errOut != "" && !strings.HasSuffix(errOut, "\n") {
			errOut += "\n"
		}
		errOut += fmt.Sprintf("command timed out after %s", timeout)
		return wire.ExecRunResult{
			ExitCode: 124,
			Stdout:   stdout.String(),
			Stderr:   errOut,
		}, &wire.Error{Kind: wire.ErrTimeout, Message: "deadline"}
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if !errors.Is(runErr, exec.ErrWaitDelay) {
			// ErrWaitDelay means the shell exited 0 but a background child
			// kept the pipes open; its output so far is kept.
			return wire.ExecRunResult{}, fmt.Errorf("exec: %w", runErr)
		}
	}

	return wire.ExecRunResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
