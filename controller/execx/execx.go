// Package execx runs external subcommands with a hard timeout and reports
// the outcome as a tagged result instead of a bare error, so callers can
// distinguish a timeout from a nonzero exit from unparseable output.
package execx

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// ResultKind tags the outcome of an external subcommand.
type ResultKind int

const (
	Ok ResultKind = iota
	Timeout
	NonZero
	Unparseable // set by callers whose parser rejected the stdout
)

func (k ResultKind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Timeout:
		return "timeout"
	case NonZero:
		return "nonzero"
	case Unparseable:
		return "unparseable"
	}
	return "unknown"
}

// Result is the outcome of one subcommand invocation.
type Result struct {
	Kind   ResultKind
	Stdout string
	Stderr string
	Code   int
	Err    error
}

// OK reports whether the command ran to completion with exit status zero.
func (r Result) OK() bool { return r.Kind == Ok }

// Runner invokes external subcommands. It exists so tests can substitute a
// fake without a real PATH.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) Result
	RunInput(ctx context.Context, stdin string, name string, args ...string) Result
}

// SystemRunner runs commands on the host with a per-invocation deadline.
type SystemRunner struct {
	Timeout time.Duration // 0 means DefaultTimeout
}

// DefaultTimeout bounds every subcommand invocation.
const DefaultTimeout = 30 * time.Second

// Run invokes name with args.
func (s SystemRunner) Run(ctx context.Context, name string, args ...string) Result {
	return s.RunInput(ctx, "", name, args...)
}

// RunInput invokes name with args, feeding stdin when nonempty.
func (s SystemRunner) RunInput(ctx context.Context, stdin string, name string, args ...string) Result {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Err:    err,
	}
	switch {
	case err == nil:
		res.Kind = Ok
	case ctx.Err() != nil:
		res.Kind = Timeout
	default:
		res.Kind = NonZero
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Code = exitErr.ExitCode()
		} else {
			res.Code = -1
		}
	}
	return res
}
