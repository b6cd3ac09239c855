// Package execx is the single seam between simforge and the external tools it
// drives (git, the build toolchain, the job scheduler). Components describe an
// invocation as a Cmd and interpret only the exit status and captured output,
// which keeps every component testable against a fake Runner.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Cmd describes one external invocation. Option values travel as explicit
// argv/env entries; the runner never mutates the ambient process environment.
type Cmd struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the inherited environment.
	Env []string
	// Tee, when set, receives the combined output as it is produced
	// (build logs are streamed this way).
	Tee io.Writer
}

func (c Cmd) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result carries what simforge is allowed to interpret: exit status and
// captured output.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (Result, error)
}

// CommandError reports a failed external invocation with its diagnostic
// output preserved verbatim.
type CommandError struct {
	Cmd    Cmd
	Result Result
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Cmd.String(), e.Err)
	if s := strings.TrimSpace(e.Result.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Local runs commands as real subprocesses.
type Local struct {
	// WaitDelay bounds cleanup after cancellation. Zero means 3s.
	WaitDelay time.Duration
}

func (l Local) Run(ctx context.Context, c Cmd) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	// Own process group so cancellation kills the whole tree, not just the
	// immediate child (make spawns compilers, sbatch may spawn wrappers).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 3 * time.Second
	}

	var stdout, stderr bytes.Buffer
	if c.Tee != nil {
		cmd.Stdout = io.MultiWriter(&stdout, c.Tee)
		cmd.Stderr = io.MultiWriter(&stderr, c.Tee)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return res, &CommandError{Cmd: c, Result: res, Err: err}
	}
	return res, nil
}
