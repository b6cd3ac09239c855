package execx

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestLocalRun_CapturesOutputAndExitCode(t *testing.T) {
	res, err := Local{}.Run(context.Background(), Cmd{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err 1>&2"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Fatalf("stdout: got %q want %q", res.Stdout, "out")
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Fatalf("stderr: got %q want %q", res.Stderr, "err")
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code: got %d want 0", res.ExitCode)
	}
}

func TestLocalRun_NonzeroExitIsCommandError(t *testing.T) {
	res, err := Local{}.Run(context.Background(), Cmd{
		Name: "sh",
		Args: []string{"-c", "echo boom 1>&2; exit 3"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %T", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code: got %d want 3", res.ExitCode)
	}
	if !strings.Contains(cmdErr.Error(), "boom") {
		t.Fatalf("diagnostic not surfaced: %q", cmdErr.Error())
	}
}

func TestLocalRun_DirAndEnv(t *testing.T) {
	dir := t.TempDir()
	res, err := Local{}.Run(context.Background(), Cmd{
		Name: "sh",
		Args: []string{"-c", "pwd; printf %s \"$SIMFORGE_TEST\""},
		Dir:  dir,
		Env:  []string{"SIMFORGE_TEST=42"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(res.Stdout, dir) {
		t.Fatalf("working dir not honored: %q", res.Stdout)
	}
	if !strings.HasSuffix(res.Stdout, "42") {
		t.Fatalf("env not passed: %q", res.Stdout)
	}
}

func TestFake_RulesAndRecording(t *testing.T) {
	fake := &Fake{}
	fake.Respond("git rev-parse HEAD", "abc123\n")
	fake.Fail("git clone", "fatal: could not read from remote")

	res, err := fake.Run(context.Background(), Cmd{Name: "git", Args: []string{"rev-parse", "HEAD"}})
	if err != nil {
		t.Fatalf("rev-parse: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "abc123" {
		t.Fatalf("stdout: got %q", res.Stdout)
	}

	_, err = fake.Run(context.Background(), Cmd{Name: "git", Args: []string{"clone", "url", "dir"}})
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if !strings.Contains(cmdErr.Error(), "could not read from remote") {
		t.Fatalf("stderr not in message: %q", cmdErr.Error())
	}

	if got := fake.CallCount("git"); got != 2 {
		t.Fatalf("call count: got %d want 2", got)
	}
}
