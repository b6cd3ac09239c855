package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/simforge/simforge/internal/declare"
	"github.com/simforge/simforge/internal/execx"
	"github.com/simforge/simforge/internal/state"
)

func TestFingerprint_InvariantToOptionOrder(t *testing.T) {
	a := Fingerprint("rev", []string{"p1"}, map[string]string{"MAXP": "10000000", "ISOTHERMAL": "no"})
	b := Fingerprint("rev", []string{"p1"}, map[string]string{"ISOTHERMAL": "no", "MAXP": "10000000"})
	if a != b {
		t.Fatal("fingerprint must not depend on option declaration order")
	}
}

func TestFingerprint_SensitiveToEveryInput(t *testing.T) {
	base := Fingerprint("rev", []string{"p1"}, map[string]string{"MAXP": "10000000"})
	cases := map[string]string{
		"revision":     Fingerprint("rev2", []string{"p1"}, map[string]string{"MAXP": "10000000"}),
		"patch set":    Fingerprint("rev", []string{"p1", "p2"}, map[string]string{"MAXP": "10000000"}),
		"patch order":  Fingerprint("rev", []string{"p2"}, map[string]string{"MAXP": "10000000"}),
		"option value": Fingerprint("rev", []string{"p1"}, map[string]string{"MAXP": "20000000"}),
		"option name":  Fingerprint("rev", []string{"p1"}, map[string]string{"MAXQ": "10000000"}),
	}
	for what, fp := range cases {
		if fp == base {
			t.Fatalf("fingerprint insensitive to %s change", what)
		}
	}
}

func TestFingerprint_NoAmbiguityBetweenNameAndValue(t *testing.T) {
	a := Fingerprint("rev", nil, map[string]string{"AB": "C"})
	b := Fingerprint("rev", nil, map[string]string{"A": "BC"})
	if a == b {
		t.Fatal("option name/value boundary must be encoded")
	}
}

func TestIsStale(t *testing.T) {
	checkout := t.TempDir()
	artifact := filepath.Join("bin", "phantom")
	if err := os.MkdirAll(filepath.Join(checkout, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(checkout, artifact), []byte("bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	rec := &Record{Fingerprint: "fp", Artifacts: []string{artifact}}

	if IsStale(rec, "fp", checkout, []string{artifact}) {
		t.Fatal("matching record with existing artifact must not be stale")
	}
	if !IsStale(nil, "fp", checkout, []string{artifact}) {
		t.Fatal("missing record must be stale")
	}
	if !IsStale(rec, "other", checkout, []string{artifact}) {
		t.Fatal("fingerprint mismatch must be stale")
	}
	if !IsStale(rec, "fp", checkout, []string{"bin/missing"}) {
		t.Fatal("missing artifact must be stale")
	}
}

func buildSettings() declare.BuildSettings {
	return declare.BuildSettings{
		Command:   "make",
		Targets:   []string{"", "setup"},
		Artifacts: []string{"bin/phantom", "bin/phantomsetup"},
	}
}

func placeArtifacts(t *testing.T, checkout string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(checkout, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, a := range []string{"phantom", "phantomsetup"} {
		if err := os.WriteFile(filepath.Join(checkout, "bin", a), []byte("elf"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBuild_InvokesToolchainPerTargetWithSortedOptions(t *testing.T) {
	checkout := t.TempDir()
	st := state.NewStore(checkout)
	fake := &execx.Fake{}
	fake.On("make", func(execx.Cmd) (execx.Result, error) {
		placeArtifacts(t, checkout)
		return execx.Result{Stdout: "ok"}, nil
	})
	ex := NewExecutor(fake, st, zerolog.Nop())

	opts := map[string]string{"MAXP": "10000000", "ISOTHERMAL": "no"}
	res, err := ex.Build(context.Background(), checkout, "fp1", buildSettings(), opts)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if res.Skipped {
		t.Fatal("first build must not be skipped")
	}

	calls := fake.Calls()
	if len(calls) != 2 {
		t.Fatalf("toolchain invocations: got %d want 2", len(calls))
	}
	if got := calls[0].String(); got != "make ISOTHERMAL=no MAXP=10000000" {
		t.Fatalf("default target invocation: %q", got)
	}
	if got := calls[1].String(); got != "make ISOTHERMAL=no MAXP=10000000 setup" {
		t.Fatalf("setup target invocation: %q", got)
	}
	if calls[0].Dir != checkout {
		t.Fatalf("toolchain working dir: %q", calls[0].Dir)
	}

	rec, err := LoadRecord(st)
	if err != nil || rec == nil {
		t.Fatalf("record after build: %v %v", rec, err)
	}
	if rec.Fingerprint != "fp1" {
		t.Fatalf("record fingerprint: %q", rec.Fingerprint)
	}
}

func TestBuild_SkipsWhenFingerprintMatches(t *testing.T) {
	checkout := t.TempDir()
	st := state.NewStore(checkout)
	fake := &execx.Fake{}
	fake.On("make", func(execx.Cmd) (execx.Result, error) {
		placeArtifacts(t, checkout)
		return execx.Result{}, nil
	})
	ex := NewExecutor(fake, st, zerolog.Nop())

	if _, err := ex.Build(context.Background(), checkout, "fp1", buildSettings(), nil); err != nil {
		t.Fatal(err)
	}
	res, err := ex.Build(context.Background(), checkout, "fp1", buildSettings(), nil)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if !res.Skipped {
		t.Fatal("second build with same fingerprint must skip")
	}
	if got := fake.CallCount("make"); got != 2 {
		t.Fatalf("toolchain invocations after both builds: got %d want 2", got)
	}
}

func TestBuild_FailurePreservesPriorRecord(t *testing.T) {
	checkout := t.TempDir()
	st := state.NewStore(checkout)
	fake := &execx.Fake{}
	fake.On("make", func(execx.Cmd) (execx.Result, error) {
		placeArtifacts(t, checkout)
		return execx.Result{}, nil
	})
	ex := NewExecutor(fake, st, zerolog.Nop())
	if _, err := ex.Build(context.Background(), checkout, "fp1", buildSettings(), nil); err != nil {
		t.Fatal(err)
	}

	failing := &execx.Fake{}
	failing.Fail("make", "Error 1: undefined reference to cooling_rate_")
	ex2 := NewExecutor(failing, st, zerolog.Nop())
	_, err := ex2.Build(context.Background(), checkout, "fp2", buildSettings(), nil)
	var buildErr *Error
	if !errors.As(err, &buildErr) {
		t.Fatalf("expected build Error, got %v", err)
	}
	if !strings.Contains(buildErr.Error(), "undefined reference") {
		t.Fatalf("toolchain diagnostic not surfaced: %q", buildErr.Error())
	}

	rec, _ := LoadRecord(st)
	if rec == nil || rec.Fingerprint != "fp1" {
		t.Fatalf("prior record must stay authoritative, got %+v", rec)
	}
}

func TestBuild_MissingArtifactAfterSuccessIsFailure(t *testing.T) {
	checkout := t.TempDir()
	st := state.NewStore(checkout)
	fake := &execx.Fake{} // make "succeeds" but produces nothing
	ex := NewExecutor(fake, st, zerolog.Nop())

	_, err := ex.Build(context.Background(), checkout, "fp1", buildSettings(), nil)
	var buildErr *Error
	if !errors.As(err, &buildErr) {
		t.Fatalf("expected build Error, got %v", err)
	}
	if rec, _ := LoadRecord(st); rec != nil {
		t.Fatalf("no record may be written: %+v", rec)
	}
}

func TestBuild_WritesBuildLog(t *testing.T) {
	checkout := t.TempDir()
	st := state.NewStore(checkout)
	fake := &execx.Fake{}
	fake.On("make", func(c execx.Cmd) (execx.Result, error) {
		placeArtifacts(t, checkout)
		if c.Tee != nil {
			_, _ = c.Tee.Write([]byte("gfortran -O3 ...\n"))
		}
		return execx.Result{}, nil
	})
	ex := NewExecutor(fake, st, zerolog.Nop())
	if _, err := ex.Build(context.Background(), checkout, "fp1", buildSettings(), nil); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(st.BuildLogPath())
	if err != nil {
		t.Fatalf("build log: %v", err)
	}
	if !strings.Contains(string(b), "gfortran") {
		t.Fatalf("build output not captured: %q", b)
	}
}
