package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/simforge/simforge/internal/declare"
	"github.com/simforge/simforge/internal/execx"
	"github.com/simforge/simforge/internal/state"
)

// Error is a fatal build failure. The previous Record, if any, remains
// authoritative; no partial artifact is ever registered as valid.
type Error struct {
	Target string
	Output string
	Err    error
}

func (e *Error) Error() string {
	target := e.Target
	if target == "" {
		target = "(default)"
	}
	msg := fmt.Sprintf("build failed (target %s): %v", target, e.Err)
	if out := tail(e.Output, 20); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Result reports what Build did.
type Result struct {
	// Skipped is true when the fingerprint matched and no toolchain
	// invocation happened.
	Skipped bool
	Record  Record
}

// Executor invokes the external build toolchain.
type Executor struct {
	runner execx.Runner
	store  *state.Store
	log    zerolog.Logger
}

func NewExecutor(runner execx.Runner, st *state.Store, log zerolog.Logger) *Executor {
	return &Executor{runner: runner, store: st, log: log}
}

// LoadRecord reads the persisted build record; nil when none exists.
func LoadRecord(st *state.Store) (*Record, error) {
	var rec Record
	found, err := state.LoadJSON(st.BuildRecordPath(), &rec)
	if err != nil {
		return nil, fmt.Errorf("load build record: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// Build brings the artifact up to the given fingerprint. When the persisted
// record already matches and the artifacts exist, the toolchain is not
// invoked. Options travel as explicit NAME=VALUE toolchain variables, sorted
// for a stable command line; the ambient environment is never mutated.
func (e *Executor) Build(ctx context.Context, checkout, fingerprint string, settings declare.BuildSettings, options map[string]string) (Result, error) {
	rec, err := LoadRecord(e.store)
	if err != nil {
		return Result{}, err
	}
	if !IsStale(rec, fingerprint, checkout, settings.Artifacts) {
		e.log.Info().Msg("build up to date, skipping toolchain")
		return Result{Skipped: true, Record: *rec}, nil
	}

	if err := e.store.Ensure(); err != nil {
		return Result{}, err
	}
	logFile, err := os.OpenFile(e.store.BuildLogPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = logFile.Close() }()

	vars := optionArgs(options)
	for _, target := range settings.Targets {
		args := append([]string(nil), vars...)
		if target != "" {
			args = append(args, target)
		}
		e.log.Info().Str("command", settings.Command+" "+strings.Join(args, " ")).Msg("invoking build toolchain")
		res, err := e.runner.Run(ctx, execx.Cmd{
			Name: settings.Command,
			Args: args,
			Dir:  checkout,
			Tee:  logFile,
		})
		if err != nil {
			return Result{}, &Error{Target: target, Output: res.Stdout + res.Stderr, Err: err}
		}
	}

	for _, a := range settings.Artifacts {
		if _, err := os.Stat(filepath.Join(checkout, a)); err != nil {
			return Result{}, &Error{
				Output: "",
				Err:    fmt.Errorf("toolchain reported success but artifact %s is missing", a),
			}
		}
	}

	newRec := Record{
		Fingerprint: fingerprint,
		Artifacts:   settings.Artifacts,
		BuiltAt:     time.Now().UTC(),
	}
	if err := state.SaveJSON(e.store.BuildRecordPath(), newRec); err != nil {
		return Result{}, fmt.Errorf("save build record: %w", err)
	}
	e.log.Info().Str("log", e.store.BuildLogPath()).Msg("build succeeded")
	return Result{Record: newRec}, nil
}

func optionArgs(options map[string]string) []string {
	names := make([]string, 0, len(options))
	for name := range options {
		names = append(names, name)
	}
	sort.Strings(names)
	args := make([]string, 0, len(names))
	for _, name := range names {
		args = append(args, name+"="+options[name])
	}
	return args
}

func tail(s string, lines int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	all := strings.Split(s, "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return strings.Join(all, "\n")
}
