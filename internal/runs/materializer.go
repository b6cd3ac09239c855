// Package runs materializes run directories: the declared input files plus a
// reference to the built artifact, without disturbing anything else in the
// directory — above all not simulation output from runs that already
// executed.
package runs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/simforge/simforge/internal/declare"
	"github.com/simforge/simforge/internal/execx"
)

// RunError is a failure scoped to one run; sibling runs continue.
type RunError struct {
	Run string
	Op  string
	Err error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s: %s: %v", e.Run, e.Op, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// SubmitError is a failed scheduler submission. It is reported per run and
// never blocks materialization of this or other runs.
type SubmitError struct {
	Run string
	Err error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("run %s: scheduler submission failed: %v", e.Run, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Status of one run after materialization.
type Status string

const (
	StatusUnchanged Status = "unchanged"
	StatusUpdated   Status = "updated"
	StatusFailed    Status = "failed"
)

// RunResult is the per-run outcome.
type RunResult struct {
	Name   string
	Status Status
	// OutputDetected notes that the directory already holds simulation
	// output: the run appears to have executed. Informational, not a
	// failure — regenerating inputs for a completed run is legitimate.
	OutputDetected bool
	Submitted      bool
	SubmitErr      error
	Err            error
}

// Materializer populates run directories. Runs are independent (disjoint
// directories) and processed on a bounded pool; no ordering across runs.
type Materializer struct {
	runner   execx.Runner
	log      zerolog.Logger
	settings declare.Settings
}

func NewMaterializer(runner execx.Runner, settings declare.Settings, log zerolog.Logger) *Materializer {
	return &Materializer{runner: runner, log: log, settings: settings}
}

// MaterializeAll processes every run and returns one result per spec, in
// spec order. Failures are collected, never propagated across runs.
func (m *Materializer) MaterializeAll(ctx context.Context, specs []declare.RunSpec, checkout string, artifacts []string) []RunResult {
	results := make([]RunResult, len(specs))
	var g errgroup.Group
	g.SetLimit(m.settings.Jobs)
	for i, spec := range specs {
		i, spec := i, spec // per-iteration copies; required before Go 1.22 loop semantics
		g.Go(func() error {
			results[i] = m.Materialize(ctx, spec, checkout, artifacts)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Materialize brings one run directory into conformance with its spec.
func (m *Materializer) Materialize(ctx context.Context, spec declare.RunSpec, checkout string, artifacts []string) RunResult {
	res := RunResult{Name: spec.Name, Status: StatusUnchanged}
	log := m.log.With().Str("run", spec.Name).Logger()

	fail := func(op string, err error) RunResult {
		res.Status = StatusFailed
		res.Err = &RunError{Run: spec.Name, Op: op, Err: err}
		log.Error().Err(err).Str("op", op).Msg("run materialization failed")
		return res
	}

	// Every declared input must exist before anything is written.
	for _, in := range spec.Inputs {
		if _, err := os.Stat(in); err != nil {
			return fail("check inputs", fmt.Errorf("declared input file %s: %w", in, err))
		}
	}

	existed := true
	if _, err := os.Stat(spec.Path); err != nil {
		existed = false
	}
	if err := os.MkdirAll(spec.Path, 0o755); err != nil {
		return fail("create run directory", err)
	}

	man, err := loadManifest(spec.Path)
	if err != nil {
		return fail("read run manifest", err)
	}

	if existed {
		detected, err := m.detectOutput(spec, man)
		if err != nil {
			return fail("scan run directory", err)
		}
		if detected {
			res.OutputDetected = true
			log.Info().Msg("run directory contains simulation output; refreshing inputs only")
		}
	}

	changed := !existed
	var placed []string

	place := func(src string, artifact bool) error {
		name := filepath.Base(src)
		dest := filepath.Join(spec.Path, name)
		placed = append(placed, name)
		if m.settings.ArtifactMode == "link" && artifact {
			linked, err := ensureLink(src, dest)
			if err != nil {
				return err
			}
			changed = changed || linked
			return nil
		}
		copied, err := ensureCopy(src, dest)
		if err != nil {
			return err
		}
		changed = changed || copied
		return nil
	}

	for _, in := range spec.Inputs {
		if err := place(in, false); err != nil {
			return fail("materialize input "+filepath.Base(in), err)
		}
	}
	for _, a := range artifacts {
		if err := place(filepath.Join(checkout, a), true); err != nil {
			return fail("materialize artifact "+filepath.Base(a), err)
		}
	}
	if spec.JobScript != "" {
		if err := place(spec.JobScript, false); err != nil {
			return fail("materialize job script", err)
		}
	}

	if changed && len(spec.SetupCommand) > 0 {
		if err := m.runSetup(ctx, spec); err != nil {
			return fail("run setup command", err)
		}
	}

	if changed {
		res.Status = StatusUpdated
	}

	submitted, submitErr := m.maybeSubmit(ctx, spec, man, changed)
	res.Submitted = submitted
	res.SubmitErr = submitErr
	if submitted {
		man.SubmittedAt = time.Now().UTC()
	}

	sort.Strings(placed)
	man.Files = dedupe(placed)
	man.MaterializedAt = time.Now().UTC()
	if err := saveManifest(spec.Path, man); err != nil {
		return fail("write run manifest", err)
	}

	log.Info().Str("status", string(res.Status)).Msg("run materialized")
	return res
}

// detectOutput looks for files matching the protected-output globs that are
// neither owned by simforge nor declared inputs.
func (m *Materializer) detectOutput(spec declare.RunSpec, man manifest) (bool, error) {
	entries, err := os.ReadDir(spec.Path)
	if err != nil {
		return false, err
	}
	declared := map[string]bool{}
	for _, in := range spec.Inputs {
		declared[filepath.Base(in)] = true
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || declared[name] || man.owns(name) {
			continue
		}
		for _, pattern := range m.settings.ProtectedGlobs {
			ok, err := doublestar.Match(pattern, name)
			if err != nil {
				return false, fmt.Errorf("protected glob %q: %w", pattern, err)
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}

// runSetup executes the per-run setup command (e.g. ./phantomsetup <name>)
// inside the run directory, teeing its output to <name>00.log the way the
// simulation's own tooling expects.
func (m *Materializer) runSetup(ctx context.Context, spec declare.RunSpec) error {
	logPath := filepath.Join(spec.Path, spec.Name+"00.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = m.runner.Run(ctx, execx.Cmd{
		Name: spec.SetupCommand[0],
		Args: spec.SetupCommand[1:],
		Dir:  spec.Path,
		Tee:  f,
	})
	return err
}

// maybeSubmit hands the job script to the scheduler. A run that is unchanged
// and already recorded as submitted is not queued again.
func (m *Materializer) maybeSubmit(ctx context.Context, spec declare.RunSpec, man manifest, changed bool) (bool, error) {
	if spec.JobScript == "" {
		return false, nil
	}
	if !changed && !man.SubmittedAt.IsZero() {
		m.log.Debug().Str("run", spec.Name).Msg("job already submitted, not re-queueing")
		return false, nil
	}
	_, err := m.runner.Run(ctx, execx.Cmd{
		Name: m.settings.Scheduler,
		Args: []string{filepath.Base(spec.JobScript)},
		Dir:  spec.Path,
	})
	if err != nil {
		return false, &SubmitError{Run: spec.Name, Err: err}
	}
	return true, nil
}

// ensureCopy copies src to dest unless dest already has identical content.
func ensureCopy(src, dest string) (bool, error) {
	same, err := sameContent(src, dest)
	if err != nil {
		return false, err
	}
	if same {
		return false, nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	in, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return false, err
	}
	if err := out.Close(); err != nil {
		return false, err
	}
	// An existing dest keeps its old mode on OpenFile; enforce the source's.
	return true, os.Chmod(dest, info.Mode().Perm())
}

// ensureLink hard-links src at dest, falling back to a copy across
// filesystems.
func ensureLink(src, dest string) (bool, error) {
	si, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	if di, err := os.Stat(dest); err == nil {
		if os.SameFile(si, di) {
			return false, nil
		}
		if err := os.Remove(dest); err != nil {
			return false, err
		}
	}
	if err := os.Link(src, dest); err != nil {
		return ensureCopy(src, dest)
	}
	return true, nil
}

func sameContent(a, b string) (bool, error) {
	ha, err := hashFile(a)
	if err != nil {
		return false, err
	}
	hb, err := hashFile(b)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return ha == hb, nil
}

func hashFile(path string) ([32]byte, error) {
	var sum [32]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || sorted[i-1] != s {
			out = append(out, s)
		}
	}
	return out
}
