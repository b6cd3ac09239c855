// Package reconcile drives one invocation of the engine: it compares the
// declared target state against the observed state of the checkout and the
// run directories, and performs only the steps whose outcomes are missing or
// stale. Repeating an invocation against an unchanged declaration performs
// no work.
package reconcile

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/simforge/simforge/internal/build"
	"github.com/simforge/simforge/internal/declare"
	"github.com/simforge/simforge/internal/execx"
	"github.com/simforge/simforge/internal/patch"
	"github.com/simforge/simforge/internal/repo"
	"github.com/simforge/simforge/internal/runs"
	"github.com/simforge/simforge/internal/state"
)

// Step is one phase of reconciliation.
type Step string

const (
	StepSource  Step = "source"
	StepPatches Step = "patches"
	StepBuild   Step = "build"
	StepRuns    Step = "runs"
)

// Outcome of a step.
type Outcome string

const (
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeUpdated   Outcome = "updated"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// StepResult pairs a step with what reconciliation did about it.
type StepResult struct {
	Step    Step
	Outcome Outcome
	Detail  string
}

// Result is the record of one invocation. A fatal step failure stops the
// sequence; later steps are reported as skipped. Run failures are carried in
// Runs and never stop sibling runs.
type Result struct {
	InvocationID string
	Revision     string
	Steps        []StepResult
	Runs         []runs.RunResult
}

// Outcome returns the recorded outcome for a step, or OutcomeSkipped when
// the step was never reached.
func (r Result) Outcome(step Step) Outcome {
	for _, s := range r.Steps {
		if s.Step == step {
			return s.Outcome
		}
	}
	return OutcomeSkipped
}

// Unchanged reports whether the invocation performed no work at all.
func (r Result) Unchanged() bool {
	for _, s := range r.Steps {
		if s.Outcome != OutcomeUnchanged {
			return false
		}
	}
	return len(r.Steps) > 0
}

// FailedRuns counts runs that could not be materialized.
func (r Result) FailedRuns() int {
	n := 0
	for _, rr := range r.Runs {
		if rr.Err != nil {
			n++
		}
	}
	return n
}

// Orchestrator wires the engine's components around one command runner.
type Orchestrator struct {
	runner execx.Runner
	log    zerolog.Logger
}

func New(runner execx.Runner, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{runner: runner, log: log}
}

// Up reconciles the filesystem with the declaration. The returned Result is
// meaningful even when err is non-nil: it records how far the invocation got.
func (o *Orchestrator) Up(ctx context.Context, decl *declare.Declaration) (Result, error) {
	res := Result{InvocationID: newInvocationID()}
	log := o.log.With().Str("invocation", res.InvocationID).Logger()
	log.Info().Str("path", decl.Source.Path).Msg("reconciling")

	record := func(step Step, out Outcome, detail string) {
		res.Steps = append(res.Steps, StepResult{Step: step, Outcome: out, Detail: detail})
	}
	fatal := func(step Step, err error) (Result, error) {
		record(step, OutcomeFailed, err.Error())
		log.Error().Err(err).Str("step", string(step)).Msg("reconciliation failed")
		return res, err
	}

	repos := repo.New(o.runner, log)

	// The state-dir lock can only exist once the checkout does; a sibling
	// lock next to the declared path serializes the clone itself, then is
	// dropped as soon as the real lock is held.
	if err := os.MkdirAll(filepath.Dir(decl.Source.Path), 0o755); err != nil {
		return fatal(StepSource, err)
	}
	cloneLock, err := state.AcquireLock(decl.Source.Path + ".lock")
	if err != nil {
		return fatal(StepSource, err)
	}

	cloned, err := repos.EnsureCloned(ctx, decl.Source)
	if err != nil {
		_ = cloneLock.Release()
		return fatal(StepSource, err)
	}

	st := state.NewStore(decl.Source.Path)
	if err := st.Ensure(); err != nil {
		_ = cloneLock.Release()
		return fatal(StepSource, err)
	}
	lock, err := state.AcquireLock(st.LockPath())
	_ = cloneLock.Release()
	if err != nil {
		return fatal(StepSource, err)
	}
	defer func() { _ = lock.Release() }()

	resolved, err := repos.Resolve(ctx, decl.Source)
	if err != nil {
		return fatal(StepSource, err)
	}
	res.Revision = resolved

	declaredIDs, err := patch.IdentifyAll(decl.Source.Patches)
	if err != nil {
		return fatal(StepPatches, err)
	}
	records, err := patch.LoadRecords(st)
	if err != nil {
		return fatal(StepPatches, err)
	}

	// An applied patch leaves the tree dirty on purpose; the records say
	// whether the dirt is ours and still wanted. Sync (which discards
	// everything uncommitted) happens when the checkout is new, the head
	// moved, or the recorded patch set disagrees with the declared one.
	head := ""
	if !cloned {
		head, err = repos.CurrentRevision(ctx, decl.Source.Path)
		if err != nil {
			return fatal(StepSource, err)
		}
	}

	needSync := cloned || head != resolved || patch.RecordsStale(records, declaredIDs, resolved)
	if !needSync && len(records) == 0 {
		// With no records claiming any working-tree modifications, a
		// dirty tree is unmanaged drift and gets discarded.
		dirty, err := repos.IsDirty(ctx, decl.Source.Path)
		if err != nil {
			return fatal(StepSource, err)
		}
		needSync = dirty
	}

	sourceOutcome := OutcomeUnchanged
	if needSync {
		sync, err := repos.SyncToRevision(ctx, decl.Source)
		if err != nil {
			return fatal(StepSource, err)
		}
		if err := patch.ClearRecords(st); err != nil {
			return fatal(StepSource, err)
		}
		if cloned || sync.Changed || sync.Discarded {
			sourceOutcome = OutcomeUpdated
		}
		res.Revision = sync.Revision
	}
	record(StepSource, sourceOutcome, shortRev(res.Revision))

	applier := patch.NewApplier(o.runner, st, log)
	sum, err := applier.ApplyAll(ctx, decl.Source.Path, res.Revision, decl.Source.Patches)
	if err != nil {
		return fatal(StepPatches, err)
	}
	if sum.Applied > 0 {
		record(StepPatches, OutcomeUpdated, "")
	} else {
		record(StepPatches, OutcomeUnchanged, "")
	}

	fp := build.Fingerprint(res.Revision, sum.IDs, decl.Source.Options)
	executor := build.NewExecutor(o.runner, st, log)
	bres, err := executor.Build(ctx, decl.Source.Path, fp, decl.Build, decl.Source.Options)
	if err != nil {
		return fatal(StepBuild, err)
	}
	if bres.Skipped {
		record(StepBuild, OutcomeUnchanged, "")
	} else {
		record(StepBuild, OutcomeUpdated, "")
	}

	m := runs.NewMaterializer(o.runner, decl.Settings, log)
	res.Runs = m.MaterializeAll(ctx, decl.Runs, decl.Source.Path, decl.Build.Artifacts)
	record(StepRuns, runsOutcome(res.Runs), "")

	log.Info().Bool("unchanged", res.Unchanged()).Int("failed_runs", res.FailedRuns()).Msg("reconciliation finished")
	return res, nil
}

func runsOutcome(results []runs.RunResult) Outcome {
	out := OutcomeUnchanged
	for _, rr := range results {
		switch {
		case rr.Err != nil:
			return OutcomeFailed
		case rr.Status == runs.StatusUpdated:
			out = OutcomeUpdated
		}
	}
	return out
}

// newInvocationID mints a sortable unique id for log correlation.
func newInvocationID() string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// ExitCode maps an invocation's outcome to the process exit code.
//
//	0 success, nothing failed
//	1 unclassified failure
//	2 configuration error (including a checkout locked by a live invocation)
//	3 source unavailable after retries
//	4 patch conflict
//	5 build failure
//	6 one or more runs failed, the rest were reconciled
func ExitCode(res Result, err error) int {
	if err == nil {
		if res.FailedRuns() > 0 {
			return 6
		}
		return 0
	}
	var (
		declErr     *declare.Error
		cfgErr      *repo.ConfigError
		lockedErr   *state.LockedError
		unavailable *repo.UnavailableError
		conflict    *patch.ConflictError
		buildErr    *build.Error
	)
	switch {
	case errors.As(err, &declErr), errors.As(err, &cfgErr), errors.As(err, &lockedErr):
		return 2
	case errors.As(err, &unavailable):
		return 3
	case errors.As(err, &conflict):
		return 4
	case errors.As(err, &buildErr):
		return 5
	}
	return 1
}
