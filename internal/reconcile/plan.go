package reconcile

import (
	"context"
	"fmt"
	"os"

	"github.com/simforge/simforge/internal/build"
	"github.com/simforge/simforge/internal/declare"
	"github.com/simforge/simforge/internal/patch"
	"github.com/simforge/simforge/internal/repo"
	"github.com/simforge/simforge/internal/state"
)

// Action is one step the next invocation of Up would take.
type Action struct {
	Step   Step
	Change bool
	Detail string
}

// Plan predicts what Up would do, without modifying the working tree or the
// run directories. Resolving the declared revision may still fetch from the
// remote; remote-tracking refs are not target state.
func (o *Orchestrator) Plan(ctx context.Context, decl *declare.Declaration) ([]Action, error) {
	repos := repo.New(o.runner, o.log)

	if _, err := os.Stat(decl.Source.Path); err != nil {
		actions := []Action{
			{Step: StepSource, Change: true, Detail: fmt.Sprintf("clone %s into %s", decl.Source.RemoteURL, decl.Source.Path)},
		}
		if n := len(decl.Source.Patches); n > 0 {
			actions = append(actions, Action{Step: StepPatches, Change: true, Detail: fmt.Sprintf("apply %d patch(es)", n)})
		}
		actions = append(actions, Action{Step: StepBuild, Change: true, Detail: "build from scratch"})
		actions = append(actions, Action{Step: StepRuns, Change: true, Detail: fmt.Sprintf("materialize %d run(s)", len(decl.Runs))})
		return actions, nil
	}

	resolved, err := repos.Resolve(ctx, decl.Source)
	if err != nil {
		return nil, err
	}
	head, err := repos.CurrentRevision(ctx, decl.Source.Path)
	if err != nil {
		return nil, err
	}

	st := state.NewStore(decl.Source.Path)
	declaredIDs, err := patch.IdentifyAll(decl.Source.Patches)
	if err != nil {
		return nil, err
	}
	records, err := patch.LoadRecords(st)
	if err != nil {
		return nil, err
	}

	var actions []Action
	stale := patch.RecordsStale(records, declaredIDs, resolved)
	dirtyUnmanaged := false
	if head == resolved && !stale && len(records) == 0 {
		if dirtyUnmanaged, err = repos.IsDirty(ctx, decl.Source.Path); err != nil {
			return nil, err
		}
	}
	switch {
	case head != resolved:
		actions = append(actions, Action{Step: StepSource, Change: true, Detail: fmt.Sprintf("check out %s (currently %s)", shortRev(resolved), shortRev(head))})
	case stale:
		actions = append(actions, Action{Step: StepSource, Change: true, Detail: "reset working tree, recorded patch set differs from declaration"})
	case dirtyUnmanaged:
		actions = append(actions, Action{Step: StepSource, Change: true, Detail: "reset working tree, unmanaged modifications present"})
	default:
		actions = append(actions, Action{Step: StepSource, Change: false, Detail: "at " + shortRev(resolved)})
	}

	pending := len(declaredIDs)
	if !stale && head == resolved {
		recorded := map[string]bool{}
		for _, rec := range records {
			recorded[rec.ID] = true
		}
		pending = 0
		for _, id := range declaredIDs {
			if !recorded[id] {
				pending++
			}
		}
	}
	if pending > 0 {
		actions = append(actions, Action{Step: StepPatches, Change: true, Detail: fmt.Sprintf("apply %d patch(es)", pending)})
	} else {
		actions = append(actions, Action{Step: StepPatches, Change: false, Detail: "all applied"})
	}

	fp := build.Fingerprint(resolved, declaredIDs, decl.Source.Options)
	rec, err := build.LoadRecord(st)
	if err != nil {
		return nil, err
	}
	if build.IsStale(rec, fp, decl.Source.Path, decl.Build.Artifacts) {
		actions = append(actions, Action{Step: StepBuild, Change: true, Detail: "rebuild, fingerprint or artifacts stale"})
	} else {
		actions = append(actions, Action{Step: StepBuild, Change: false, Detail: "artifacts current"})
	}

	missing := 0
	for _, r := range decl.Runs {
		if _, err := os.Stat(r.Path); err != nil {
			missing++
		}
	}
	if missing > 0 {
		actions = append(actions, Action{Step: StepRuns, Change: true, Detail: fmt.Sprintf("create %d of %d run director(ies)", missing, len(decl.Runs))})
	} else {
		actions = append(actions, Action{Step: StepRuns, Change: false, Detail: fmt.Sprintf("refresh %d run director(ies) as needed", len(decl.Runs))})
	}
	return actions, nil
}
