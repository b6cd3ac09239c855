// Package patch applies an ordered list of patch artifacts to a checkout and
// tracks which are already applied. Patches are identified by content hash,
// so renaming or copying a patch file never re-applies it, while editing one
// byte does.
package patch

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/simforge/simforge/internal/declare"
	"github.com/simforge/simforge/internal/execx"
	"github.com/simforge/simforge/internal/state"
)

// Record persists one successful application. A patch with the same identity
// and revision is never applied twice.
type Record struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Revision  string    `json:"revision"`
	AppliedAt time.Time `json:"applied_at"`
}

// ConflictError reports a patch that does not apply. The tool diagnostic is
// preserved verbatim; simforge never attempts conflict resolution.
type ConflictError struct {
	Patch      string
	ID         string
	Diagnostic string
	Err        error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("patch %s (id %s) failed to apply", filepath.Base(e.Patch), shortID(e.ID))
	if d := strings.TrimSpace(e.Diagnostic); d != "" {
		msg += ": " + d
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Identify returns the content identity (blake3) of a patch artifact.
func Identify(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", &declare.Error{Path: path, Msg: "read patch artifact", Err: err}
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// IdentifyAll returns the identities of the declared patches in order.
func IdentifyAll(paths []string) ([]string, error) {
	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		id, err := Identify(p)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// LoadRecords reads the applied-patch records for a checkout. No records file
// means nothing applied.
func LoadRecords(st *state.Store) ([]Record, error) {
	var recs []Record
	if _, err := state.LoadJSON(st.PatchRecordsPath(), &recs); err != nil {
		return nil, fmt.Errorf("load patch records: %w", err)
	}
	return recs, nil
}

// ClearRecords forgets all applied-patch records, used after the working tree
// has been reset.
func ClearRecords(st *state.Store) error {
	return state.Remove(st.PatchRecordsPath())
}

// RecordsStale reports whether the persisted records disagree with the
// declaration: a recorded patch that is no longer declared (or was recorded
// against another revision) means the working tree carries changes the
// declaration does not ask for, and the checkout must be resynced.
func RecordsStale(records []Record, declaredIDs []string, revision string) bool {
	declared := make(map[string]bool, len(declaredIDs))
	for _, id := range declaredIDs {
		declared[id] = true
	}
	for _, rec := range records {
		if !declared[rec.ID] || rec.Revision != revision {
			return true
		}
	}
	return false
}

// Summary reports what ApplyAll did.
type Summary struct {
	Applied int
	Skipped int
	// IDs are the declared patch identities in order, an input to the
	// build fingerprint.
	IDs []string
}

// Applier applies patches to one checkout.
type Applier struct {
	runner execx.Runner
	store  *state.Store
	log    zerolog.Logger
}

func NewApplier(runner execx.Runner, st *state.Store, log zerolog.Logger) *Applier {
	return &Applier{runner: runner, store: st, log: log}
}

// ApplyAll applies the declared patches in order against the given revision.
// Already-recorded patches are skipped. Each application is all-or-nothing: a
// dry-run check precedes the real apply, and a check failure aborts the
// remaining list with the working tree untouched.
func (a *Applier) ApplyAll(ctx context.Context, checkout, revision string, patches []string) (Summary, error) {
	records, err := LoadRecords(a.store)
	if err != nil {
		return Summary{}, err
	}
	byID := make(map[string]Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	var sum Summary
	for _, p := range patches {
		id, err := Identify(p)
		if err != nil {
			return sum, err
		}
		sum.IDs = append(sum.IDs, id)

		if rec, ok := byID[id]; ok && rec.Revision == revision {
			a.log.Debug().Str("patch", filepath.Base(p)).Str("id", shortID(id)).Msg("patch already applied")
			sum.Skipped++
			continue
		}

		if res, err := a.git(ctx, checkout, "apply", "--check", p); err != nil {
			return sum, &ConflictError{Patch: p, ID: id, Diagnostic: res.Stderr, Err: err}
		}
		if res, err := a.git(ctx, checkout, "apply", p); err != nil {
			return sum, &ConflictError{Patch: p, ID: id, Diagnostic: res.Stderr, Err: err}
		}

		records = append(records, Record{
			ID:        id,
			Path:      p,
			Revision:  revision,
			AppliedAt: time.Now().UTC(),
		})
		// Persist after every apply so a later failure never forgets
		// what already changed the tree.
		if err := state.SaveJSON(a.store.PatchRecordsPath(), records); err != nil {
			return sum, fmt.Errorf("save patch records: %w", err)
		}
		byID[id] = records[len(records)-1]
		a.log.Info().Str("patch", filepath.Base(p)).Str("id", shortID(id)).Msg("patch applied")
		sum.Applied++
	}
	return sum, nil
}

func (a *Applier) git(ctx context.Context, dir string, args ...string) (execx.Result, error) {
	return a.runner.Run(ctx, execx.Cmd{Name: "git", Args: args, Dir: dir})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
