// Package repo inspects and mutates the local version-controlled checkout:
// clone, fetch, checkout-by-revision and dirty-state handling, all through
// git subprocesses. Only exit status and captured output are interpreted.
package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/simforge/simforge/internal/declare"
	"github.com/simforge/simforge/internal/execx"
)

// ConfigError is a fatal repository configuration problem (remote mismatch,
// unknown revision, path that is not a checkout). Not retried, not repaired.
type ConfigError struct {
	Path string
	Msg  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("repository %s: %s", e.Path, e.Msg)
}

// UnavailableError means the declared remote could not be reached after
// bounded retries.
type UnavailableError struct {
	Op       string
	Remote   string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("source unavailable: %s %s failed after %d attempts: %v", e.Op, e.Remote, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// State performs repository operations for one target checkout.
type State struct {
	runner   execx.Runner
	log      zerolog.Logger
	attempts int
	backoff  Backoff
	sleep    func(context.Context, time.Duration) error
}

func New(runner execx.Runner, log zerolog.Logger) *State {
	return &State{
		runner:   runner,
		log:      log,
		attempts: 3,
		backoff:  defaultBackoff(),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *State) git(ctx context.Context, dir string, args ...string) (execx.Result, error) {
	return s.runner.Run(ctx, execx.Cmd{Name: "git", Args: args, Dir: dir})
}

// EnsureCloned clones the remote when the local path is absent, and verifies
// the remote of an existing checkout matches the declaration. It reports
// whether a clone happened; a second call with the same target performs no
// network operation.
func (s *State) EnsureCloned(ctx context.Context, t declare.SourceTarget) (bool, error) {
	if _, err := os.Stat(t.Path); err == nil {
		if _, err := os.Stat(filepath.Join(t.Path, ".git")); err != nil {
			return false, &ConfigError{Path: t.Path, Msg: "exists but is not a git checkout"}
		}
		res, err := s.git(ctx, t.Path, "config", "--local", "--get", "remote.origin.url")
		if err != nil {
			return false, &ConfigError{Path: t.Path, Msg: "has no remote.origin.url"}
		}
		actual := strings.TrimSpace(res.Stdout)
		if normalizeRemote(actual) != normalizeRemote(t.RemoteURL) {
			return false, &ConfigError{
				Path: t.Path,
				Msg:  fmt.Sprintf("remote is %q, declaration wants %q", actual, t.RemoteURL),
			}
		}
		s.log.Debug().Str("path", t.Path).Msg("checkout already cloned")
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(t.Path), 0o755); err != nil {
		return false, err
	}
	s.log.Info().Str("remote", t.RemoteURL).Str("path", t.Path).Msg("cloning source repository")
	err := s.withRetry(ctx, "clone", t.RemoteURL, func() error {
		_, err := s.git(ctx, "", "clone", t.RemoteURL, t.Path)
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Resolve returns the full commit id the declaration asks for: the declared
// revision (fetching once if it is not locally known), or HEAD when no
// revision is declared.
func (s *State) Resolve(ctx context.Context, t declare.SourceTarget) (string, error) {
	if t.Revision == "" {
		return s.CurrentRevision(ctx, t.Path)
	}
	if !s.revisionKnown(ctx, t.Path, t.Revision) {
		s.log.Info().Str("revision", t.Revision).Msg("revision not local, fetching")
		err := s.withRetry(ctx, "fetch", t.RemoteURL, func() error {
			_, err := s.git(ctx, t.Path, "fetch", "origin", "--tags")
			return err
		})
		if err != nil {
			return "", err
		}
	}
	res, err := s.git(ctx, t.Path, "rev-parse", "--verify", t.Revision+"^{commit}")
	if err != nil {
		return "", &ConfigError{Path: t.Path, Msg: fmt.Sprintf("declared revision %q does not exist: %v", t.Revision, err)}
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (s *State) revisionKnown(ctx context.Context, dir, rev string) bool {
	_, err := s.git(ctx, dir, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	return err == nil
}

// CurrentRevision returns the commit id of HEAD.
func (s *State) CurrentRevision(ctx context.Context, dir string) (string, error) {
	res, err := s.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// IsDirty reports whether the working tree has uncommitted changes.
func (s *State) IsDirty(ctx context.Context, dir string) (bool, error) {
	res, err := s.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

// SyncResult reports what SyncToRevision did.
type SyncResult struct {
	// Revision is the resolved commit id of the checkout after syncing.
	Revision string
	// Changed is true when the checkout moved to a different commit.
	Changed bool
	// Discarded is true when uncommitted modifications were thrown away.
	Discarded bool
}

// SyncToRevision brings the working tree to the declared revision, discarding
// any uncommitted modifications (typically patches left by an earlier
// invocation; logged as a warning either way). With no declared revision the
// checkout stays on its current tip, cleaned.
func (s *State) SyncToRevision(ctx context.Context, t declare.SourceTarget) (SyncResult, error) {
	resolved, err := s.Resolve(ctx, t)
	if err != nil {
		return SyncResult{}, err
	}
	head, err := s.CurrentRevision(ctx, t.Path)
	if err != nil {
		return SyncResult{}, err
	}

	out := SyncResult{Revision: resolved}

	dirty, err := s.IsDirty(ctx, t.Path)
	if err != nil {
		return out, err
	}
	if dirty {
		s.log.Warn().Str("path", t.Path).Msg("discarding uncommitted working-tree modifications")
		if _, err := s.git(ctx, t.Path, "reset", "--hard"); err != nil {
			return out, fmt.Errorf("clean working tree: %w", err)
		}
		if _, err := s.git(ctx, t.Path, "clean", "-fd"); err != nil {
			return out, fmt.Errorf("clean working tree: %w", err)
		}
		out.Discarded = true
	}

	if t.Revision != "" && head != resolved {
		s.log.Info().Str("revision", shortRev(resolved)).Msg("checking out declared revision")
		if _, err := s.git(ctx, t.Path, "checkout", resolved); err != nil {
			return out, &ConfigError{Path: t.Path, Msg: fmt.Sprintf("checkout %s failed: %v", shortRev(resolved), err)}
		}
		out.Changed = true
	}
	return out, nil
}

func (s *State) withRetry(ctx context.Context, op, remote string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == s.attempts {
			break
		}
		delay := s.backoff.DelayForAttempt(attempt, fmt.Sprintf("%s:%s:%d", op, remote, attempt))
		s.log.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Err(err).
			Msg("network operation failed, retrying")
		if serr := s.sleep(ctx, delay); serr != nil {
			return &UnavailableError{Op: op, Remote: remote, Attempts: attempt, Err: serr}
		}
	}
	return &UnavailableError{Op: op, Remote: remote, Attempts: s.attempts, Err: err}
}

// normalizeRemote maps the spellings of one remote onto a canonical form:
// scp-style ssh, ssh/https/http URLs, and a trailing .git all describe the
// same repository.
func normalizeRemote(url string) string {
	u := strings.TrimSpace(url)
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	for _, prefix := range []string{"https://", "http://", "ssh://git@", "ssh://", "git://"} {
		if strings.HasPrefix(u, prefix) {
			u = strings.TrimPrefix(u, prefix)
			break
		}
	}
	if strings.HasPrefix(u, "git@") {
		u = strings.Replace(strings.TrimPrefix(u, "git@"), ":", "/", 1)
	}
	return u
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
