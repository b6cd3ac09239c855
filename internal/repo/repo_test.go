package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/simforge/simforge/internal/declare"
	"github.com/simforge/simforge/internal/execx"
)

func newTestState(fake *execx.Fake) *State {
	s := New(fake, zerolog.Nop())
	s.backoff.Jitter = false
	s.backoff.InitialDelay = time.Millisecond
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func fakeCheckout(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "phantom")
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestEnsureCloned_ClonesWhenAbsent(t *testing.T) {
	fake := &execx.Fake{}
	s := newTestState(fake)
	target := declare.SourceTarget{
		Path:      filepath.Join(t.TempDir(), "phantom"),
		RemoteURL: "https://example.org/phantom.git",
	}

	cloned, err := s.EnsureCloned(context.Background(), target)
	if err != nil {
		t.Fatalf("ensure cloned: %v", err)
	}
	if !cloned {
		t.Fatal("expected clone to happen")
	}
	if got := fake.CallCount("git clone"); got != 1 {
		t.Fatalf("clone calls: got %d want 1", got)
	}
}

func TestEnsureCloned_ExistingMatchingRemoteIsNoop(t *testing.T) {
	fake := &execx.Fake{}
	fake.Respond("git config --local --get remote.origin.url", "git@example.org:phantom.git\n")
	s := newTestState(fake)
	target := declare.SourceTarget{
		Path:      fakeCheckout(t),
		RemoteURL: "https://example.org/phantom",
	}

	cloned, err := s.EnsureCloned(context.Background(), target)
	if err != nil {
		t.Fatalf("ensure cloned: %v", err)
	}
	if cloned {
		t.Fatal("expected no clone")
	}
	if got := fake.CallCount("git clone"); got != 0 {
		t.Fatalf("clone calls: got %d want 0", got)
	}
}

func TestEnsureCloned_RemoteMismatchIsConfigError(t *testing.T) {
	fake := &execx.Fake{}
	fake.Respond("git config --local --get remote.origin.url", "https://example.org/other.git\n")
	s := newTestState(fake)
	target := declare.SourceTarget{
		Path:      fakeCheckout(t),
		RemoteURL: "https://example.org/phantom.git",
	}

	_, err := s.EnsureCloned(context.Background(), target)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestEnsureCloned_RetriesThenSourceUnavailable(t *testing.T) {
	fake := &execx.Fake{}
	fake.Fail("git clone", "fatal: unable to access remote")
	s := newTestState(fake)
	slept := 0
	s.sleep = func(context.Context, time.Duration) error { slept++; return nil }
	target := declare.SourceTarget{
		Path:      filepath.Join(t.TempDir(), "phantom"),
		RemoteURL: "https://example.org/phantom.git",
	}

	_, err := s.EnsureCloned(context.Background(), target)
	var unavail *UnavailableError
	if !errors.As(err, &unavail) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if unavail.Attempts != 3 {
		t.Fatalf("attempts: got %d want 3", unavail.Attempts)
	}
	if got := fake.CallCount("git clone"); got != 3 {
		t.Fatalf("clone calls: got %d want 3", got)
	}
	if slept != 2 {
		t.Fatalf("sleeps between attempts: got %d want 2", slept)
	}
}

func TestSyncToRevision_AlreadyAtRevisionAndClean(t *testing.T) {
	fake := &execx.Fake{}
	fake.Respond("git rev-parse --verify --quiet", "d9a5507f0000\n")
	fake.Respond("git rev-parse --verify", "d9a5507f0000\n")
	fake.Respond("git rev-parse HEAD", "d9a5507f0000\n")
	fake.Respond("git status --porcelain", "")
	s := newTestState(fake)

	res, err := s.SyncToRevision(context.Background(), declare.SourceTarget{
		Path: fakeCheckout(t), RemoteURL: "r", Revision: "d9a5507f",
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Changed || res.Discarded {
		t.Fatalf("expected no-op sync, got %+v", res)
	}
	if res.Revision != "d9a5507f0000" {
		t.Fatalf("revision: %q", res.Revision)
	}
	if got := fake.CallCount("git checkout"); got != 0 {
		t.Fatalf("checkout calls: got %d want 0", got)
	}
}

func TestSyncToRevision_DiscardsDirtyTreeAndChecksOut(t *testing.T) {
	fake := &execx.Fake{}
	fake.Respond("git rev-parse --verify --quiet", "target000\n")
	fake.Respond("git rev-parse --verify", "target000\n")
	fake.Respond("git rev-parse HEAD", "head000\n")
	fake.Respond("git status --porcelain", " M src/main.f90\n")
	s := newTestState(fake)

	res, err := s.SyncToRevision(context.Background(), declare.SourceTarget{
		Path: fakeCheckout(t), RemoteURL: "r", Revision: "target",
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Discarded || !res.Changed {
		t.Fatalf("expected discard+checkout, got %+v", res)
	}
	for _, prefix := range []string{"git reset --hard", "git clean -fd", "git checkout target000"} {
		if got := fake.CallCount(prefix); got != 1 {
			t.Fatalf("%s calls: got %d want 1", prefix, got)
		}
	}
}

func TestSyncToRevision_CleanFailureIsFatal(t *testing.T) {
	fake := &execx.Fake{}
	fake.Respond("git rev-parse --verify --quiet", "target000\n")
	fake.Respond("git rev-parse --verify", "target000\n")
	fake.Respond("git rev-parse HEAD", "head000\n")
	fake.Respond("git status --porcelain", "?? junk\n")
	fake.Fail("git reset --hard", "error: unable to unlink: permission denied")
	s := newTestState(fake)

	_, err := s.SyncToRevision(context.Background(), declare.SourceTarget{
		Path: fakeCheckout(t), RemoteURL: "r", Revision: "target",
	})
	if err == nil {
		t.Fatal("expected fatal clean error")
	}
	var cmdErr *execx.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected wrapped CommandError, got %v", err)
	}
}

func TestResolve_FetchesWhenRevisionUnknown(t *testing.T) {
	fake := &execx.Fake{}
	fake.Fail("git rev-parse --verify --quiet", "")
	fake.Respond("git rev-parse --verify", "abc123\n")
	s := newTestState(fake)

	rev, err := s.Resolve(context.Background(), declare.SourceTarget{
		Path: fakeCheckout(t), RemoteURL: "r", Revision: "abc",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rev != "abc123" {
		t.Fatalf("revision: %q", rev)
	}
	if got := fake.CallCount("git fetch origin"); got != 1 {
		t.Fatalf("fetch calls: got %d want 1", got)
	}
}

func TestResolve_UnknownRevisionAfterFetchIsConfigError(t *testing.T) {
	fake := &execx.Fake{}
	fake.Fail("git rev-parse --verify --quiet", "")
	fake.Fail("git rev-parse --verify", "fatal: needed a single revision")
	s := newTestState(fake)

	_, err := s.Resolve(context.Background(), declare.SourceTarget{
		Path: fakeCheckout(t), RemoteURL: "r", Revision: "nope",
	})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestNormalizeRemote_EquivalentSpellings(t *testing.T) {
	want := "example.org/team/phantom"
	for _, u := range []string{
		"https://example.org/team/phantom.git",
		"https://example.org/team/phantom",
		"git@example.org:team/phantom.git",
		"git@example.org:team/phantom",
		"ssh://git@example.org/team/phantom.git",
	} {
		if got := normalizeRemote(u); got != want {
			t.Fatalf("normalizeRemote(%q): got %q want %q", u, got, want)
		}
	}
}
