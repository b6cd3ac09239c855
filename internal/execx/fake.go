package execx

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is a scriptable Runner for tests. Rules are tried in order; the first
// match handles the call. Unmatched commands succeed with empty output so
// tests only script the invocations they care about.
type Fake struct {
	mu    sync.Mutex
	rules []fakeRule
	calls []Cmd
}

type fakeRule struct {
	match func(Cmd) bool
	fn    func(Cmd) (Result, error)
}

// On registers a handler for commands whose "name arg arg..." string has the
// given prefix.
func (f *Fake) On(prefix string, fn func(Cmd) (Result, error)) {
	f.OnMatch(func(c Cmd) bool {
		return strings.HasPrefix(c.String(), prefix)
	}, fn)
}

func (f *Fake) OnMatch(match func(Cmd) bool, fn func(Cmd) (Result, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{match: match, fn: fn})
}

// Fail registers a handler that fails with the given stderr.
func (f *Fake) Fail(prefix, stderr string) {
	f.On(prefix, func(c Cmd) (Result, error) {
		res := Result{ExitCode: 1, Stderr: stderr}
		return res, &CommandError{Cmd: c, Result: res, Err: fmt.Errorf("exit status 1")}
	})
}

// Respond registers a handler that succeeds with the given stdout.
func (f *Fake) Respond(prefix, stdout string) {
	f.On(prefix, func(Cmd) (Result, error) {
		return Result{Stdout: stdout}, nil
	})
}

func (f *Fake) Run(_ context.Context, c Cmd) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	rules := make([]fakeRule, len(f.rules))
	copy(rules, f.rules)
	f.mu.Unlock()

	for _, r := range rules {
		if r.match(c) {
			return r.fn(c)
		}
	}
	return Result{}, nil
}

// Calls returns a snapshot of every command run so far.
func (f *Fake) Calls() []Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Cmd, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount reports how many recorded commands have the given prefix.
func (f *Fake) CallCount(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c.String(), prefix) {
			n++
		}
	}
	return n
}
