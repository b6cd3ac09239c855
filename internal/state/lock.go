package state

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LockedError means another invocation holds the checkout.
type LockedError struct {
	Path string
	PID  int
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("checkout is locked by running invocation (pid %d, lock %s)", e.PID, e.Path)
}

// Lock is the advisory per-checkout lock. One Orchestrator invocation owns
// the checkout and its records at a time; concurrent invocations refuse to
// proceed rather than race.
type Lock struct {
	path string
}

// AcquireLock takes the lock at path, replacing a lock whose recorded pid is
// no longer alive. It does not block.
func AcquireLock(path string) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(path)
				return nil, werr
			}
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		pid, perr := readLockPID(path)
		if perr == nil && pidAlive(pid) {
			return nil, &LockedError{Path: path, PID: pid}
		}
		// Stale (dead pid or unreadable): remove and retry once.
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			return nil, rerr
		}
	}
	return nil, fmt.Errorf("lock %s: could not acquire after clearing stale lock", path)
}

func (l *Lock) Release() error {
	return Remove(l.path)
}

func readLockPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("lock %s: invalid pid %q", path, strings.TrimSpace(string(b)))
	}
	return pid, nil
}
