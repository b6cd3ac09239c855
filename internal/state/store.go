// Package state manages the .simforge directory kept alongside a checkout:
// the persisted build and patch records that make reconciliation idempotent
// across process restarts, the build log, and the advisory lock.
package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// DirName is the state directory created inside the checkout.
const DirName = ".simforge"

// Store locates the persisted reconciliation state for one checkout.
type Store struct {
	dir string
}

func NewStore(checkout string) *Store {
	return &Store{dir: filepath.Join(checkout, DirName)}
}

func (s *Store) Dir() string              { return s.dir }
func (s *Store) BuildRecordPath() string  { return filepath.Join(s.dir, "build.json") }
func (s *Store) PatchRecordsPath() string { return filepath.Join(s.dir, "patches.json") }
func (s *Store) BuildLogPath() string     { return filepath.Join(s.dir, "build.log") }
func (s *Store) LockPath() string         { return filepath.Join(s.dir, "lock") }

// Ensure creates the state directory.
func (s *Store) Ensure() error {
	return os.MkdirAll(s.dir, 0o755)
}

// LoadJSON decodes path into v. A missing file reports found=false, not an
// error: absent state simply means "never done".
func LoadJSON(path string, v any) (found bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, err
	}
	return true, nil
}

// SaveJSON writes v to path atomically (temp file + rename) so a crash never
// leaves a half-written record to be trusted on the next invocation.
func SaveJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Remove deletes a state file; a missing file is fine.
func Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
