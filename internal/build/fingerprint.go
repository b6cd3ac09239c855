// Package build decides whether the compiled artifact matches the declared
// target state and, when it does not, drives the external build toolchain.
package build

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

// Fingerprint derives a stable digest of "what the binary should be" from the
// resolved commit, the applied patch identities in order, and the compile
// option set. Option declaration order is irrelevant: options are folded in
// sorted by name.
func Fingerprint(revision string, patchIDs []string, options map[string]string) string {
	h := blake3.New()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.WriteString(p)
			_, _ = h.Write([]byte{0})
		}
	}
	write("rev", revision)
	for _, id := range patchIDs {
		write("patch", id)
	}
	names := make([]string, 0, len(options))
	for name := range options {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		write("opt", name, options[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Record is the persisted result of the last successful build. It stays
// authoritative until a later build fully succeeds.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	Artifacts   []string  `json:"artifacts"`
	BuiltAt     time.Time `json:"built_at"`
}

// IsStale reports whether a rebuild is required: no record, a fingerprint
// mismatch, or a declared artifact missing from disk. Artifacts are resolved
// relative to the checkout. Pure inspection, no side effects.
func IsStale(rec *Record, fingerprint, checkout string, artifacts []string) bool {
	if rec == nil || rec.Fingerprint != fingerprint {
		return true
	}
	for _, a := range artifacts {
		if _, err := os.Stat(filepath.Join(checkout, a)); err != nil {
			return true
		}
	}
	return false
}
