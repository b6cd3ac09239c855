package runs

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ManifestName is the per-run ownership manifest simforge keeps inside each
// run directory: which file names it placed there, and whether the run was
// already handed to the scheduler. Anything not listed (and not declared) is
// somebody else's — typically simulation output — and is never touched.
const ManifestName = ".simforge-manifest"

type manifest struct {
	Files          []string  `msgpack:"files"`
	MaterializedAt time.Time `msgpack:"materialized_at"`
	SubmittedAt    time.Time `msgpack:"submitted_at"`
}

func (m manifest) owns(name string) bool {
	for _, f := range m.Files {
		if f == name {
			return true
		}
	}
	return false
}

func loadManifest(dir string) (manifest, error) {
	var m manifest
	b, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, nil
		}
		return m, err
	}
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return m, err
	}
	return m, nil
}

func saveManifest(dir string, m manifest) error {
	b, err := msgpack.Marshal(&m)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestName), b, 0o644)
}
