package declare

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("declaration.schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("declaration.schema.json")
}

// Load reads a declaration file (TOML or YAML by extension), validates it
// against the embedded schema, resolves paths relative to the file, applies
// defaults and expands the run template. The result is fully resolved: the
// engine consumes Runs as-is.
func Load(path string) (*Declaration, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &Error{Path: path, Msg: "resolve declaration path", Err: err}
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, &Error{Path: path, Msg: "read declaration", Err: err}
	}

	var raw any
	var d Declaration
	switch ext := strings.ToLower(filepath.Ext(abs)); ext {
	case ".toml":
		if err := toml.Unmarshal(b, &raw); err != nil {
			return nil, &Error{Path: path, Msg: "parse TOML", Err: err}
		}
		if err := toml.Unmarshal(b, &d); err != nil {
			return nil, &Error{Path: path, Msg: "parse TOML", Err: err}
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, &Error{Path: path, Msg: "parse YAML", Err: err}
		}
		if err := yaml.Unmarshal(b, &d); err != nil {
			return nil, &Error{Path: path, Msg: "parse YAML", Err: err}
		}
	default:
		return nil, &Error{Path: path, Msg: fmt.Sprintf("unsupported declaration format %q (want .toml, .yaml or .yml)", ext)}
	}

	if err := validateDoc(raw); err != nil {
		return nil, &Error{Path: path, Msg: "invalid declaration", Err: err}
	}
	if err := d.finalize(filepath.Dir(abs)); err != nil {
		return nil, err
	}
	return &d, nil
}

// validateDoc runs the parsed document through the JSON schema. The decoder
// output is round-tripped through encoding/json first so TOML and YAML both
// present the value shapes the schema library expects.
func validateDoc(raw any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

func (d *Declaration) finalize(baseDir string) error {
	if d.Build.Command == "" {
		d.Build.Command = "make"
	}
	if len(d.Build.Targets) == 0 {
		d.Build.Targets = []string{""}
	}
	if d.Settings.ArtifactMode == "" {
		d.Settings.ArtifactMode = "copy"
	}
	if d.Settings.Scheduler == "" {
		d.Settings.Scheduler = "sbatch"
	}
	if d.Settings.Jobs <= 0 {
		d.Settings.Jobs = 4
	}
	if len(d.Settings.ProtectedGlobs) == 0 {
		d.Settings.ProtectedGlobs = []string{"*_[0-9]*.h5"}
	}

	var err error
	if d.Source.Path, err = resolvePath(baseDir, d.Source.Path); err != nil {
		return err
	}
	for i, p := range d.Source.Patches {
		if d.Source.Patches[i], err = resolvePath(baseDir, p); err != nil {
			return err
		}
	}

	if d.Template != nil {
		expanded, err := d.Template.expand()
		if err != nil {
			return err
		}
		d.Runs = append(d.Runs, expanded...)
	}

	seenName := map[string]bool{}
	seenPath := map[string]bool{}
	for i := range d.Runs {
		r := &d.Runs[i]
		if r.Path, err = resolvePath(baseDir, r.Path); err != nil {
			return err
		}
		for j, in := range r.Inputs {
			if r.Inputs[j], err = resolvePath(baseDir, in); err != nil {
				return err
			}
		}
		if r.JobScript != "" {
			if r.JobScript, err = resolvePath(baseDir, r.JobScript); err != nil {
				return err
			}
		}
		if seenName[r.Name] {
			return &Error{Msg: fmt.Sprintf("duplicate run name %q", r.Name)}
		}
		if seenPath[r.Path] {
			return &Error{Msg: fmt.Sprintf("duplicate run path %q", r.Path)}
		}
		seenName[r.Name] = true
		seenPath[r.Path] = true

		// Files land in the run directory under their base name; two
		// sources sharing one would clobber each other.
		seenBase := map[string]bool{}
		for _, in := range r.Inputs {
			base := filepath.Base(in)
			if seenBase[base] {
				return &Error{Msg: fmt.Sprintf("run %q: duplicate input file name %q", r.Name, base)}
			}
			seenBase[base] = true
		}
		if r.JobScript != "" && seenBase[filepath.Base(r.JobScript)] {
			return &Error{Msg: fmt.Sprintf("run %q: job script %q collides with an input file name", r.Name, filepath.Base(r.JobScript))}
		}
		for _, a := range d.Build.Artifacts {
			if seenBase[filepath.Base(a)] {
				return &Error{Msg: fmt.Sprintf("run %q: input file name %q collides with a build artifact", r.Name, filepath.Base(a))}
			}
		}
	}
	return nil
}

// resolvePath expands a leading ~ and absolutizes relative paths against the
// declaration file's directory, so a declaration means the same thing no
// matter where simforge is invoked from.
func resolvePath(baseDir, p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", &Error{Path: p, Msg: "expand home directory", Err: err}
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	return filepath.Clean(p), nil
}
