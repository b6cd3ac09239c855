// Package declare defines the target-state declaration: the desired source
// revision, patch set, compile options and run specifications that the
// reconciliation engine brings the filesystem into conformance with.
package declare

import "fmt"

// SourceTarget declares the version-controlled checkout the build comes from.
type SourceTarget struct {
	// Path is the local checkout directory. It is either absent (never
	// cloned) or a checkout of RemoteURL; simforge never deletes it.
	Path      string `toml:"path" yaml:"path"`
	RemoteURL string `toml:"remote" yaml:"remote"`
	// Revision is the commit to check out. Empty means current branch tip.
	Revision string `toml:"revision" yaml:"revision"`
	// Patches are applied to the working tree strictly in this order.
	Patches []string `toml:"patches" yaml:"patches"`
	// Options are passed to the build toolchain as NAME=VALUE variables.
	// Declaration order is irrelevant.
	Options map[string]string `toml:"options" yaml:"options"`
}

// BuildSettings declares what the toolchain produces and how to invoke it.
type BuildSettings struct {
	// Command defaults to "make".
	Command string `toml:"command" yaml:"command"`
	// Targets are invoked in order; the empty string is the default target.
	// Phantom-style codes build a main binary and an auxiliary setup tool.
	Targets []string `toml:"targets" yaml:"targets"`
	// Artifacts are the expected outputs, relative to the checkout.
	Artifacts []string `toml:"artifacts" yaml:"artifacts"`
}

// Settings tune run materialization.
type Settings struct {
	// ArtifactMode is "copy" or "link" (hard link).
	ArtifactMode string `toml:"artifact_mode" yaml:"artifact_mode"`
	// Scheduler is the job-submission command, default "sbatch".
	Scheduler string `toml:"scheduler" yaml:"scheduler"`
	// Jobs bounds concurrent run materialization.
	Jobs int `toml:"jobs" yaml:"jobs"`
	// ProtectedGlobs match simulation output that must never be touched.
	ProtectedGlobs []string `toml:"protected_globs" yaml:"protected_globs"`
}

// RunSpec is one fully resolved simulation run directory to materialize.
type RunSpec struct {
	Name   string   `toml:"name" yaml:"name"`
	Path   string   `toml:"path" yaml:"path"`
	Inputs []string `toml:"inputs" yaml:"inputs"`
	// SetupCommand, when set, runs in the materialized directory after the
	// inputs are placed (e.g. ./phantomsetup <name>).
	SetupCommand []string `toml:"setup_command" yaml:"setup_command"`
	// JobScript, when set, is copied into the run directory and handed to
	// the scheduler once.
	JobScript string `toml:"job_script" yaml:"job_script"`
}

// RunTemplate expands into one RunSpec per parameter set. Placeholders of the
// form {key} in the string fields are substituted from each set.
type RunTemplate struct {
	Name         string              `toml:"name" yaml:"name"`
	Path         string              `toml:"path" yaml:"path"`
	Inputs       []string            `toml:"inputs" yaml:"inputs"`
	SetupCommand []string            `toml:"setup_command" yaml:"setup_command"`
	JobScript    string              `toml:"job_script" yaml:"job_script"`
	Parameters   []map[string]string `toml:"parameters" yaml:"parameters"`
}

// Declaration is the complete parsed target state. After Load returns, Runs
// holds the fully expanded list (declared runs plus template expansion) and
// all paths are resolved.
type Declaration struct {
	Source   SourceTarget  `toml:"source" yaml:"source"`
	Build    BuildSettings `toml:"build" yaml:"build"`
	Settings Settings      `toml:"settings" yaml:"settings"`
	Runs     []RunSpec     `toml:"runs" yaml:"runs"`
	Template *RunTemplate  `toml:"template" yaml:"template"`
}

// Error is a fatal configuration error: the declaration (or the state it
// describes) is wrong and no retry can help.
type Error struct {
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", e.Path, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "configuration: " + msg
}

func (e *Error) Unwrap() error { return e.Err }
