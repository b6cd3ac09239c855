package declare

import (
	"fmt"
	"strings"
)

// expand turns the template into one RunSpec per parameter set. Substitution
// happens before path resolution, so placeholders may appear anywhere in a
// name, path, input or command element.
func (t *RunTemplate) expand() ([]RunSpec, error) {
	runs := make([]RunSpec, 0, len(t.Parameters))
	for i, params := range t.Parameters {
		name, err := substitute(t.Name, params)
		if err != nil {
			return nil, &Error{Msg: fmt.Sprintf("template parameter set %d (name)", i), Err: err}
		}
		path, err := substitute(t.Path, params)
		if err != nil {
			return nil, &Error{Msg: fmt.Sprintf("template parameter set %d (%s, path)", i, name), Err: err}
		}
		r := RunSpec{Name: name, Path: path, JobScript: t.JobScript}
		if t.JobScript != "" {
			if r.JobScript, err = substitute(t.JobScript, params); err != nil {
				return nil, &Error{Msg: fmt.Sprintf("template parameter set %d (%s, job_script)", i, name), Err: err}
			}
		}
		for _, in := range t.Inputs {
			s, err := substitute(in, params)
			if err != nil {
				return nil, &Error{Msg: fmt.Sprintf("template parameter set %d (%s, input %q)", i, name, in), Err: err}
			}
			r.Inputs = append(r.Inputs, s)
		}
		for _, arg := range t.SetupCommand {
			s, err := substitute(arg, params)
			if err != nil {
				return nil, &Error{Msg: fmt.Sprintf("template parameter set %d (%s, setup_command)", i, name), Err: err}
			}
			r.SetupCommand = append(r.SetupCommand, s)
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// substitute replaces every {key} with its parameter value. An unresolved
// placeholder is an error; a typo in a parameter name must not silently
// produce a run named "disc-{mass}".
func substitute(s string, params map[string]string) (string, error) {
	for k, v := range params {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	if i := strings.IndexByte(s, '{'); i >= 0 {
		if j := strings.IndexByte(s[i:], '}'); j >= 0 {
			return "", fmt.Errorf("unresolved placeholder %q in %q", s[i:i+j+1], s)
		}
	}
	return s, nil
}
