package declare

import _ "embed"

//go:embed template.toml
var starter []byte

// Starter returns the starter declaration written by "simforge template".
func Starter() []byte {
	out := make([]byte, len(starter))
	copy(out, starter)
	return out
}
