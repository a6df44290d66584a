package resolver

import "strings"

// EvaluatePath splits path on ":" and evaluates it against v via PathEval.
// An empty path returns v itself.
func EvaluatePath(v Value, path string) Value {
	if path == "" {
		return v
	}
	return PathEval(v, strings.Split(path, ":"))
}
