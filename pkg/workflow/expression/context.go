// Package expression resolves templated values, variable paths, and
// condition trees against a per-execution context.
//
// Three primitive forms are supported:
//
//   - "$.a.b[0].c"  dotted paths into the instance variables
//   - "{{ expr }}"  bracketed expressions; a value that is a lone bracket
//     keeps its resolved type, while brackets embedded in a larger string
//     are stringified and spliced
//   - "fn.name(args)" builtin function calls inside brackets
//
// Inside brackets, "steps.<id>[.path]" reads step outputs, "input[.path]"
// reads the trigger input, and "env.NAME" reads the injected environment.
//
// Resolution never fails: unresolved paths yield nil, and a bracket
// spliced into a larger string substitutes the empty string.
package expression

// Context is the per-execution bundle consulted by the evaluator.
type Context struct {
	// Variables is the instance variable map ($.path root).
	Variables map[string]any

	// StepOutputs holds completed step outputs keyed by step ID.
	StepOutputs map[string]any

	// Input is the trigger input document.
	Input map[string]any

	// Env is the injected environment map (env.NAME).
	Env map[string]string
}

// NewContext returns a Context with non-nil maps.
func NewContext() *Context {
	return &Context{
		Variables:   make(map[string]any),
		StepOutputs: make(map[string]any),
		Input:       make(map[string]any),
		Env:         make(map[string]string),
	}
}
