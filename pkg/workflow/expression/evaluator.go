package expression

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var templateRe = regexp.MustCompile(`\{\{(.*?)\}\}`)

// Resolve recursively resolves a value tree against the context.
// Maps and slices are descended; strings pass through the template rule;
// every other leaf is preserved as-is.
func Resolve(value any, ctx *Context) any {
	switch v := value.(type) {
	case string:
		return ResolveString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, ctx)
		}
		return out
	default:
		return value
	}
}

// ResolveString resolves a single string. A string that is exactly one
// bracket expression keeps the type of the resolved value; brackets
// embedded in a larger string are stringified and spliced, with
// unresolved brackets substituting the empty string. A bare "$.path"
// string resolves into the variables map.
func ResolveString(s string, ctx *Context) any {
	trimmed := strings.TrimSpace(s)

	// Lone bracket: type-preserving.
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := trimmed[2 : len(trimmed)-2]
		if !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			return evaluate(strings.TrimSpace(inner), ctx)
		}
	}

	// Bare variable path.
	if strings.HasPrefix(trimmed, "$.") && !strings.Contains(s, "{{") {
		return resolvePath(ctx.Variables, trimmed[2:])
	}

	// Splice any embedded brackets.
	if !strings.Contains(s, "{{") {
		return s
	}
	return templateRe.ReplaceAllStringFunc(s, func(match string) string {
		inner := strings.TrimSpace(match[2 : len(match)-2])
		return Stringify(evaluate(inner, ctx))
	})
}

// evaluate resolves one bracket-inner expression. Unresolved forms and
// malformed builtin calls yield nil.
func evaluate(expr string, ctx *Context) any {
	switch {
	case expr == "":
		return nil

	case strings.HasPrefix(expr, "$."):
		return resolvePath(ctx.Variables, expr[2:])

	case strings.HasPrefix(expr, "steps."):
		rest := expr[len("steps."):]
		stepID, path := splitHead(rest)
		output, ok := ctx.StepOutputs[stepID]
		if !ok {
			return nil
		}
		if path == "" {
			return output
		}
		return descend(output, path)

	case expr == "input":
		return ctx.Input

	case strings.HasPrefix(expr, "input."):
		return resolvePath(ctx.Input, expr[len("input."):])

	case strings.HasPrefix(expr, "env."):
		name := expr[len("env."):]
		if v, ok := ctx.Env[name]; ok {
			return v
		}
		return nil

	case strings.HasPrefix(expr, "fn."):
		return callBuiltin(expr, ctx)

	default:
		return literal(expr)
	}
}

// literal parses a standalone literal: quoted string, number, boolean,
// or null. Anything else is unresolved.
func literal(expr string) any {
	if len(expr) >= 2 {
		if (expr[0] == '\'' && expr[len(expr)-1] == '\'') ||
			(expr[0] == '"' && expr[len(expr)-1] == '"') {
			return expr[1 : len(expr)-1]
		}
	}
	switch expr {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.ParseFloat(expr, 64); err == nil {
		return n
	}
	return nil
}

// resolvePath descends a dotted path with optional [i] array indexes into
// a document. Missing segments yield nil.
func resolvePath(doc map[string]any, path string) any {
	if doc == nil {
		return nil
	}
	return descend(doc, path)
}

// descend walks "a.b[0].c" style paths through maps and slices.
func descend(current any, path string) any {
	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			return nil
		}
		key, indexes, ok := parseSegment(segment)
		if !ok {
			return nil
		}
		if key != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil
			}
			current, ok = m[key]
			if !ok {
				return nil
			}
		}
		for _, idx := range indexes {
			arr, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil
			}
			current = arr[idx]
		}
	}
	return current
}

// parseSegment splits "b[0][1]" into key "b" and indexes [0, 1].
func parseSegment(segment string) (key string, indexes []int, ok bool) {
	open := strings.IndexByte(segment, '[')
	if open < 0 {
		return segment, nil, true
	}
	key = segment[:open]
	rest := segment[open:]
	for len(rest) > 0 {
		if rest[0] != '[' {
			return "", nil, false
		}
		close := strings.IndexByte(rest, ']')
		if close < 0 {
			return "", nil, false
		}
		idx, err := strconv.Atoi(rest[1:close])
		if err != nil {
			return "", nil, false
		}
		indexes = append(indexes, idx)
		rest = rest[close+1:]
	}
	return key, indexes, true
}

// splitHead splits "stepId.rest.of.path" into head and remainder.
func splitHead(s string) (head, rest string) {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// Stringify renders a resolved value for splicing into a string.
// Nil renders as the empty string; compound values render as JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
