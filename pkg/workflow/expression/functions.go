package expression

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// callBuiltin evaluates a "fn.name(args)" call. Malformed calls yield nil.
func callBuiltin(expr string, ctx *Context) any {
	open := strings.IndexByte(expr, '(')
	if open < 0 || !strings.HasSuffix(expr, ")") {
		return nil
	}
	name := expr[len("fn."):open]
	argsRaw := expr[open+1 : len(expr)-1]

	parts, ok := splitArgs(argsRaw)
	if !ok {
		return nil
	}
	args := make([]any, len(parts))
	for i, p := range parts {
		args[i] = evaluate(p, ctx)
	}

	result, err := invoke(name, args)
	if err != nil {
		return nil
	}
	return result
}

// splitArgs splits a comma-separated argument list, respecting nested
// parentheses and single/double-quoted strings.
func splitArgs(s string) ([]string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, true
	}

	var args []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, false
			}
		case c == ',' && depth == 0:
			args = append(args, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	if depth != 0 || quote != 0 {
		return nil, false
	}
	args = append(args, strings.TrimSpace(s[start:]))
	return args, true
}

// invoke dispatches the required builtin set.
func invoke(name string, args []any) (any, error) {
	switch name {
	// Date and time.
	case "now":
		return time.Now().UTC().Format(time.RFC3339), nil
	case "today":
		return time.Now().UTC().Format("2006-01-02"), nil
	case "dateAdd":
		return dateAdd(args)
	case "dateDiff":
		return dateDiff(args)
	case "formatDate":
		return formatDate(args)

	// Identity and randomness.
	case "uuid":
		return uuid.NewString(), nil
	case "randomInt":
		return randomInt(args)

	// Strings.
	case "upper":
		return strings.ToUpper(argString(args, 0)), nil
	case "lower":
		return strings.ToLower(argString(args, 0)), nil
	case "trim":
		return strings.TrimSpace(argString(args, 0)), nil
	case "split":
		if len(args) < 2 {
			return nil, errArity(name)
		}
		parts := strings.Split(argString(args, 0), argString(args, 1))
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "join":
		return joinArgs(args)
	case "concat":
		var b strings.Builder
		for _, a := range args {
			b.WriteString(Stringify(a))
		}
		return b.String(), nil
	case "substring":
		return substring(args)
	case "replace":
		if len(args) < 3 {
			return nil, errArity(name)
		}
		return strings.ReplaceAll(argString(args, 0), argString(args, 1), argString(args, 2)), nil
	case "startsWith":
		return strings.HasPrefix(argString(args, 0), argString(args, 1)), nil
	case "endsWith":
		return strings.HasSuffix(argString(args, 0), argString(args, 1)), nil
	case "contains":
		return strings.Contains(argString(args, 0), argString(args, 1)), nil
	case "length":
		return lengthOf(argAt(args, 0))

	// Numbers and aggregates.
	case "sum", "avg", "min", "max", "count":
		return aggregate(name, args)
	case "round":
		return round(args)
	case "abs":
		n, err := toFloat(argAt(args, 0))
		if err != nil {
			return nil, err
		}
		return math.Abs(n), nil

	// Null handling.
	case "default":
		if len(args) < 2 {
			return nil, errArity(name)
		}
		if isEmptyValue(args[0]) {
			return args[1], nil
		}
		return args[0], nil
	case "coalesce":
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	case "ifThen":
		if len(args) < 3 {
			return nil, errArity(name)
		}
		if truthy(args[0]) {
			return args[1], nil
		}
		return args[2], nil
	case "isNull":
		return argAt(args, 0) == nil, nil
	case "isNotNull":
		return argAt(args, 0) != nil, nil
	case "isEmpty":
		return isEmptyValue(argAt(args, 0)), nil

	// Serialization.
	case "stringify":
		raw, err := json.Marshal(argAt(args, 0))
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case "parse":
		var out any
		if err := json.Unmarshal([]byte(argString(args, 0)), &out); err != nil {
			return nil, err
		}
		return out, nil

	// Coercion.
	case "toNumber":
		return toFloat(argAt(args, 0))
	case "toString":
		return Stringify(argAt(args, 0)), nil
	case "toBoolean":
		return truthy(argAt(args, 0)), nil

	default:
		return nil, fmt.Errorf("unknown builtin fn.%s", name)
	}
}

func errArity(name string) error {
	return fmt.Errorf("fn.%s: wrong number of arguments", name)
}

func argAt(args []any, i int) any {
	if i >= len(args) {
		return nil
	}
	return args[i]
}

func argString(args []any, i int) string {
	return Stringify(argAt(args, i))
}

func dateAdd(args []any) (any, error) {
	if len(args) < 2 {
		return nil, errArity("dateAdd")
	}
	n, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	d, err := unitDuration(Stringify(args[1]))
	if err != nil {
		return nil, err
	}
	return time.Now().UTC().Add(time.Duration(n) * d).Format(time.RFC3339), nil
}

func dateDiff(args []any) (any, error) {
	if len(args) < 3 {
		return nil, errArity("dateDiff")
	}
	a, err := parseTime(Stringify(args[0]))
	if err != nil {
		return nil, err
	}
	b, err := parseTime(Stringify(args[1]))
	if err != nil {
		return nil, err
	}
	d, err := unitDuration(Stringify(args[2]))
	if err != nil {
		return nil, err
	}
	return math.Floor(b.Sub(a).Seconds() / d.Seconds()), nil
}

func unitDuration(unit string) (time.Duration, error) {
	switch unit {
	case "days":
		return 24 * time.Hour, nil
	case "hours":
		return time.Hour, nil
	case "minutes":
		return time.Minute, nil
	default:
		return 0, fmt.Errorf("unknown date unit %q", unit)
	}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

// formatDate converts date-pattern tokens (yyyy, MM, dd, HH, mm, ss) to a
// Go layout and formats the parsed input.
func formatDate(args []any) (any, error) {
	if len(args) < 2 {
		return nil, errArity("formatDate")
	}
	t, err := parseTime(Stringify(args[0]))
	if err != nil {
		return nil, err
	}
	layout := Stringify(args[1])
	replacer := strings.NewReplacer(
		"yyyy", "2006",
		"MM", "01",
		"dd", "02",
		"HH", "15",
		"mm", "04",
		"ss", "05",
	)
	return t.Format(replacer.Replace(layout)), nil
}

func randomInt(args []any) (any, error) {
	if len(args) < 2 {
		return nil, errArity("randomInt")
	}
	lo, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	hi, err := toFloat(args[1])
	if err != nil {
		return nil, err
	}
	if hi < lo {
		return nil, fmt.Errorf("randomInt: max below min")
	}
	return float64(int(lo) + rand.Intn(int(hi)-int(lo)+1)), nil
}

func joinArgs(args []any) (any, error) {
	if len(args) < 2 {
		return nil, errArity("join")
	}
	arr, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("join: first argument must be an array")
	}
	parts := make([]string, len(arr))
	for i, v := range arr {
		parts[i] = Stringify(v)
	}
	return strings.Join(parts, Stringify(args[1])), nil
}

func substring(args []any) (any, error) {
	if len(args) < 2 {
		return nil, errArity("substring")
	}
	s := argString(args, 0)
	start, err := toFloat(args[1])
	if err != nil {
		return nil, err
	}
	from := clampIndex(int(start), len(s))
	to := len(s)
	if len(args) > 2 {
		end, err := toFloat(args[2])
		if err != nil {
			return nil, err
		}
		to = clampIndex(int(end), len(s))
	}
	if from > to {
		from = to
	}
	return s[from:to], nil
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

func lengthOf(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return float64(len(val)), nil
	case []any:
		return float64(len(val)), nil
	case map[string]any:
		return float64(len(val)), nil
	case nil:
		return float64(0), nil
	default:
		return nil, fmt.Errorf("length: unsupported type %T", v)
	}
}

func aggregate(name string, args []any) (any, error) {
	// A single array argument aggregates its elements; otherwise the
	// arguments themselves are aggregated.
	values := args
	if len(args) == 1 {
		if arr, ok := args[0].([]any); ok {
			values = arr
		}
	}
	if name == "count" {
		return float64(len(values)), nil
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: no values", name)
	}
	nums := make([]float64, len(values))
	for i, v := range values {
		n, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		nums[i] = n
	}
	switch name {
	case "sum", "avg":
		total := 0.0
		for _, n := range nums {
			total += n
		}
		if name == "avg" {
			return total / float64(len(nums)), nil
		}
		return total, nil
	case "min":
		m := nums[0]
		for _, n := range nums[1:] {
			m = math.Min(m, n)
		}
		return m, nil
	case "max":
		m := nums[0]
		for _, n := range nums[1:] {
			m = math.Max(m, n)
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown aggregate %s", name)
}

func round(args []any) (any, error) {
	n, err := toFloat(argAt(args, 0))
	if err != nil {
		return nil, err
	}
	digits := 0.0
	if len(args) > 1 {
		digits, err = toFloat(args[1])
		if err != nil {
			return nil, err
		}
	}
	pow := math.Pow(10, digits)
	return math.Round(n*pow) / pow, nil
}

// toFloat coerces numbers and numeric strings to float64.
func toFloat(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to number", val)
		}
		return n, nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", v)
	}
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return true
	}
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}
