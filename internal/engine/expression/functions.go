package expression

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var validate = validator.New()

// GetExprOptions returns the compile options carrying the whitelisted
// function set available inside pipeline expressions. Only these functions
// plus expr's own operators are reachable from user expressions.
func GetExprOptions(env map[string]interface{}) []expr.Option {
	return []expr.Option{
		expr.Env(env),

		// String functions
		expr.Function("upper", stringFunc("upper", strings.ToUpper)),
		expr.Function("lower", stringFunc("lower", strings.ToLower)),
		expr.Function("trim", stringFunc("trim", strings.TrimSpace)),
		expr.Function("substring", substringFunc),
		expr.Function("concat", concatFunc),
		expr.Function("split", splitFunc),
		expr.Function("replace", replaceFunc),
		expr.Function("matches", matchesFunc),

		// Number functions
		expr.Function("round", roundFunc),
		expr.Function("abs", absFunc),
		expr.Function("min", minFunc),
		expr.Function("max", maxFunc),
		expr.Function("sum", sumFunc),
		expr.Function("avg", avgFunc),

		// Array functions
		expr.Function("includes", includesFunc),
		expr.Function("join", joinFunc),
		expr.Function("unique", uniqueFunc),
		expr.Function("flatten", flattenFunc),
		expr.Function("reverse", reverseFunc),

		// Object functions
		expr.Function("keys", keysFunc),
		expr.Function("values", valuesFunc),
		expr.Function("has", hasFunc),
		expr.Function("merge", mergeFunc),

		// Date functions
		expr.Function("now", nowFunc),
		expr.Function("parseDate", parseDateFunc),
		expr.Function("formatDate", formatDateFunc),

		// Misc
		expr.Function("default", defaultFunc),
		expr.Function("coalesce", coalesceFunc),
		expr.Function("typeof", typeofFunc),
		expr.Function("isEmpty", isEmptyFunc),
		expr.Function("isEmail", isEmailFunc),
		expr.Function("toJSON", toJSONFunc),
		expr.Function("fromJSON", fromJSONFunc),
		expr.Function("uuid", uuidFunc),
	}
}

func stringFunc(name string, fn func(string) string) func(...interface{}) (interface{}, error) {
	return func(params ...interface{}) (interface{}, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("%s() requires exactly 1 argument", name)
		}
		s, ok := params[0].(string)
		if !ok {
			return nil, fmt.Errorf("%s() requires string argument", name)
		}
		return fn(s), nil
	}
}

func toFloat64(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	default:
		return 0
	}
}

func toArray(v interface{}) ([]interface{}, bool) {
	arr, ok := v.([]interface{})
	return arr, ok
}

func substringFunc(params ...interface{}) (interface{}, error) {
	if len(params) < 2 || len(params) > 3 {
		return nil, fmt.Errorf("substring() requires 2 or 3 arguments")
	}
	s, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("substring() first argument must be string")
	}

	start := int(toFloat64(params[1]))
	if start < 0 {
		start = 0
	}
	if start >= len(s) {
		return "", nil
	}

	end := len(s)
	if len(params) == 3 {
		end = int(toFloat64(params[2]))
	}
	if end <= start {
		return "", nil
	}
	if end > len(s) {
		end = len(s)
	}

	return s[start:end], nil
}

func concatFunc(params ...interface{}) (interface{}, error) {
	var result strings.Builder
	for _, param := range params {
		result.WriteString(fmt.Sprint(param))
	}
	return result.String(), nil
}

func splitFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("split() requires exactly 2 arguments")
	}
	s, ok1 := params[0].(string)
	sep, ok2 := params[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("split() requires string arguments")
	}

	parts := strings.Split(s, sep)
	result := make([]interface{}, len(parts))
	for i, p := range parts {
		result[i] = p
	}
	return result, nil
}

func replaceFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 3 {
		return nil, fmt.Errorf("replace() requires exactly 3 arguments")
	}
	s, ok1 := params[0].(string)
	old, ok2 := params[1].(string)
	new_, ok3 := params[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("replace() requires string arguments")
	}
	return strings.ReplaceAll(s, old, new_), nil
}

func matchesFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("matches() requires exactly 2 arguments")
	}
	s, ok1 := params[0].(string)
	pattern, ok2 := params[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("matches() requires string arguments")
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("matches() invalid pattern: %w", err)
	}
	return re.MatchString(s), nil
}

func roundFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("round() requires exactly 1 argument")
	}
	return math.Round(toFloat64(params[0])), nil
}

func absFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("abs() requires exactly 1 argument")
	}
	return math.Abs(toFloat64(params[0])), nil
}

func minFunc(params ...interface{}) (interface{}, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("min() requires at least 1 argument")
	}
	result := toFloat64(params[0])
	for _, v := range params[1:] {
		if val := toFloat64(v); val < result {
			result = val
		}
	}
	return result, nil
}

func maxFunc(params ...interface{}) (interface{}, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("max() requires at least 1 argument")
	}
	result := toFloat64(params[0])
	for _, v := range params[1:] {
		if val := toFloat64(v); val > result {
			result = val
		}
	}
	return result, nil
}

func sumFunc(params ...interface{}) (interface{}, error) {
	// Single array argument sums its elements
	if len(params) == 1 {
		if arr, ok := toArray(params[0]); ok {
			return lo.SumBy(arr, toFloat64), nil
		}
	}

	sum := 0.0
	for _, v := range params {
		sum += toFloat64(v)
	}
	return sum, nil
}

func avgFunc(params ...interface{}) (interface{}, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("avg() requires at least 1 argument")
	}

	values := params
	if len(params) == 1 {
		if arr, ok := toArray(params[0]); ok {
			values = arr
		}
	}
	if len(values) == 0 {
		return 0.0, nil
	}

	return lo.SumBy(values, toFloat64) / float64(len(values)), nil
}

func includesFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("includes() requires exactly 2 arguments")
	}

	switch v := params[0].(type) {
	case string:
		needle, ok := params[1].(string)
		if !ok {
			return nil, fmt.Errorf("includes() on a string requires a string needle")
		}
		return strings.Contains(v, needle), nil
	case []interface{}:
		return lo.ContainsBy(v, func(item interface{}) bool {
			return fmt.Sprint(item) == fmt.Sprint(params[1])
		}), nil
	default:
		return nil, fmt.Errorf("includes() requires string or array first argument")
	}
}

func joinFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("join() requires exactly 2 arguments")
	}
	arr, ok := toArray(params[0])
	if !ok {
		return nil, fmt.Errorf("join() requires array first argument")
	}
	sep, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("join() requires string separator")
	}

	parts := lo.Map(arr, func(item interface{}, _ int) string {
		return fmt.Sprint(item)
	})
	return strings.Join(parts, sep), nil
}

func uniqueFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("unique() requires exactly 1 argument")
	}
	arr, ok := toArray(params[0])
	if !ok {
		return nil, fmt.Errorf("unique() requires array argument")
	}

	return lo.UniqBy(arr, func(item interface{}) string {
		return fmt.Sprint(item)
	}), nil
}

func flattenFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("flatten() requires exactly 1 argument")
	}
	arr, ok := toArray(params[0])
	if !ok {
		return nil, fmt.Errorf("flatten() requires array argument")
	}

	result := make([]interface{}, 0, len(arr))
	for _, item := range arr {
		if nested, ok := toArray(item); ok {
			result = append(result, nested...)
		} else {
			result = append(result, item)
		}
	}
	return result, nil
}

func reverseFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("reverse() requires exactly 1 argument")
	}
	arr, ok := toArray(params[0])
	if !ok {
		return nil, fmt.Errorf("reverse() requires array argument")
	}

	return lo.Reverse(append([]interface{}{}, arr...)), nil
}

func keysFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("keys() requires exactly 1 argument")
	}
	m, ok := params[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("keys() requires object argument")
	}

	keys := lo.Keys(m)
	result := make([]interface{}, len(keys))
	for i, k := range keys {
		result[i] = k
	}
	return result, nil
}

func valuesFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("values() requires exactly 1 argument")
	}
	m, ok := params[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("values() requires object argument")
	}
	return lo.Values(m), nil
}

func hasFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("has() requires exactly 2 arguments")
	}
	m, ok := params[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("has() requires object first argument")
	}
	key, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("has() requires string key")
	}

	_, exists := m[key]
	return exists, nil
}

func mergeFunc(params ...interface{}) (interface{}, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("merge() requires at least 2 arguments")
	}

	maps := make([]map[string]interface{}, 0, len(params))
	for _, p := range params {
		m, ok := p.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("merge() requires object arguments")
		}
		maps = append(maps, m)
	}
	return lo.Assign(maps...), nil
}

func nowFunc(params ...interface{}) (interface{}, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}

func parseDateFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("parseDate() requires exactly 1 argument")
	}
	s, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("parseDate() requires string argument")
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("parseDate() could not parse %q", s)
}

func formatDateFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("formatDate() requires exactly 2 arguments")
	}
	t, ok := params[0].(time.Time)
	if !ok {
		return nil, fmt.Errorf("formatDate() requires time first argument")
	}
	layout, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("formatDate() requires string layout")
	}
	return t.Format(layout), nil
}

func defaultFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("default() requires exactly 2 arguments")
	}
	if isEmptyValue(params[0]) {
		return params[1], nil
	}
	return params[0], nil
}

func coalesceFunc(params ...interface{}) (interface{}, error) {
	for _, p := range params {
		if p != nil {
			return p, nil
		}
	}
	return nil, nil
}

func typeofFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("typeof() requires exactly 1 argument")
	}

	switch params[0].(type) {
	case nil:
		return "null", nil
	case bool:
		return "boolean", nil
	case string:
		return "string", nil
	case float64, float32, int, int64, int32:
		return "number", nil
	case []interface{}:
		return "array", nil
	case map[string]interface{}:
		return "object", nil
	default:
		return "unknown", nil
	}
}

func isEmptyFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("isEmpty() requires exactly 1 argument")
	}
	return isEmptyValue(params[0]), nil
}

func isEmailFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("isEmail() requires exactly 1 argument")
	}
	s, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("isEmail() requires string argument")
	}
	return validate.Var(s, "email") == nil, nil
}

func isEmptyValue(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []interface{}:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	default:
		return false
	}
}

func toJSONFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("toJSON() requires exactly 1 argument")
	}
	data, err := json.Marshal(params[0])
	if err != nil {
		return nil, fmt.Errorf("toJSON() failed: %w", err)
	}
	return string(data), nil
}

func fromJSONFunc(params ...interface{}) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("fromJSON() requires exactly 1 argument")
	}
	s, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("fromJSON() requires string argument")
	}

	var result interface{}
	if err := json.Unmarshal([]byte(s), &result); err != nil {
		return nil, fmt.Errorf("fromJSON() failed: %w", err)
	}
	return result, nil
}

func uuidFunc(params ...interface{}) (interface{}, error) {
	return uuid.NewString(), nil
}
