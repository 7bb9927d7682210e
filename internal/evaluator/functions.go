package evaluator

import (
	"regexp"
	"strings"
	"time"
)

// builtin is one function in the closed registry. It receives its
// unevaluated argument nodes and the shared evaluation state (most builtins
// evaluate the nodes up front via evalArgs; count() re-enters its predicate
// per element) and returns a value or an evaluation error.
// No builtin may reach outside its arguments and the registry itself.
type builtin func(ev *evalState, args []node) (any, error)

var registry map[string]builtin

func init() {
	registry = map[string]builtin{
		"abs":         fnAbs,
		"round":       fnRound,
		"min":         fnMin,
		"max":         fnMax,
		"sum":         fnSum,
		"len":         fnLen,
		"all":         fnAll,
		"any":         fnAny,
		"days_since":  fnDaysSince,
		"days_until":  fnDaysUntil,
		"within_days": fnWithinDays,
		"today":       fnToday,
		"is_null":     fnIsNull,
		"is_not_null": fnIsNotNull,
		"coalesce":    fnCoalesce,
		"matches":     fnMatches,
		"startswith":  fnStartsWith,
		"endswith":    fnEndsWith,
		"contains":    fnContains,
		"between":     fnBetween,
		"count":       fnCount,
	}
}

// isRegistered reports whether name is a member of the closed function
// registry; the parser/evaluator never invoke anything else.
func isRegistered(name string) bool {
	_, ok := registry[name]
	return ok
}

func evalArgs(ev *evalState, args []node) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := ev.eval(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func fnAbs(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, evalErr("abs() takes exactly one argument")
	}
	n, ok := toFloat(vals[0])
	if !ok {
		return nil, evalErr("abs() requires a numeric argument")
	}
	if n < 0 {
		return -n, nil
	}
	return n, nil
}

func fnRound(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, evalErr("round() takes exactly one argument")
	}
	n, ok := toFloat(vals[0])
	if !ok {
		return nil, evalErr("round() requires a numeric argument")
	}
	if n < 0 {
		return float64(int64(n - 0.5)), nil
	}
	return float64(int64(n + 0.5)), nil
}

func fnMin(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	nums, err := requireNumericSeq(vals, "min")
	if err != nil {
		return nil, err
	}
	m := nums[0]
	for _, n := range nums[1:] {
		if n < m {
			m = n
		}
	}
	return m, nil
}

func fnMax(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	nums, err := requireNumericSeq(vals, "max")
	if err != nil {
		return nil, err
	}
	m := nums[0]
	for _, n := range nums[1:] {
		if n > m {
			m = n
		}
	}
	return m, nil
}

func fnSum(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, evalErr("sum() takes exactly one argument")
	}
	items, ok := vals[0].([]any)
	if !ok {
		return nil, evalErr("sum() requires a list argument")
	}
	total := 0.0
	for _, it := range items {
		n, ok := toFloat(it)
		if !ok {
			return nil, evalErr("sum() requires a list of numbers")
		}
		total += n
	}
	return total, nil
}

func fnLen(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, evalErr("len() takes exactly one argument")
	}
	switch v := vals[0].(type) {
	case []any:
		return float64(len(v)), nil
	case string:
		return float64(len(v)), nil
	case nil:
		return nil, evalErr("len() of null")
	default:
		return nil, evalErr("len() requires a list or string")
	}
}

func fnAll(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, evalErr("all() takes exactly one argument")
	}
	items, ok := vals[0].([]any)
	if !ok {
		return nil, evalErr("all() requires a list argument")
	}
	for _, it := range items {
		b, ok := it.(bool)
		if !ok || !b {
			return false, nil
		}
	}
	return true, nil
}

func fnAny(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, evalErr("any() takes exactly one argument")
	}
	items, ok := vals[0].([]any)
	if !ok {
		return nil, evalErr("any() requires a list argument")
	}
	for _, it := range items {
		if b, ok := it.(bool); ok && b {
			return true, nil
		}
	}
	return false, nil
}

func fnDaysSince(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, evalErr("days_since() takes exactly one argument")
	}
	t, ok := toTime(vals[0])
	if !ok {
		return nil, evalErr("days_since() requires a date/timestamp argument")
	}
	return ev.now.Sub(t).Hours() / 24, nil
}

func fnDaysUntil(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, evalErr("days_until() takes exactly one argument")
	}
	t, ok := toTime(vals[0])
	if !ok {
		return nil, evalErr("days_until() requires a date/timestamp argument")
	}
	return t.Sub(ev.now).Hours() / 24, nil
}

func fnWithinDays(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, evalErr("within_days() takes exactly two arguments")
	}
	t, ok := toTime(vals[0])
	if !ok {
		return nil, evalErr("within_days() requires a date/timestamp first argument")
	}
	n, ok := toFloat(vals[1])
	if !ok {
		return nil, evalErr("within_days() requires a numeric second argument")
	}
	diff := ev.now.Sub(t).Hours() / 24
	if diff < 0 {
		diff = -diff
	}
	return diff <= n, nil
}

func fnToday(ev *evalState, args []node) (any, error) {
	if len(args) != 0 {
		return nil, evalErr("today() takes no arguments")
	}
	return ev.now, nil
}

func fnIsNull(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, evalErr("is_null() takes exactly one argument")
	}
	return vals[0] == nil, nil
}

func fnIsNotNull(ev *evalState, args []node) (any, error) {
	v, err := fnIsNull(ev, args)
	if err != nil {
		return nil, err
	}
	return !v.(bool), nil
}

func fnCoalesce(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

func fnMatches(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, evalErr("matches() takes exactly two arguments")
	}
	s, ok1 := vals[0].(string)
	pattern, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return nil, evalErr("matches() requires two string arguments")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, evalErr("matches() invalid regex: %v", err)
	}
	return re.MatchString(s), nil
}

func fnStartsWith(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, evalErr("startswith() takes exactly two arguments")
	}
	s, ok1 := vals[0].(string)
	prefix, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return nil, evalErr("startswith() requires two string arguments")
	}
	return strings.HasPrefix(s, prefix), nil
}

func fnEndsWith(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, evalErr("endswith() takes exactly two arguments")
	}
	s, ok1 := vals[0].(string)
	suffix, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return nil, evalErr("endswith() requires two string arguments")
	}
	return strings.HasSuffix(s, suffix), nil
}

func fnContains(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, evalErr("contains() takes exactly two arguments")
	}
	switch haystack := vals[0].(type) {
	case string:
		needle, ok := vals[1].(string)
		if !ok {
			return nil, evalErr("contains() on a string requires a string needle")
		}
		return strings.Contains(haystack, needle), nil
	case []any:
		for _, item := range haystack {
			if valuesEqual(item, vals[1]) {
				return true, nil
			}
		}
		return false, nil
	default:
		return nil, evalErr("contains() requires a string or list first argument")
	}
}

func fnBetween(ev *evalState, args []node) (any, error) {
	vals, err := evalArgs(ev, args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 3 {
		return nil, evalErr("between() takes exactly three arguments")
	}
	v, ok1 := toFloat(vals[0])
	lo, ok2 := toFloat(vals[1])
	hi, ok3 := toFloat(vals[2])
	if !ok1 || !ok2 || !ok3 {
		return nil, evalErr("between() requires three numeric arguments")
	}
	return v >= lo && v <= hi, nil
}

// fnCount takes a collection expression and a single-parameter predicate
// expression referencing the bound name "_item"; it is the only builtin
// that evaluates a sub-expression once per element rather than evaluating
// all arguments up front, since the predicate depends on the loop variable.
func fnCount(ev *evalState, args []node) (any, error) {
	if len(args) != 2 {
		return nil, evalErr("count() takes exactly two arguments")
	}
	collection, err := ev.eval(args[0])
	if err != nil {
		return nil, err
	}
	items, ok := collection.([]any)
	if !ok {
		return nil, evalErr("count() requires a list first argument")
	}
	n := 0
	for _, item := range items {
		child := ev.withItem(item)
		v, err := child.eval(args[1])
		if err != nil {
			return nil, err
		}
		b, ok := v.(bool)
		if !ok {
			return nil, evalErr("count() predicate must evaluate to a boolean")
		}
		if b {
			n++
		}
	}
	return float64(n), nil
}

func requireNumericSeq(vals []any, fn string) ([]float64, error) {
	var flat []any
	if len(vals) == 1 {
		if items, ok := vals[0].([]any); ok {
			flat = items
		} else {
			flat = vals
		}
	} else {
		flat = vals
	}
	if len(flat) == 0 {
		return nil, evalErr("%s() requires at least one value", fn)
	}
	out := make([]float64, len(flat))
	for i, v := range flat {
		n, ok := toFloat(v)
		if !ok {
			return nil, evalErr("%s() requires numeric arguments", fn)
		}
		out[i] = n
	}
	return out, nil
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	default:
		return time.Time{}, false
	}
}
