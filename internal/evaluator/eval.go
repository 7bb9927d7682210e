package evaluator

import (
	"fmt"
	"strconv"
	"time"
)

// rootNames is the closed set of addressable entities a condition
// expression may reference at the top level. Anything else is a hard
// evaluation error.
var rootNames = map[string]bool{
	"claim":    true,
	"policy":   true,
	"provider": true,
	"member":   true,
	"history":  true,
	"tariff":   true,
	"params":   true,
}

// evalState threads the read-only context and current wall-clock reference
// through a single evaluation, plus the optional "_item" binding used by
// count()'s predicate sub-expressions.
type evalState struct {
	context map[string]any
	now     time.Time
	item    any
	hasItem bool
}

func (ev *evalState) withItem(item any) *evalState {
	return &evalState{context: ev.context, now: ev.now, item: item, hasItem: true}
}

// Evaluate parses and evaluates expr against context, returning a bool
// result. The same (expr, context, now) always yields the same result.
// Parse failures return *ExpressionSyntaxError; evaluation failures
// (unknown name, disallowed node, type mismatch) return
// *ExpressionEvaluationError. Evaluate never panics.
func Evaluate(expr string, context map[string]any, now time.Time) (result bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = evalErr("internal evaluator failure: %v", r)
			result = false
		}
	}()

	n, err := parse(expr)
	if err != nil {
		return false, err
	}
	ev := &evalState{context: context, now: now}
	v, err := ev.eval(n)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, evalErr("expression did not evaluate to a boolean")
	}
	return b, nil
}

func (ev *evalState) eval(n node) (any, error) {
	switch t := n.(type) {
	case numberLit:
		return t.value, nil
	case stringLit:
		return t.value, nil
	case boolLit:
		return t.value, nil
	case nullLit:
		return nil, nil
	case listLit:
		items := make([]any, len(t.items))
		for i, it := range t.items {
			v, err := ev.eval(it)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return items, nil
	case identifier:
		return ev.resolveIdentifier(t.name)
	case attribute:
		base, err := ev.eval(t.base)
		if err != nil {
			return nil, err
		}
		return resolveAttr(base, t.name)
	case index:
		base, err := ev.eval(t.base)
		if err != nil {
			return nil, err
		}
		key, err := ev.eval(t.key)
		if err != nil {
			return nil, err
		}
		return resolveIndex(base, key)
	case call:
		fn, ok := registry[t.name]
		if !ok {
			return nil, evalErr("function %q is not in the allowed registry", t.name)
		}
		return fn(ev, t.args)
	case unary:
		v, err := ev.eval(t.x)
		if err != nil {
			return nil, err
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, evalErr("unary %s requires a numeric operand", t.op)
		}
		if t.op == "-" {
			return -f, nil
		}
		return f, nil
	case binary:
		return ev.evalBinary(t)
	case boolOp:
		return ev.evalBoolOp(t)
	case notOp:
		v, err := ev.eval(t.x)
		if err != nil {
			return nil, err
		}
		b, ok := v.(bool)
		if !ok {
			return nil, evalErr("not requires a boolean operand")
		}
		return !b, nil
	case membership:
		return ev.evalMembership(t)
	default:
		return nil, evalErr("unsupported expression node %T", n)
	}
}

func (ev *evalState) resolveIdentifier(name string) (any, error) {
	if ev.hasItem && name == "_item" {
		return ev.item, nil
	}
	if !rootNames[name] {
		return nil, evalErr("identifier %q is not an addressable entity", name)
	}
	v, ok := ev.context[name]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func resolveAttr(base any, name string) (any, error) {
	switch b := base.(type) {
	case map[string]any:
		v, ok := b[name]
		if !ok {
			return nil, nil
		}
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, evalErr("cannot access attribute %q on non-object value", name)
	}
}

func resolveIndex(base, key any) (any, error) {
	switch b := base.(type) {
	case []any:
		i, ok := toFloat(key)
		if !ok {
			return nil, evalErr("list index must be numeric")
		}
		idx := int(i)
		if idx < 0 || idx >= len(b) {
			return nil, evalErr("list index out of range")
		}
		return b[idx], nil
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, evalErr("map key must be a string")
		}
		v, ok := b[k]
		if !ok {
			return nil, nil
		}
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, evalErr("cannot index non-collection value")
	}
}

func (ev *evalState) evalBinary(b binary) (any, error) {
	switch b.op {
	case "==", "!=":
		l, err := ev.eval(b.l)
		if err != nil {
			return nil, err
		}
		r, err := ev.eval(b.r)
		if err != nil {
			return nil, err
		}
		eq := valuesEqual(l, r)
		if b.op == "!=" {
			return !eq, nil
		}
		return eq, nil
	case "<", "<=", ">", ">=":
		l, err := ev.eval(b.l)
		if err != nil {
			return nil, err
		}
		r, err := ev.eval(b.r)
		if err != nil {
			return nil, err
		}
		return compareOrdered(l, r, b.op)
	default:
		l, err := ev.eval(b.l)
		if err != nil {
			return nil, err
		}
		r, err := ev.eval(b.r)
		if err != nil {
			return nil, err
		}
		lf, ok1 := toFloat(l)
		rf, ok2 := toFloat(r)
		if !ok1 || !ok2 {
			return nil, evalErr("operator %q requires numeric operands", b.op)
		}
		switch b.op {
		case "+":
			return lf + rf, nil
		case "-":
			return lf - rf, nil
		case "*":
			return lf * rf, nil
		case "/":
			if rf == 0 {
				return nil, evalErr("division by zero")
			}
			return lf / rf, nil
		case "%":
			if rf == 0 {
				return nil, evalErr("modulo by zero")
			}
			return float64(int64(lf) % int64(rf)), nil
		}
		return nil, evalErr("unsupported operator %q", b.op)
	}
}

func (ev *evalState) evalBoolOp(b boolOp) (any, error) {
	l, err := ev.eval(b.l)
	if err != nil {
		return nil, err
	}
	lb, ok := l.(bool)
	if !ok {
		return nil, evalErr("%s requires boolean operands", b.op)
	}
	if b.op == "and" && !lb {
		return false, nil
	}
	if b.op == "or" && lb {
		return true, nil
	}
	r, err := ev.eval(b.r)
	if err != nil {
		return nil, err
	}
	rb, ok := r.(bool)
	if !ok {
		return nil, evalErr("%s requires boolean operands", b.op)
	}
	return rb, nil
}

func (ev *evalState) evalMembership(m membership) (any, error) {
	x, err := ev.eval(m.x)
	if err != nil {
		return nil, err
	}
	list, err := ev.eval(m.list)
	if err != nil {
		return nil, err
	}
	items, ok := list.([]any)
	if !ok {
		return nil, evalErr("'in' requires a list right-hand side")
	}
	found := false
	for _, it := range items {
		if valuesEqual(x, it) {
			found = true
			break
		}
	}
	if m.negate {
		return !found, nil
	}
	return found, nil
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	if at, ok := toTime(a); ok {
		if bt, ok := toTime(b); ok {
			return at.Equal(bt)
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareOrdered(a, b any, op string) (bool, error) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return applyOrder(af < bf, af == bf, op), nil
		}
	}
	if at, ok := toTime(a); ok {
		if bt, ok := toTime(b); ok {
			return applyOrder(at.Before(bt), at.Equal(bt), op), nil
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return applyOrder(as < bs, as == bs, op), nil
		}
	}
	return false, evalErr("operator %q requires comparable operands of the same type", op)
}

func applyOrder(less, equal bool, op string) bool {
	switch op {
	case "<":
		return less
	case "<=":
		return less || equal
	case ">":
		return !less && !equal
	case ">=":
		return !less
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
