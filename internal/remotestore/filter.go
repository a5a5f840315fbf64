package remotestore

import (
	"fmt"
	"strings"
	"time"
)

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Filter compares a column against a value.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

func Eq(column string, value any) Filter  { return Filter{Column: column, Op: OpEq, Value: value} }
func Neq(column string, value any) Filter { return Filter{Column: column, Op: OpNeq, Value: value} }

// String renders the filter in column=op.value form.
func (f Filter) String() string {
	return fmt.Sprintf("%s=%s.%v", f.Column, f.Op, f.Value)
}

// ParseFilter parses the column=op.value form.
func ParseFilter(s string) (Filter, error) {
	col, rest, ok := strings.Cut(s, "=")
	if !ok || col == "" {
		return Filter{}, fmt.Errorf("invalid filter %q", s)
	}
	op, value, ok := strings.Cut(rest, ".")
	if !ok {
		return Filter{}, fmt.Errorf("invalid filter %q", s)
	}
	switch Op(op) {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
	default:
		return Filter{}, fmt.Errorf("unknown operator %q", op)
	}
	return Filter{Column: col, Op: Op(op), Value: value}, nil
}

// Match evaluates the filter against a row.
func (f Filter) Match(row Row) bool {
	v, ok := row[f.Column]
	switch f.Op {
	case OpEq:
		return ok && equal(v, f.Value)
	case OpNeq:
		return !ok || !equal(v, f.Value)
	}
	if !ok {
		return false
	}
	c, ok := compare(v, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

// MatchAll reports whether row passes every filter.
func MatchAll(filters []Filter, row Row) bool {
	for _, f := range filters {
		if !f.Match(row) {
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// Compare orders two column values. Numbers compare numerically, timestamps
// chronologically and strings lexically.
func Compare(a, b any) (int, bool) {
	return compare(a, b)
}

func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Compare(tb), true
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}
