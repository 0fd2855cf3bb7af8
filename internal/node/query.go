package node

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Op is a dotted-filter comparison operator (spec §4.5).
type Op string

const (
	OpEq  Op = "eq"
	OpGt  Op = "gt"
	OpLt  Op = "lt"
	OpGte Op = "gte"
	OpLte Op = "lte"
	OpNe  Op = "ne"
	OpRe  Op = "re"
)

// suffixOps maps the recognized query-param suffixes to their operator.
var suffixOps = []struct {
	suffix string
	op     Op
}{
	{"__gte", OpGte},
	{"__lte", OpLte},
	{"__gt", OpGt},
	{"__lt", OpLt},
	{"__ne", OpNe},
	{"__re", OpRe},
}

// Term is one dotted-path comparison in a Filter.
type Term struct {
	Path  string
	Op    Op
	Value string
}

// Filter is a conjunction (AND) of Terms.
type Filter []Term

// ParseFilter builds a Filter from raw query-parameter-style key/value
// pairs. Keys with no recognized operator suffix default to OpEq. The
// literal key "limit", "offset" and similar pagination controls must be
// stripped by the caller before calling ParseFilter — this function treats
// every entry as a node filter.
func ParseFilter(params map[string]string) (Filter, error) {
	filter := make(Filter, 0, len(params))
	for key, value := range params {
		path := key
		op := OpEq
		for _, s := range suffixOps {
			if strings.HasSuffix(key, s.suffix) {
				path = strings.TrimSuffix(key, s.suffix)
				op = s.op
				break
			}
		}
		if path == "" {
			return nil, fmt.Errorf("%w: empty filter key in %q", ErrInvalidInput, key)
		}
		if op == OpRe {
			if _, err := regexp.Compile(value); err != nil {
				return nil, fmt.Errorf("%w: invalid regex for %q: %v", ErrInvalidInput, key, err)
			}
		}
		filter = append(filter, Term{Path: path, Op: op, Value: value})
	}
	return filter, nil
}

// asMap converts n to a generic JSON map for dotted-path traversal. This is
// the deliberate stdlib fallback noted in DESIGN.md: hashicorp/go-memdb's
// indexers only cover statically declared fields, not arbitrary
// caller-supplied dotted paths into the opaque `data` payload, so residual
// filtering walks a decoded map instead.
func asMap(n Node) (map[string]interface{}, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// valueAtPath navigates dotted path segments through m. It returns
// (value, true) if the full path resolves to a (possibly nil) leaf, or
// (nil, false) if any intermediate segment is absent or not an object.
func valueAtPath(m map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var cur interface{} = m
	for _, seg := range segments {
		asMap, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, exists := asMap[seg]
		if !exists {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Matches reports whether n satisfies every Term in filter.
func Matches(n Node, filter Filter) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}
	m, err := asMap(n)
	if err != nil {
		return false, err
	}
	for _, term := range filter {
		ok, err := matchTerm(m, term)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchTerm(m map[string]interface{}, term Term) (bool, error) {
	value, exists := valueAtPath(m, term.Path)
	isNullOrAbsent := !exists || value == nil

	if term.Value == "null" {
		switch term.Op {
		case OpEq:
			return isNullOrAbsent, nil
		case OpNe:
			return !isNullOrAbsent, nil
		default:
			return false, fmt.Errorf("%w: operator %s cannot be combined with literal null", ErrInvalidInput, term.Op)
		}
	}

	if isNullOrAbsent {
		// A present comparison against an absent/null field never matches,
		// regardless of operator.
		return false, nil
	}

	switch term.Op {
	case OpEq:
		return compareEqual(value, term.Value), nil
	case OpNe:
		return !compareEqual(value, term.Value), nil
	case OpRe:
		re, err := regexp.Compile(term.Value)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return re.MatchString(fmt.Sprintf("%v", value)), nil
	case OpGt, OpLt, OpGte, OpLte:
		return compareOrdered(value, term.Value, term.Op)
	default:
		return false, fmt.Errorf("%w: unknown operator %s", ErrInvalidInput, term.Op)
	}
}

func compareEqual(value interface{}, raw string) bool {
	switch v := value.(type) {
	case string:
		return v == raw
	case bool:
		b, err := strconv.ParseBool(raw)
		return err == nil && v == b
	case float64:
		f, err := strconv.ParseFloat(raw, 64)
		return err == nil && v == f
	default:
		return fmt.Sprintf("%v", v) == raw
	}
}

// compareOrdered compares value (as decoded from JSON) against raw using
// op, trying numeric and then RFC3339 timestamp interpretation since both
// node timestamps and data fields may be compared with __gt/__lt.
func compareOrdered(value interface{}, raw string, op Op) (bool, error) {
	var cmp int

	if vf, ok := value.(float64); ok {
		if rf, err := strconv.ParseFloat(raw, 64); err == nil {
			cmp = cmpFloat(vf, rf)
			return applyOrdering(cmp, op), nil
		}
	}

	vs, ok := value.(string)
	if ok {
		if vt, err := time.Parse(time.RFC3339Nano, vs); err == nil {
			if rt, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				cmp = cmpTime(vt, rt)
				return applyOrdering(cmp, op), nil
			}
		}
		cmp = strings.Compare(vs, raw)
		return applyOrdering(cmp, op), nil
	}

	return false, fmt.Errorf("%w: cannot order-compare value of type %T", ErrInvalidInput, value)
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

func applyOrdering(cmp int, op Op) bool {
	switch op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	default:
		return false
	}
}
