package remote

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

// Matches reports whether fields satisfies every filter of q. Filters on
// FieldDocumentID never match; use MatchesDocument for those.
func (q Query) Matches(fields map[string]any) bool {
	return q.MatchesDocument("", fields)
}

// MatchesDocument reports whether the document id with fields satisfies
// every filter of q.
func (q Query) MatchesDocument(id string, fields map[string]any) bool {
	for _, f := range q.Filters {
		if !f.matches(id, fields) {
			return false
		}
	}
	return true
}

func (f Filter) matches(id string, fields map[string]any) bool {
	v, ok := fields[f.Field]
	if f.Field == FieldDocumentID {
		v, ok = id, id != ""
	}
	if !ok {
		return false
	}
	switch f.Op {
	case OpEq:
		return ValuesEqual(v, f.Value)
	case OpArrayContains:
		for _, elem := range asSlice(v) {
			if ValuesEqual(elem, f.Value) {
				return true
			}
		}
		return false
	case OpIn:
		for _, candidate := range asSlice(f.Value) {
			if ValuesEqual(v, candidate) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// ValuesEqual compares two field values the way the store does: numbers
// compare by value across Go numeric types, strings compare exactly, and a
// string never equals a number.
func ValuesEqual(a, b any) bool {
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		return ok && an == bn
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// copyFields deep-copies fields into plain JSON types so stored documents
// never alias caller memory.
func copyFields(fields map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeID renders a numeric id in its canonical decimal string form so it
// can be compared against document ids, which are always strings.
func normalizeID(v any) string {
	if n, ok := toNumber(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
