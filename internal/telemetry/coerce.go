package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Coercion records one field that was defaulted or converted on ingestion.
type Coercion struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// reader pulls typed values out of a decoded JSON object and records every
// conversion it had to make.
type reader struct {
	coercions []Coercion
}

func (r *reader) note(field, format string, args ...any) {
	r.coercions = append(r.coercions, Coercion{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// lookup returns the first present key among the accepted spellings.
func lookup(m map[string]any, keys ...string) (any, string, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, k, true
		}
	}
	return nil, "", false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

// asBool accepts real booleans plus the numeric and string spellings
// clients send ("1", 0, "yes").
func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		if t == 0 || t == 1 {
			return t == 1, true
		}
	case json.Number:
		if f, err := t.Float64(); err == nil && (f == 0 || f == 1) {
			return f == 1, true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "t", "true", "y", "yes":
			return true, true
		case "0", "f", "false", "n", "no", "":
			return false, true
		}
	}
	return false, false
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asList(v any) ([]any, bool) {
	l, ok := v.([]any)
	return l, ok
}

func (r *reader) float(m map[string]any, path string, def float64, keys ...string) float64 {
	v, key, ok := lookup(m, keys...)
	if !ok {
		return def
	}
	f, ok := asFloat(v)
	if !ok {
		r.note(path+"."+key, "expected number, got %T; using %v", v, def)
		return def
	}
	if _, native := v.(float64); !native {
		r.note(path+"."+key, "converted %T to number", v)
	}
	return f
}

func (r *reader) str(m map[string]any, path string, def string, keys ...string) string {
	v, key, ok := lookup(m, keys...)
	if !ok {
		return def
	}
	s, ok := asString(v)
	if !ok {
		r.note(path+"."+key, "expected string, got %T; using %q", v, def)
		return def
	}
	if _, native := v.(string); !native {
		r.note(path+"."+key, "converted %T to string", v)
	}
	return strings.TrimSpace(s)
}

func (r *reader) boolean(m map[string]any, path string, def bool, keys ...string) bool {
	v, key, ok := lookup(m, keys...)
	if !ok {
		return def
	}
	b, ok := asBool(v)
	if !ok {
		r.note(path+"."+key, "expected boolean, got %v; using %v", v, def)
		return def
	}
	if _, native := v.(bool); !native {
		r.note(path+"."+key, "converted %v to boolean", v)
	}
	return b
}

// object returns the sub-object at keys. A present value of the wrong type
// is reported as degraded instead of failing.
func (r *reader) object(m map[string]any, path string, keys ...string) (obj map[string]any, present bool) {
	v, key, ok := lookup(m, keys...)
	if !ok {
		return nil, false
	}
	obj, ok = asMap(v)
	if !ok {
		r.note(path+"."+key, "expected object, got %T; signal degraded", v)
		return nil, true
	}
	return obj, true
}

func (r *reader) strings(m map[string]any, path string, keys ...string) []string {
	v, key, ok := lookup(m, keys...)
	if !ok {
		return nil
	}
	list, ok := asList(v)
	if !ok {
		if s, isStr := v.(string); isStr {
			r.note(path+"."+key, "split comma separated string into list")
			return splitTrim(s)
		}
		r.note(path+"."+key, "expected list, got %T; ignored", v)
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := asString(item); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (r *reader) ints(m map[string]any, path string, keys ...string) []int {
	v, key, ok := lookup(m, keys...)
	if !ok {
		return nil
	}
	list, ok := asList(v)
	if !ok {
		r.note(path+"."+key, "expected list, got %T; ignored", v)
		return nil
	}
	out := make([]int, 0, len(list))
	for _, item := range list {
		if f, ok := asFloat(item); ok {
			out = append(out, int(f))
		}
	}
	return out
}

// timestampMs reads a timestamp given as epoch milliseconds, a numeric
// string or an RFC 3339 string.
func (r *reader) timestampMs(m map[string]any, path string, keys ...string) (float64, bool) {
	v, key, ok := lookup(m, keys...)
	if !ok {
		return 0, false
	}
	if f, ok := asFloat(v); ok {
		if _, native := v.(float64); !native {
			r.note(path+"."+key, "converted %T to number", v)
		}
		return f, true
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
			return float64(t.UnixNano()) / 1e6, true
		}
	}
	r.note(path+"."+key, "unparseable timestamp %v", v)
	return 0, false
}

func (r *reader) time(m map[string]any, path string, keys ...string) time.Time {
	ms, ok := r.timestampMs(m, path, keys...)
	if !ok || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
