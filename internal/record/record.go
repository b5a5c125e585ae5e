// Package record reads and writes values in dynamically shaped records
// using dotted paths such as "contact.addresses[0].city".
package record

import (
	"strconv"
	"strings"
)

// Record is a connector record: field name to value, possibly nested.
// Nested objects are Records or map[string]any, arrays are []any.
type Record = map[string]any

type segment struct {
	name    string
	index   int
	indexed bool
}

// parseSegment splits "items[3]" into name "items" and index 3. A segment
// without a well-formed trailing index is a plain key.
func parseSegment(s string) segment {
	if !strings.HasSuffix(s, "]") {
		return segment{name: s}
	}
	open := strings.LastIndexByte(s, '[')
	if open < 0 {
		return segment{name: s}
	}
	digits := s[open+1 : len(s)-1]
	if digits == "" {
		return segment{name: s}
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return segment{name: s}
		}
	}
	idx, err := strconv.Atoi(digits)
	if err != nil {
		return segment{name: s}
	}
	return segment{name: s[:open], index: idx, indexed: true}
}

func parsePath(path string) []segment {
	parts := strings.Split(path, ".")
	segs := make([]segment, len(parts))
	for i, p := range parts {
		segs[i] = parseSegment(p)
	}
	return segs
}

// Get returns the value at path. The boolean reports whether the value is
// present; a JSON null stored at path is reported as (nil, true).
func Get(rec map[string]any, path string) (any, bool) {
	if rec == nil || path == "" {
		return nil, false
	}
	var current any = rec
	for _, seg := range parsePath(path) {
		obj, ok := asMap(current)
		if !ok {
			return nil, false
		}
		next, ok := obj[seg.name]
		if !ok {
			return nil, false
		}
		if seg.indexed {
			arr, ok := next.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			next = arr[seg.index]
		}
		current = next
	}
	return current, true
}

// Lookup is Get without the presence flag.
func Lookup(rec map[string]any, path string) any {
	v, _ := Get(rec, path)
	return v
}

// Set writes value at path, creating intermediate objects and arrays as
// needed. A nil record or an empty path is a no-op.
func Set(rec map[string]any, path string, value any) {
	if rec == nil || path == "" {
		return
	}
	segs := parsePath(path)
	current := rec
	for i, seg := range segs {
		last := i == len(segs)-1
		if !seg.indexed {
			if last {
				current[seg.name] = value
				return
			}
			child, ok := asMap(current[seg.name])
			if !ok {
				child = map[string]any{}
				current[seg.name] = child
			}
			current = child
			continue
		}
		arr, _ := current[seg.name].([]any)
		for len(arr) <= seg.index {
			arr = append(arr, nil)
		}
		current[seg.name] = arr
		if last {
			arr[seg.index] = value
			return
		}
		child, ok := asMap(arr[seg.index])
		if !ok {
			child = map[string]any{}
			arr[seg.index] = child
		}
		current = child
	}
}

// Clone returns a deep copy of maps and slices reachable from rec.
func Clone(rec map[string]any) map[string]any {
	if rec == nil {
		return nil
	}
	return cloneValue(rec).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok && m != nil
}
