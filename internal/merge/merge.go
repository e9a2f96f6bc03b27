package merge

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/timmy/harvest/internal/errors"
)

// Record is a package dictionary as decoded from JSON.
type Record map[string]interface{}

// Merge combines defaults with a harvested record. Keys missing from
// defaults are copied from harvested unchanged. For keys present in both:
//   - strings: the harvested value wins unless it is blank.
//   - lists: defaults first, then harvested, duplicates dropped keeping the
//     first occurrence.
//   - mappings: shallow union where harvested entries win.
//
// Any other default type is rejected with an error naming the key.
func Merge(defaults, harvested Record) (Record, error) {
	merged := make(Record, len(defaults)+len(harvested))
	for k, v := range harvested {
		merged[k] = v
	}

	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value, err := mergeValue(defaults[key], harvested[key])
		if err != nil {
			return nil, errors.Wrapf(err, "merge %s", key)
		}
		merged[key] = value
	}
	return merged, nil
}

func mergeValue(def, got interface{}) (interface{}, error) {
	if list, ok := asList(def); ok {
		if got == nil {
			return dedupe(list), nil
		}
		more, ok := asList(got)
		if !ok {
			return nil, errors.Newf("harvested value is %T, want a list", got)
		}
		return dedupe(append(append([]interface{}{}, list...), more...)), nil
	}

	if m, ok := asMap(def); ok {
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = v
		}
		if got == nil {
			return out, nil
		}
		more, ok := asMap(got)
		if !ok {
			return nil, errors.Newf("harvested value is %T, want a mapping", got)
		}
		for k, v := range more {
			out[k] = v
		}
		return out, nil
	}

	if s, ok := def.(string); ok {
		if blank(got) {
			return s, nil
		}
		return got, nil
	}

	return nil, errors.Newf("cannot merge default of type %T", def)
}

// blank reports whether a harvested scalar gives way to its string
// default: nil and whitespace-only strings do, zero numbers and false do not.
func blank(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func asList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []map[string]interface{}:
		out := make([]interface{}, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Record:
		return m, true
	case map[string]string:
		out := make(map[string]interface{}, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

// dedupe keeps the first occurrence of every item. Non-string items are
// compared by their JSON encoding, which sorts map keys.
func dedupe(items []interface{}) []interface{} {
	seen := make(map[string]struct{}, len(items))
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		key := dedupeKey(item)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

func dedupeKey(v interface{}) string {
	if s, ok := v.(string); ok {
		return "s:" + s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "?:" + err.Error()
	}
	return "j:" + string(b)
}
