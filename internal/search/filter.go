// Package search narrows the corpus by metadata and retrieves the nearest
// chunks under a one-chunk-per-course diversity constraint.
package search

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/knoguchi/syllabus/internal/corpus"
)

var (
	// ErrInvalidTopK is returned when top_k is not positive.
	ErrInvalidTopK = errors.New("top_k must be positive")

	// ErrInvalidFilter is returned for a metadata filter of the wrong shape.
	ErrInvalidFilter = errors.New("invalid metadata filter")

	// ErrNoCourses is returned when the corpus has no course to diversify over.
	ErrNoCourses = errors.New("corpus has no courses")
)

// SlotKey is the filter key whose value is a list of schedule slot tokens.
const SlotKey = corpus.KeySchedule

// Filter is a conjunctive metadata constraint. Every Fields entry must match
// exactly; Slots match when any token is a substring of the record's schedule.
type Filter struct {
	Fields map[string]string
	Slots  []string
}

// IsEmpty reports whether the filter constrains nothing.
func (f Filter) IsEmpty() bool {
	return len(f.Fields) == 0 && len(f.Slots) == 0
}

// Matches reports whether md satisfies the filter.
func (f Filter) Matches(md corpus.Metadata) bool {
	for k, want := range f.Fields {
		got, ok := md[k]
		if !ok || got != want {
			return false
		}
	}

	if len(f.Slots) == 0 {
		return true
	}
	schedule, ok := md[SlotKey]
	if !ok {
		return false
	}
	for _, slot := range f.Slots {
		if strings.Contains(schedule, slot) {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts a flat object. The schedule key takes a list of
// strings or a single string; other keys take a string, number or bool.
func (f *Filter) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = Filter{}
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}

	out := Filter{}
	for key, value := range raw {
		if key == SlotKey {
			slots, err := decodeSlots(value)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidFilter, key, err)
			}
			out.Slots = slots
			continue
		}

		s, err := decodeScalar(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidFilter, key, err)
		}
		if out.Fields == nil {
			out.Fields = make(map[string]string, len(raw))
		}
		out.Fields[key] = s
	}

	*f = out
	return nil
}

// MarshalJSON writes the flat object form read by UnmarshalJSON.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(f.Fields)+1)
	for k, v := range f.Fields {
		m[k] = v
	}
	if len(f.Slots) > 0 {
		m[SlotKey] = f.Slots
	}
	return json.Marshal(m)
}

func decodeSlots(value json.RawMessage) ([]string, error) {
	var list []string
	if err := json.Unmarshal(value, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(value, &single); err == nil {
		return []string{single}, nil
	}
	return nil, errors.New("expected a string or a list of strings")
}

func decodeScalar(value json.RawMessage) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}

	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("expected a scalar, got %s", kind(v))
	}
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Apply returns the ids of every chunk matching f, in insertion order.
func Apply(f Filter, store *corpus.Store) []int {
	ids := make([]int, 0, store.Len())
	for _, c := range store.Chunks() {
		if f.IsEmpty() || f.Matches(c.Metadata) {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// String renders the filter deterministically for logs.
func (f Filter) String() string {
	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, k+"="+f.Fields[k])
	}
	if len(f.Slots) > 0 {
		parts = append(parts, SlotKey+"~"+strings.Join(f.Slots, "|"))
	}
	return strings.Join(parts, ",")
}
