// Package options provides the immutable option sets attached to model and
// analysis configurations.
//
// A Set maps option names to scalar or nested values. Every operation that
// changes a set returns a new one, so a set handed out from a cache can be
// shared freely between experiments.
package options

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Facet names one of the option categories of a run.
type Facet string

const (
	// FacetCompiler holds options passed to the model compiler.
	FacetCompiler Facet = "compiler"

	// FacetRuntime holds options for the compiled unit at runtime.
	FacetRuntime Facet = "runtime"

	// FacetSimulation holds options of the analysis routine.
	FacetSimulation Facet = "simulation"

	// FacetSolver holds options of the numerical solver.
	FacetSolver Facet = "solver"
)

// Validate checks if the facet is known.
func (f Facet) Validate() error {
	switch f {
	case FacetCompiler, FacetRuntime, FacetSimulation, FacetSolver:
		return nil
	default:
		return fmt.Errorf("invalid option facet: %s", f)
	}
}

// Set is an immutable option set. The zero value is an empty set.
type Set struct {
	values map[string]any
}

// New builds a set from values. The input is deep-copied and numbers are
// normalised to float64 so that sets read back from JSON compare equal to
// sets built in code.
func New(values map[string]any) Set {
	if len(values) == 0 {
		return Set{}
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = normalize(v)
	}
	return Set{values: out}
}

// Empty returns the empty set.
func Empty() Set {
	return Set{}
}

// Of builds a set from alternating key/value pairs.
func Of(pairs ...any) Set {
	if len(pairs)%2 != 0 {
		panic("options.Of: odd number of arguments")
	}
	m := make(map[string]any, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("options.Of: key %v is not a string", pairs[i]))
		}
		m[key] = pairs[i+1]
	}
	return New(m)
}

// Len returns the number of options in the set.
func (s Set) Len() int {
	return len(s.values)
}

// IsEmpty reports whether the set holds no options.
func (s Set) IsEmpty() bool {
	return len(s.values) == 0
}

// Get returns a copy of the value stored under key.
func (s Set) Get(key string) (any, bool) {
	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return normalize(v), true
}

// Has reports whether key is present.
func (s Set) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Keys returns the option names in sorted order.
func (s Set) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a deep copy of the options as a plain map. It never returns nil.
func (s Set) Map() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = normalize(v)
	}
	return out
}

// Merge returns a new set holding the options of s overwritten key by key
// with the options of over. Nested values are replaced, not merged.
func (s Set) Merge(over Set) Set {
	if over.IsEmpty() {
		return s
	}
	if s.IsEmpty() {
		return over
	}
	out := make(map[string]any, len(s.values)+len(over.values))
	for k, v := range s.values {
		out[k] = v
	}
	for k, v := range over.values {
		out[k] = v
	}
	return Set{values: out}
}

// With returns a new set with key set to value.
func (s Set) With(key string, value any) Set {
	out := make(map[string]any, len(s.values)+1)
	for k, v := range s.values {
		out[k] = v
	}
	out[key] = normalize(value)
	return Set{values: out}
}

// Without returns a new set with the given keys removed.
func (s Set) Without(keys ...string) Set {
	if len(keys) == 0 || s.IsEmpty() {
		return s
	}
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	if len(out) == 0 {
		return Set{}
	}
	return Set{values: out}
}

// Equal reports whether both sets hold the same options.
func (s Set) Equal(other Set) bool {
	if len(s.values) != len(other.values) {
		return false
	}
	for k, v := range s.values {
		ov, ok := other.values[k]
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}

// String renders the set as compact JSON.
func (s Set) String() string {
	data, err := s.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("%v", s.values)
	}
	return string(data)
}

// MarshalJSON encodes the set as a JSON object. The empty set encodes as {}.
func (s Set) MarshalJSON() ([]byte, error) {
	if s.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.values)
}

// UnmarshalJSON decodes a JSON object into the set. null yields the empty set.
func (s *Set) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = Set{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("option set must be a JSON object: %w", err)
	}
	*s = New(m)
	return nil
}

// normalize deep-copies v, converting numbers to float64 and typed maps and
// slices to map[string]any and []any.
func normalize(v any) any {
	switch val := v.(type) {
	case nil, bool, string, float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case Set:
		return val.Map()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalize(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	default:
		return v
	}
}
