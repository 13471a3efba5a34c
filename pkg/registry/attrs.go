package registry

import (
	"encoding/json"
	"fmt"
)

// Attrs is a tagged-variant attribute bag for the free-form labels/metadata
// columns. The registry's source persistence layer round-trips heterogeneous
// values (strings, integers, lists, nested maps) through a single envelope;
// Attrs is the typed Go equivalent, backed by jsonb at the store layer.
// Call sites decode into plain typed fields rather than carrying Attrs
// through application logic.
type Attrs map[string]any

// Attrs has no driver.Valuer of its own: store.go encodes it to []byte
// with MarshalAttrs for the jsonb column and decodes it back with
// UnmarshalAttrs.

// String returns the string value at key, or ok=false if absent or not a string.
func (a Attrs) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns the integer value at key, or ok=false if absent or not numeric.
// JSON numbers decode as float64; Int truncates toward zero.
func (a Attrs) Int(key string) (int, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// Bool returns the boolean value at key, or ok=false if absent or not a bool.
func (a Attrs) Bool(key string) (bool, bool) {
	v, ok := a[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// List returns the list value at key, or ok=false if absent or not a list.
func (a Attrs) List(key string) ([]any, bool) {
	v, ok := a[key]
	if !ok {
		return nil, false
	}
	l, ok := v.([]any)
	return l, ok
}

// Map returns the nested map value at key, or ok=false if absent or not a map.
func (a Attrs) Map(key string) (Attrs, bool) {
	v, ok := a[key]
	if !ok {
		return nil, false
	}
	switch m := v.(type) {
	case Attrs:
		return m, true
	case map[string]any:
		return Attrs(m), true
	default:
		return nil, false
	}
}

// MarshalAttrs serializes Attrs to its jsonb wire form.
func MarshalAttrs(a Attrs) ([]byte, error) {
	if a == nil {
		a = Attrs{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshaling attrs: %w", err)
	}
	return b, nil
}

// UnmarshalAttrs decodes Attrs from its jsonb wire form. Empty input yields
// an empty, non-nil Attrs.
func UnmarshalAttrs(raw []byte) (Attrs, error) {
	if len(raw) == 0 {
		return Attrs{}, nil
	}
	var a Attrs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("unmarshaling attrs: %w", err)
	}
	if a == nil {
		a = Attrs{}
	}
	return a, nil
}
