// Package opt distinguishes a field that was explicitly provided (possibly
// with a zero or null value) from a field that was omitted altogether.
package opt

import (
	"bytes"
	"encoding/json"
)

// Field holds an optional value. Set is true whenever the field appeared in
// the decoded document, including an explicit null.
type Field[T any] struct {
	Value T
	Set   bool
}

// Some returns a provided field carrying v.
func Some[T any](v T) Field[T] {
	return Field[T]{Value: v, Set: true}
}

// Get returns the value and whether it was provided.
func (f Field[T]) Get() (T, bool) {
	return f.Value, f.Set
}

// Or returns the value if provided, otherwise def.
func (f Field[T]) Or(def T) T {
	if f.Set {
		return f.Value
	}
	return def
}

// IsZero reports whether the field was omitted. encoding/json consults it for
// the omitzero tag option.
func (f Field[T]) IsZero() bool {
	return !f.Set
}

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.Set {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

func (f *Field[T]) UnmarshalJSON(data []byte) error {
	f.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		var zero T
		f.Value = zero
		return nil
	}
	return json.Unmarshal(data, &f.Value)
}
