// Package envelope defines the unit of data carried from the upstream trade
// feed to local consumers, and the fixed set of categories an update is split
// into before fan-out.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Field is a single key/value pair used to build an Envelope.
type Field struct {
	Key   string
	Value any
}

// Envelope is an ordered mapping from field name to value. Values are
// strings, float64, bool, nil or nested JSON structures (map[string]any,
// []any). An Envelope is never modified after construction; callers must not
// mutate nested values returned by Get.
type Envelope struct {
	keys   []string
	values map[string]any
}

// New builds an Envelope from fields in order. A repeated key keeps its
// first position and takes the last value.
func New(fields ...Field) Envelope {
	e := Envelope{
		keys:   make([]string, 0, len(fields)),
		values: make(map[string]any, len(fields)),
	}
	for _, f := range fields {
		if _, ok := e.values[f.Key]; !ok {
			e.keys = append(e.keys, f.Key)
		}
		e.values[f.Key] = f.Value
	}
	return e
}

// Get returns the value stored under key.
func (e Envelope) Get(key string) (any, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Has reports whether key is present.
func (e Envelope) Has(key string) bool {
	_, ok := e.values[key]
	return ok
}

// Keys returns the field names in insertion order.
func (e Envelope) Keys() []string {
	out := make([]string, len(e.keys))
	copy(out, e.keys)
	return out
}

// Len returns the number of fields.
func (e Envelope) Len() int { return len(e.keys) }

// IsZero reports whether the envelope carries no fields.
func (e Envelope) IsZero() bool { return len(e.keys) == 0 }

// Range calls fn for each field in order until fn returns false.
func (e Envelope) Range(fn func(key string, value any) bool) {
	for _, k := range e.keys {
		if !fn(k, e.values[k]) {
			return
		}
	}
}

func (e Envelope) String() string {
	b, err := e.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("envelope(%d fields, unprintable: %v)", len(e.keys), err)
	}
	return string(b)
}

// MarshalJSON encodes the envelope as a JSON object in field order.
func (e Envelope) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range e.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(e.values[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping the source order of its
// top-level keys. Nested objects decode to map[string]any.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errNotObject
	}

	var fields []Field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected object key %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		fields = append(fields, Field{Key: key, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("trailing data after object")
	}

	*e = New(fields...)
	return nil
}
