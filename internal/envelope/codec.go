package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var errNotObject = errors.New("payload is not a JSON object")

// SerializationError reports a failure to encode or decode one category's
// payload. It never affects sibling categories of the same update.
type SerializationError struct {
	Category Category
	Op       string // "encode" or "decode"
	Err      error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s %s payload: %v", e.Op, e.Category, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Encode serializes a category value for publishing. The upstream delivers
// category values as JSON object text; such strings are published verbatim.
// Structured values are marshalled. Anything that is not a JSON object fails.
func Encode(c Category, value any) ([]byte, error) {
	var b []byte
	switch v := value.(type) {
	case string:
		b = bytes.TrimSpace([]byte(v))
	case []byte:
		b = bytes.TrimSpace(v)
	case json.RawMessage:
		b = bytes.TrimSpace(v)
	default:
		var err error
		b, err = json.Marshal(v)
		if err != nil {
			return nil, &SerializationError{Category: c, Op: "encode", Err: err}
		}
	}
	if !isObject(b) {
		return nil, &SerializationError{Category: c, Op: "encode", Err: errNotObject}
	}
	return b, nil
}

// Decode parses a published payload back into an Envelope.
func Decode(c Category, payload []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return Envelope{}, &SerializationError{Category: c, Op: "decode", Err: err}
	}
	return e, nil
}

func isObject(b []byte) bool {
	return len(b) > 0 && b[0] == '{' && json.Valid(b)
}

// Equal compares two decoded values exactly. Numbers compare by value across
// integer and float kinds, since decoded JSON numbers are float64.
func Equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
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
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
