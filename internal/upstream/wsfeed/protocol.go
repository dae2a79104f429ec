package wsfeed

import (
	"bytes"
	"encoding/json"

	"github.com/tradebridge/tradebridge/internal/envelope"
)

// Frame operations.
const (
	OpAuth        = "auth"
	OpOK          = "ok"
	OpError       = "error"
	OpSubscribe   = "subscribe"
	OpSubOK       = "subok"
	OpUpdate      = "update"
	OpUnsubscribe = "unsubscribe"
)

// Frame is one JSON message on the push connection, in either direction.
type Frame struct {
	Op       string            `json:"op"`
	ID       string            `json:"id,omitempty"`
	User     string            `json:"user,omitempty"`
	Password string            `json:"password,omitempty"`
	Mode     string            `json:"mode,omitempty"`
	Items    []string          `json:"items,omitempty"`
	Fields   []string          `json:"fields,omitempty"`
	Item     string            `json:"item,omitempty"`
	Values   []json.RawMessage `json:"values,omitempty"`
	Error    string            `json:"error,omitempty"`
}

var jsonNull = []byte("null")

// fieldMap pairs positional update values with the subscription's field
// names. A null or missing value leaves the field out. String values are
// unquoted; anything else is kept as raw JSON so its key order survives.
func fieldMap(fields []string, values []json.RawMessage) envelope.Envelope {
	out := make([]envelope.Field, 0, len(fields))
	for i, name := range fields {
		if i >= len(values) {
			break
		}
		raw := bytes.TrimSpace(values[i])
		if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
			continue
		}
		if raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				out = append(out, envelope.Field{Key: name, Value: s})
				continue
			}
		}
		out = append(out, envelope.Field{Key: name, Value: json.RawMessage(raw)})
	}
	return envelope.New(out...)
}
