package sync

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"
)

// Reserved payload fields.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
	FieldUserID    = "user_id"
)

// MaxPayloadDepth bounds nesting of maps and lists inside a payload.
const MaxPayloadDepth = 8

// Payload is a record document: field name to value. Values are limited to
// string, number (float64, json.Number or Go integer kinds), bool, nil,
// nested Payload/map[string]any and lists of those kinds.
type Payload map[string]any

// Validate reports the first value whose kind is not serializable.
func (p Payload) Validate() error {
	for k, v := range p {
		if err := validateValue(k, v, 1); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, v any, depth int) error {
	if depth > MaxPayloadDepth {
		return fmt.Errorf("%s: nesting exceeds %d levels", path, MaxPayloadDepth)
	}
	switch val := v.(type) {
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return nil
	case float32:
		return validateFloat(path, float64(val))
	case float64:
		return validateFloat(path, val)
	case Payload:
		return validateMap(path, val, depth)
	case map[string]any:
		return validateMap(path, val, depth)
	case []any:
		for i, item := range val {
			if err := validateValue(fmt.Sprintf("%s[%d]", path, i), item, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%s: unsupported value type %T", path, v)
	}
}

func validateFloat(path string, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%s: number must be finite", path)
	}
	return nil
}

func validateMap(path string, m map[string]any, depth int) error {
	for k, v := range m {
		if err := validateValue(path+"."+k, v, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of p. A nil payload clones to an empty one.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Payload:
		return val.Clone()
	case map[string]any:
		return Payload(val).Clone()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Timestamp parses the named field as a timestamp.
func (p Payload) Timestamp(field string) (time.Time, bool) {
	v, ok := p[field]
	if !ok {
		return time.Time{}, false
	}
	return ParseTimestamp(v)
}

// ParseTimestamp accepts RFC 3339 strings (with or without fractional seconds)
// and Unix seconds as a number.
func ParseTimestamp(v any) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999Z07:00"} {
			if t, err := time.Parse(layout, val); err == nil {
				return t.UTC(), true
			}
		}
	case float64:
		sec, frac := math.Modf(val)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	case int64:
		return time.Unix(val, 0).UTC(), true
	case int:
		return time.Unix(int64(val), 0).UTC(), true
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return ParseTimestamp(f)
		}
	case time.Time:
		return val.UTC(), true
	}
	return time.Time{}, false
}

// FormatTimestamp renders t the way documents store timestamps.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Reflects reports whether every field in desired already holds the same
// value in p.
func (p Payload) Reflects(desired Payload) bool {
	for k, want := range desired {
		got, ok := p[k]
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two payload values after JSON normalization, so an
// int 3 and a decoded float64 3 compare equal.
func ValuesEqual(a, b any) bool {
	na, errA := normalize(a)
	nb, errB := normalize(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodePayload decodes a JSON document. Empty input yields an empty payload.
func DecodePayload(raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return Payload{}, nil
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}

// Encode marshals the payload. A nil payload encodes as "{}".
func (p Payload) Encode() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}
