package model

import (
	"encoding/json"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

// ValueKind identifies which field of a Value is populated.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindInt    ValueKind = "int"
	KindFloat  ValueKind = "float"
	KindBool   ValueKind = "bool"
	// KindJSON holds pre-serialized structured data in Str.
	KindJSON ValueKind = "json"
)

// Value is a single attribute value. It is a closed variant: exactly one of
// the payload fields is meaningful, selected by Kind.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
}

func String(s string) Value     { return Value{Kind: KindString, Str: s} }
func Int(i int64) Value         { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value     { return Value{Kind: KindFloat, Float: f} }
func Bool(b bool) Value         { return Value{Kind: KindBool, Bool: b} }
func JSON(encoded string) Value { return Value{Kind: KindJSON, Str: encoded} }

// ValueOf converts an arbitrary Go value. Anything that is not a scalar is
// JSON-encoded; values that cannot be encoded fall back to fmt formatting.
func ValueOf(v any) Value {
	switch x := v.(type) {
	case Value:
		return x
	case string:
		return String(x)
	case bool:
		return Bool(x)
	case int:
		return Int(int64(x))
	case int8:
		return Int(int64(x))
	case int16:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case uint8:
		return Int(int64(x))
	case uint16:
		return Int(int64(x))
	case uint32:
		return Int(int64(x))
	case float32:
		return Float(float64(x))
	case float64:
		return Float(x)
	case json.RawMessage:
		return JSON(string(x))
	}
	return JSON(EncodeJSON(v))
}

// EncodeJSON serializes v, falling back to its fmt representation when v is
// not JSON-encodable (channels, funcs, cyclic values).
func EncodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// FromAttribute converts an OTel attribute value. Slice values are kept as
// their JSON encoding.
func FromAttribute(v attribute.Value) Value {
	switch v.Type() {
	case attribute.STRING:
		return String(v.AsString())
	case attribute.INT64:
		return Int(v.AsInt64())
	case attribute.FLOAT64:
		return Float(v.AsFloat64())
	case attribute.BOOL:
		return Bool(v.AsBool())
	case attribute.INVALID:
		return String("")
	default:
		return JSON(EncodeJSON(v.AsInterface()))
	}
}

// Attribute converts v back into an OTel key/value pair. JSON values become
// string attributes carrying the encoded document.
func (v Value) Attribute(key string) attribute.KeyValue {
	switch v.Kind {
	case KindInt:
		return attribute.Int64(key, v.Int)
	case KindFloat:
		return attribute.Float64(key, v.Float)
	case KindBool:
		return attribute.Bool(key, v.Bool)
	default:
		return attribute.String(key, v.Str)
	}
}

// AsAny returns the payload as a plain Go value.
func (v Value) AsAny() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	case KindJSON:
		return json.RawMessage(v.Str)
	default:
		return v.Str
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

type wireValue struct {
	Type  ValueKind       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value with an explicit type tag so that integers
// and JSON documents survive a round trip.
func (v Value) MarshalJSON() ([]byte, error) {
	kind := v.Kind
	if kind == "" {
		kind = KindString
	}
	var (
		payload []byte
		err     error
	)
	switch kind {
	case KindInt:
		payload = []byte(strconv.FormatInt(v.Int, 10))
	case KindFloat:
		payload, err = json.Marshal(v.Float)
	case KindBool:
		payload = []byte(strconv.FormatBool(v.Bool))
	default:
		payload, err = json.Marshal(v.Str)
	}
	if err != nil {
		return nil, fmt.Errorf("model: marshal %s value: %w", kind, err)
	}
	return json.Marshal(wireValue{Type: kind, Value: payload})
}

// UnmarshalJSON decodes the tagged form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("model: unmarshal value: %w", err)
	}
	out := Value{Kind: w.Type}
	var err error
	switch w.Type {
	case KindInt:
		err = json.Unmarshal(w.Value, &out.Int)
	case KindFloat:
		err = json.Unmarshal(w.Value, &out.Float)
	case KindBool:
		err = json.Unmarshal(w.Value, &out.Bool)
	case KindString, KindJSON:
		err = json.Unmarshal(w.Value, &out.Str)
	default:
		return fmt.Errorf("model: unknown value type %q", w.Type)
	}
	if err != nil {
		return fmt.Errorf("model: unmarshal %s value: %w", w.Type, err)
	}
	*v = out
	return nil
}

// Attributes converts an OTel attribute list into a value map.
func Attributes(kvs []attribute.KeyValue) map[string]Value {
	out := make(map[string]Value, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = FromAttribute(kv.Value)
	}
	return out
}

// KeyValues converts a value map back into OTel attributes.
func KeyValues(m map[string]Value) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		out = append(out, v.Attribute(k))
	}
	return out
}
