// Package codec translates between the engine's typed variables and the
// executor's native value model. The engine side is a closed set of kinds;
// Decode and Encode are exhaustive over it, and decoding keeps enough raw
// material (serialized payloads, serialization formats) that encoding the
// result reproduces the original wire form for String, Long, Double,
// Boolean, Bytes, Json, Xml, File, Null and Object values. Dates are
// re-encoded as RFC 3339 at whole-second precision, so the engine's original
// timestamp layout and any fractional seconds are not kept; Integer and
// Short variables come back as Long, and a null of any type comes back as
// Null.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nativebpm/taskworker/internal/builder"
	"github.com/nativebpm/taskworker/internal/engine"
)

// Kind identifies one of the engine's variable types
type Kind string

// The engine's value domain
const (
	KindString  Kind = "String"
	KindLong    Kind = "Long"
	KindDouble  Kind = "Double"
	KindBoolean Kind = "Boolean"
	KindDate    Kind = "Date"
	KindBytes   Kind = "Bytes"
	KindJSON    Kind = "Json"
	KindXML     Kind = "Xml"
	KindFile    Kind = "File"
	KindNull    Kind = "Null"
	KindObject  Kind = "Object"
)

// DefaultJSONFormat is the serialization format stamped on inferred Json
// values and on decoded Json values that arrive without one.
const DefaultJSONFormat = "application/json"

// FileValue is the decoded form of a File variable
type FileValue struct {
	Filename string
	MimeType string
	Encoding string
	Data     []byte
}

// ObjectValue is the decoded form of an Object variable. Raw is the
// serialized payload exactly as received; Parsed is non-nil only when the
// serialization format is a JSON dialect.
type ObjectValue struct {
	Raw      string
	TypeName string
	Format   string
	Parsed   any
}

// JSONValue is the decoded form of a Json variable. Raw is preserved so the
// value re-encodes identically.
type JSONValue struct {
	Raw    string
	Format string
	Parsed any
}

// TypedValue is the decoded engine variable. Kind discriminates which of the
// payload fields is meaningful.
type TypedValue struct {
	Kind   Kind
	Str    string // String, Xml
	Long   int64
	Double float64
	Bool   bool
	Time   time.Time
	Bytes  []byte
	JSON   JSONValue
	File   FileValue
	Object ObjectValue
}

// StringValue creates a String typed value
func StringValue(s string) TypedValue { return TypedValue{Kind: KindString, Str: s} }

// LongValue creates a Long typed value
func LongValue(n int64) TypedValue { return TypedValue{Kind: KindLong, Long: n} }

// DoubleValue creates a Double typed value
func DoubleValue(f float64) TypedValue { return TypedValue{Kind: KindDouble, Double: f} }

// BooleanValue creates a Boolean typed value
func BooleanValue(b bool) TypedValue { return TypedValue{Kind: KindBoolean, Bool: b} }

// DateValue creates a Date typed value
func DateValue(t time.Time) TypedValue { return TypedValue{Kind: KindDate, Time: t} }

// BytesValue creates a Bytes typed value
func BytesValue(b []byte) TypedValue { return TypedValue{Kind: KindBytes, Bytes: b} }

// NullValue creates an explicit Null typed value, distinct from an absent
// variable
func NullValue() TypedValue { return TypedValue{Kind: KindNull} }

// XMLValue creates an Xml typed value
func XMLValue(s string) TypedValue { return TypedValue{Kind: KindXML, Str: s} }

// valueInfo is the wire shape of the engine's valueInfo attachment
type valueInfo struct {
	ObjectTypeName          string `json:"objectTypeName,omitempty"`
	SerializationDataFormat string `json:"serializationDataFormat,omitempty"`
	Filename                string `json:"filename,omitempty"`
	MimeType                string `json:"mimeType,omitempty"`
	Encoding                string `json:"encoding,omitempty"`
}

func decodeValueInfo(raw any) valueInfo {
	var vi valueInfo
	if raw == nil {
		return vi
	}
	// valueInfo arrives as map[string]any; round-trip through JSON rather
	// than hand-walking the map
	data, err := json.Marshal(raw)
	if err != nil {
		return vi
	}
	_ = json.Unmarshal(data, &vi)
	return vi
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string payload, got %T", v)
	}
	return s, nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected numeric payload, got %T", v)
	}
}

func asFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected numeric payload, got %T", v)
	}
}

// isJSONFormat reports whether a serialization format identifies a JSON
// dialect (e.g. "application/json", "application/json; charset=utf-8")
func isJSONFormat(format string) bool {
	return strings.Contains(strings.ToLower(format), "json")
}

// Decode translates a wire variable into a TypedValue. The wire kind fully
// determines how the payload is interpreted; unknown kinds are an error.
func Decode(v builder.Variable) (TypedValue, error) {
	vi := decodeValueInfo(v.ValueInfo)

	if v.Value == nil && Kind(v.Type) != KindNull {
		// The engine sends typed nulls for unset variables of known type
		return NullValue(), nil
	}

	switch Kind(v.Type) {
	case KindString:
		s, err := asString(v.Value)
		if err != nil {
			return TypedValue{}, fmt.Errorf("String: %w", err)
		}
		return StringValue(s), nil

	case KindLong, Kind("Integer"), Kind("Short"):
		n, err := asInt64(v.Value)
		if err != nil {
			return TypedValue{}, fmt.Errorf("%s: %w", v.Type, err)
		}
		return LongValue(n), nil

	case KindDouble:
		f, err := asFloat64(v.Value)
		if err != nil {
			return TypedValue{}, fmt.Errorf("Double: %w", err)
		}
		return DoubleValue(f), nil

	case KindBoolean:
		b, ok := v.Value.(bool)
		if !ok {
			return TypedValue{}, fmt.Errorf("Boolean: expected bool payload, got %T", v.Value)
		}
		return BooleanValue(b), nil

	case KindDate:
		s, err := asString(v.Value)
		if err != nil {
			return TypedValue{}, fmt.Errorf("Date: %w", err)
		}
		t, err := engine.ParseEngineTime(s)
		if err != nil {
			return TypedValue{}, fmt.Errorf("Date: failed to parse %q: %w", s, err)
		}
		return DateValue(t), nil

	case KindBytes:
		s, err := asString(v.Value)
		if err != nil {
			return TypedValue{}, fmt.Errorf("Bytes: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return TypedValue{}, fmt.Errorf("Bytes: failed to decode base64: %w", err)
		}
		return BytesValue(data), nil

	case KindJSON:
		s, err := asString(v.Value)
		if err != nil {
			return TypedValue{}, fmt.Errorf("Json: %w", err)
		}
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return TypedValue{}, fmt.Errorf("Json: failed to parse payload: %w", err)
		}
		format := vi.SerializationDataFormat
		if format == "" {
			format = DefaultJSONFormat
		}
		return TypedValue{Kind: KindJSON, JSON: JSONValue{Raw: s, Format: format, Parsed: parsed}}, nil

	case KindXML:
		s, err := asString(v.Value)
		if err != nil {
			return TypedValue{}, fmt.Errorf("Xml: %w", err)
		}
		return XMLValue(s), nil

	case KindFile:
		var data []byte
		if v.Value != nil {
			s, err := asString(v.Value)
			if err != nil {
				return TypedValue{}, fmt.Errorf("File: %w", err)
			}
			data, err = base64.StdEncoding.DecodeString(s)
			if err != nil {
				return TypedValue{}, fmt.Errorf("File: failed to decode base64: %w", err)
			}
		}
		return TypedValue{Kind: KindFile, File: FileValue{
			Filename: vi.Filename,
			MimeType: vi.MimeType,
			Encoding: vi.Encoding,
			Data:     data,
		}}, nil

	case KindNull:
		return NullValue(), nil

	case KindObject:
		s, err := asString(v.Value)
		if err != nil {
			return TypedValue{}, fmt.Errorf("Object: %w", err)
		}
		obj := ObjectValue{
			Raw:      s,
			TypeName: vi.ObjectTypeName,
			Format:   vi.SerializationDataFormat,
		}
		// Only recognized JSON dialects are parsed; anything else passes
		// through opaquely
		if isJSONFormat(obj.Format) {
			var parsed any
			if err := json.Unmarshal([]byte(s), &parsed); err != nil {
				return TypedValue{}, fmt.Errorf("Object: failed to parse %s payload: %w", obj.Format, err)
			}
			obj.Parsed = parsed
		}
		return TypedValue{Kind: KindObject, Object: obj}, nil

	default:
		return TypedValue{}, fmt.Errorf("unsupported variable type %q", v.Type)
	}
}

// Encode translates a TypedValue back into its wire form. Encode(Decode(v))
// reproduces v except for Date values (written as RFC 3339 with whole
// seconds), Integer/Short (written as Long) and typed nulls (written as Null).
func Encode(tv TypedValue) builder.Variable {
	switch tv.Kind {
	case KindString:
		return builder.Variable{Value: tv.Str, Type: string(KindString)}
	case KindLong:
		return builder.Variable{Value: tv.Long, Type: string(KindLong)}
	case KindDouble:
		return builder.Variable{Value: tv.Double, Type: string(KindDouble)}
	case KindBoolean:
		return builder.Variable{Value: tv.Bool, Type: string(KindBoolean)}
	case KindDate:
		return builder.Variable{Value: tv.Time.Format(time.RFC3339), Type: string(KindDate)}
	case KindBytes:
		return builder.Variable{Value: base64.StdEncoding.EncodeToString(tv.Bytes), Type: string(KindBytes)}
	case KindJSON:
		return builder.Variable{
			Value: tv.JSON.Raw,
			Type:  string(KindJSON),
			ValueInfo: map[string]any{
				"serializationDataFormat": tv.JSON.Format,
			},
		}
	case KindXML:
		return builder.Variable{Value: tv.Str, Type: string(KindXML)}
	case KindFile:
		return builder.Variable{
			Value: base64.StdEncoding.EncodeToString(tv.File.Data),
			Type:  string(KindFile),
			ValueInfo: map[string]any{
				"filename": tv.File.Filename,
				"mimeType": tv.File.MimeType,
				"encoding": tv.File.Encoding,
			},
		}
	case KindNull:
		return builder.Variable{Value: nil, Type: string(KindNull)}
	case KindObject:
		return builder.Variable{
			Value: tv.Object.Raw,
			Type:  string(KindObject),
			ValueInfo: map[string]any{
				"objectTypeName":          tv.Object.TypeName,
				"serializationDataFormat": tv.Object.Format,
			},
		}
	default:
		// Unreachable for values produced by this package
		return builder.Variable{Value: nil, Type: string(KindNull)}
	}
}

// Native returns the executor-facing representation of a TypedValue: the
// form written into the workspace inputs file.
func Native(tv TypedValue) any {
	switch tv.Kind {
	case KindString, KindXML:
		return tv.Str
	case KindLong:
		return tv.Long
	case KindDouble:
		return tv.Double
	case KindBoolean:
		return tv.Bool
	case KindDate:
		return tv.Time.Format(time.RFC3339)
	case KindBytes:
		return base64.StdEncoding.EncodeToString(tv.Bytes)
	case KindJSON:
		return tv.JSON.Parsed
	case KindFile:
		return map[string]any{
			"filename": tv.File.Filename,
			"mimeType": tv.File.MimeType,
			"encoding": tv.File.Encoding,
			"base64":   base64.StdEncoding.EncodeToString(tv.File.Data),
		}
	case KindNull:
		return nil
	case KindObject:
		if tv.Object.Parsed != nil {
			return tv.Object.Parsed
		}
		return tv.Object.Raw
	default:
		return nil
	}
}

// Infer builds a TypedValue from a native value by shape. Used for executor
// outputs that carry no explicit kind tag. Numbers decoded with
// json.Decoder.UseNumber keep the integer/floating distinction.
func Infer(v any) TypedValue {
	switch n := v.(type) {
	case nil:
		return NullValue()
	case bool:
		return BooleanValue(n)
	case int:
		return LongValue(int64(n))
	case int64:
		return LongValue(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return LongValue(i)
		}
		f, _ := n.Float64()
		return DoubleValue(f)
	case float64:
		return DoubleValue(n)
	case time.Time:
		return DateValue(n)
	case []byte:
		return BytesValue(n)
	case string:
		return StringValue(n)
	default:
		// Generic trees become Json with the default format
		raw, err := json.Marshal(normalizeNumbers(v))
		if err != nil {
			return StringValue(fmt.Sprintf("%v", v))
		}
		var parsed any
		_ = json.Unmarshal(raw, &parsed)
		return TypedValue{Kind: KindJSON, JSON: JSONValue{Raw: string(raw), Format: DefaultJSONFormat, Parsed: parsed}}
	}
}

// normalizeNumbers rewrites json.Number leaves so trees marshal cleanly
func normalizeNumbers(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		f, _ := n.Float64()
		return f
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[k] = normalizeNumbers(e)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalizeNumbers(e)
		}
		return out
	default:
		return v
	}
}

// FromNative builds a TypedValue of an explicitly requested kind from a
// native value. Used for executor outputs tagged {"type": ..., "value": ...}.
func FromNative(kind Kind, v any) (TypedValue, error) {
	switch kind {
	case KindString:
		s, err := asString(v)
		if err != nil {
			return TypedValue{}, err
		}
		return StringValue(s), nil
	case KindLong:
		n, err := asInt64(v)
		if err != nil {
			return TypedValue{}, err
		}
		return LongValue(n), nil
	case KindDouble:
		f, err := asFloat64(v)
		if err != nil {
			return TypedValue{}, err
		}
		return DoubleValue(f), nil
	case KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return TypedValue{}, fmt.Errorf("expected bool payload, got %T", v)
		}
		return BooleanValue(b), nil
	case KindDate:
		s, err := asString(v)
		if err != nil {
			return TypedValue{}, err
		}
		t, err := engine.ParseEngineTime(s)
		if err != nil {
			return TypedValue{}, err
		}
		return DateValue(t), nil
	case KindBytes:
		s, err := asString(v)
		if err != nil {
			return TypedValue{}, err
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return TypedValue{}, err
		}
		return BytesValue(data), nil
	case KindJSON:
		raw, err := json.Marshal(normalizeNumbers(v))
		if err != nil {
			return TypedValue{}, err
		}
		var parsed any
		_ = json.Unmarshal(raw, &parsed)
		return TypedValue{Kind: KindJSON, JSON: JSONValue{Raw: string(raw), Format: DefaultJSONFormat, Parsed: parsed}}, nil
	case KindXML:
		s, err := asString(v)
		if err != nil {
			return TypedValue{}, err
		}
		return XMLValue(s), nil
	case KindNull:
		return NullValue(), nil
	default:
		return TypedValue{}, fmt.Errorf("unsupported output type %q", kind)
	}
}

// EncodedSize returns the wire size of a variable in bytes, used to decide
// whether an output can be inlined into a completion request.
func EncodedSize(v builder.Variable) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
