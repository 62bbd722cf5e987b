// Package codec serializes structured payloads canonically before they are
// sealed, and restores them exactly after opening.
//
// A payload is a tree of map[string]any, []any, string, bool, nil, numbers
// and []byte. Byte arrays are written as {"__type":"bytes","value":"0x.."} so
// they stay distinct from hex strings. A map that happens to carry a
// "__type" key is wrapped as {"__type":"map","value":{...}}. Map keys are
// sorted and the output is compact, so equal payloads give equal bytes.
// Numbers decode as json.Number. A nil byte slice is written as "0x" and
// decodes as an empty, non-nil []byte.
//
// Structs are walked field by field under encoding/json naming rules, so a
// plain []byte field is tagged like any other byte array.
package codec

import (
	"bytes"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	typeKey  = "__type"
	valueKey = "value"

	typeBytes = "bytes"
	typeMap   = "map"
)

var ErrInvalidPayload = errors.New("codec: invalid payload")

// Bytes marshals to the tagged form even when it sits inside a struct.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{typeKey: typeBytes, valueKey: hexutil.Encode(b)})
}

func Marshal(v any) ([]byte, error) {
	tree, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return out, nil
}

func Unmarshal(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}
	return decodeValue(tree)
}

func encodeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, json.Number,
		float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return val, nil
	case []byte:
		return tagged(typeBytes, hexutil.Encode(val)), nil
	case Bytes:
		return tagged(typeBytes, hexutil.Encode(val)), nil
	case hexutil.Bytes:
		return tagged(typeBytes, hexutil.Encode(val)), nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			enc, err := encodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			enc, err := encodeValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		if _, clash := val[typeKey]; clash {
			return tagged(typeMap, out), nil
		}
		return out, nil
	default:
		return encodeReflect(reflect.ValueOf(v))
	}
}

var (
	jsonMarshaler = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshaler = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

func selfEncoding(t reflect.Type) bool {
	return t.Implements(jsonMarshaler) || t.Implements(textMarshaler)
}

// encodeReflect walks structs and typed collections field by field so that
// byte slices anywhere in them keep the bytes tag. Struct fields follow
// encoding/json naming, omitempty and "-".
func encodeReflect(rv reflect.Value) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}
	if selfEncoding(rv.Type()) && rv.CanInterface() && (rv.Kind() != reflect.Pointer || !rv.IsNil()) {
		return viaJSON(rv.Interface())
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return encodeReflect(rv.Elem())
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Slice:
		if rv.IsNil() {
			if rv.Type().Elem().Kind() == reflect.Uint8 {
				return tagged(typeBytes, "0x"), nil
			}
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return tagged(typeBytes, hexutil.Encode(rv.Bytes())), nil
		}
		return encodeList(rv)
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			raw := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(raw), rv)
			return tagged(typeBytes, hexutil.Encode(raw)), nil
		}
		return encodeList(rv)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return viaJSON(rv.Interface())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			enc, err := encodeReflect(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = enc
		}
		if _, clash := out[typeKey]; clash {
			return tagged(typeMap, out), nil
		}
		return out, nil
	case reflect.Struct:
		out := make(map[string]any)
		if err := encodeFields(rv, out); err != nil {
			return nil, err
		}
		if _, clash := out[typeKey]; clash {
			return tagged(typeMap, out), nil
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %s", ErrInvalidPayload, rv.Type())
	}
}

func encodeList(rv reflect.Value) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		enc, err := encodeReflect(rv.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}

func encodeFields(rv reflect.Value, out map[string]any) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		value := rv.Field(i)

		if field.Anonymous && name == "" {
			inner := value
			if inner.Kind() == reflect.Pointer {
				if inner.IsNil() {
					continue
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct && !selfEncoding(inner.Type()) {
				if err := encodeFields(inner, out); err != nil {
					return err
				}
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if name == "" {
			name = field.Name
		}
		if strings.Contains(opts, "omitempty") && value.IsZero() {
			continue
		}
		if _, taken := out[name]; taken {
			continue
		}
		enc, err := encodeReflect(value)
		if err != nil {
			return err
		}
		out[name] = enc
	}
	return nil
}

// viaJSON handles values that define their own JSON or text form, such as
// addresses, hashes or Bytes.
func viaJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrInvalidPayload, v, err)
	}
	generic, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return encodeValue(generic)
}

func decodeValue(v any) (any, error) {
	switch val := v.(type) {
	case []any:
		for i, item := range val {
			dec, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			val[i] = dec
		}
		return val, nil
	case map[string]any:
		if tag, ok := val[typeKey].(string); ok && len(val) == 2 {
			inner, ok := val[valueKey]
			if !ok {
				return nil, fmt.Errorf("%w: tag %q without value", ErrInvalidPayload, tag)
			}
			switch tag {
			case typeBytes:
				s, ok := inner.(string)
				if !ok {
					return nil, fmt.Errorf("%w: bytes value is %T", ErrInvalidPayload, inner)
				}
				b, err := hexutil.Decode(s)
				if err != nil {
					return nil, fmt.Errorf("%w: bytes value: %v", ErrInvalidPayload, err)
				}
				return b, nil
			case typeMap:
				m, ok := inner.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%w: map value is %T", ErrInvalidPayload, inner)
				}
				return decodeEntries(m)
			}
		}
		if _, ok := val[typeKey]; ok {
			return nil, fmt.Errorf("%w: untagged map carries %q", ErrInvalidPayload, typeKey)
		}
		return decodeEntries(val)
	default:
		return val, nil
	}
}

func decodeEntries(m map[string]any) (map[string]any, error) {
	for k, item := range m {
		dec, err := decodeValue(item)
		if err != nil {
			return nil, err
		}
		m[k] = dec
	}
	return m, nil
}

func tagged(tag string, value any) map[string]any {
	return map[string]any{typeKey: tag, valueKey: value}
}
