package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
	"math/big"
	"time"
)

// Decode inverts Encode. It is total: any text that fails
// to parse as a single JSON value is returned unchanged as the raw string
// (the documented lenient tail) rather than producing an error. Parsed
// JSON whose tagged objects are unrecognized or malformed keeps those
// objects as plain maps.
func Decode(text string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		return text
	}
	// Reject trailing garbage after the first JSON value, treating it the
	// same as any other malformed input.
	if dec.More() {
		return text
	}
	return decodeAny(root)
}

func decodeAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if tag, ok := val[Discriminant].(string); ok {
			if decoded, ok := decodeTagged(tag, val); ok {
				return decoded
			}
		}
		out := make(map[string]any, len(val))
		for k, fv := range val {
			out[k] = decodeAny(fv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = decodeAny(item)
		}
		return out
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return string(val)
	default:
		return v
	}
}

// decodeTagged decodes a recognized type-tagged object. ok is false when
// the discriminant names an unrecognized or structurally malformed type,
// in which case the caller keeps the object as a plain map (the object is
// still well-formed JSON; only its contents failed to match the type, so
// only this sub-tree degrades rather than the whole document).
func decodeTagged(tag string, m map[string]any) (any, bool) {
	switch tag {
	case TypeNull:
		return nil, true
	case TypeUndefined:
		return Undefined{}, true
	case TypeNaN:
		return math.NaN(), true
	case TypeInfinity:
		return math.Inf(1), true
	case TypeNegInf:
		return math.Inf(-1), true
	case TypeDate:
		s, ok := m["value"].(string)
		if !ok {
			return nil, false
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, false
		}
		var inst Instant = t
		return inst, true
	case TypeRegExp:
		source, ok1 := m["source"].(string)
		flags, _ := m["flags"].(string)
		if !ok1 {
			return nil, false
		}
		return Regexp{Source: source, Flags: flags}, true
	case TypeSet:
		raw, ok := m["values"].([]any)
		if !ok {
			return nil, false
		}
		values := make([]any, len(raw))
		for i, item := range raw {
			values[i] = decodeAny(item)
		}
		return OrderedSet{Values: values}, true
	case TypeMap:
		rawKeys, ok1 := m["keys"].([]any)
		rawValues, ok2 := m["values"].([]any)
		if !ok1 || !ok2 || len(rawKeys) != len(rawValues) {
			return nil, false
		}
		keys := make([]any, len(rawKeys))
		values := make([]any, len(rawValues))
		for i := range rawKeys {
			keys[i] = decodeAny(rawKeys[i])
			values[i] = decodeAny(rawValues[i])
		}
		return OrderedMap{Keys: keys, Values: values}, true
	case TypeBuffer:
		data, ok := decodeBytes(m["data"])
		if !ok {
			return nil, false
		}
		return data, true
	case TypeDataView:
		data, ok := decodeBytes(m["data"])
		if !ok {
			return nil, false
		}
		return DataView{Bytes: data}, true
	case TypeTypedArray:
		kind, ok := m["arrayType"].(string)
		if !ok {
			return nil, false
		}
		raw, _ := m["values"].([]any)
		values := make([]float64, 0, len(raw))
		for _, item := range raw {
			switch n := item.(type) {
			case json.Number:
				f, err := n.Float64()
				if err != nil {
					return nil, false
				}
				values = append(values, f)
			case float64:
				values = append(values, n)
			default:
				return nil, false
			}
		}
		return TypedArray{Kind: kind, Values: values}, true
	case TypeBigInt:
		s, ok := m["value"].(string)
		if !ok {
			return nil, false
		}
		n, parsed := new(big.Int).SetString(s, 10)
		if !parsed {
			return nil, false
		}
		return BigInt{Int: n}, true
	case TypeError:
		name, _ := m["name"].(string)
		message, _ := m["message"].(string)
		stack, _ := m["stack"].(string)
		return ErrorValue{Name: name, Message: message, Stack: stack}, true
	default:
		return nil, false
	}
}

// decodeBytes accepts either a base64 string (the normal shape, produced
// by json.Marshal of a []byte field) or an array of small integers (in
// case upstream data was produced by something that encoded a byte buffer
// as a plain numeric array), returning ok=false for anything else.
func decodeBytes(v any) ([]byte, bool) {
	switch val := v.(type) {
	case string:
		b, err := base64.StdEncoding.DecodeString(val)
		if err != nil {
			return nil, false
		}
		return b, true
	case []any:
		out := make([]byte, len(val))
		for i, item := range val {
			n, ok := item.(json.Number)
			if !ok {
				return nil, false
			}
			f, err := n.Float64()
			if err != nil || f < 0 || f > 255 {
				return nil, false
			}
			out[i] = byte(f)
		}
		return out, true
	default:
		return nil, false
	}
}
