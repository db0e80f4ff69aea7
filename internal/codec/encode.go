package codec

import (
	"encoding/json"
	"math"
	"reflect"
	"time"
)

// obj is shorthand for the JSON object tree Encode builds before the final
// json.Marshal pass.
type obj map[string]any

// Encode produces the self-describing text form of v. It
// fails with *InvalidValueError when v (or anything it transitively
// contains) is a callable, a Symbol, a cyclic reference, or an
// InvalidInstant.
func Encode(v any) (string, error) {
	tree, err := encodeValue(v, map[uintptr]bool{})
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(tree)
	if err != nil {
		return "", invalidValue("marshal failed: %v", err)
	}
	return string(b), nil
}

// encodeValue walks v, recognizing the package's tagged types and
// falling back to encoding/json for ordinary Go values it doesn't know
// about. `onPath` is the set of container addresses currently being
// visited on the current recursion path (not a global seen-set), so DAGs
// that merely share a sub-value are fine; only a true cycle is rejected.
func encodeValue(v any, onPath map[uintptr]bool) (any, error) {
	switch val := v.(type) {
	case nil:
		return obj{Discriminant: TypeNull}, nil
	case Undefined:
		return obj{Discriminant: TypeUndefined}, nil
	case NaN:
		return obj{Discriminant: TypeNaN}, nil
	case Infinity:
		if val.Negative {
			return obj{Discriminant: TypeNegInf}, nil
		}
		return obj{Discriminant: TypeInfinity}, nil
	case Symbol:
		return nil, invalidValue("cannot encode symbolic token %q", val.Name)
	case InvalidInstant:
		return nil, invalidValue("invalid temporal instant")
	case time.Time:
		return obj{Discriminant: TypeDate, "value": val.UTC().Format(time.RFC3339Nano)}, nil
	case Regexp:
		return obj{Discriminant: TypeRegExp, "source": val.Source, "flags": val.Flags}, nil
	case OrderedSet:
		ptr := sliceHeaderPointer(val.Values)
		if ptr != 0 && onPath[ptr] {
			return nil, invalidValue("cyclic reference in Set")
		}
		if ptr != 0 {
			onPath[ptr] = true
			defer delete(onPath, ptr)
		}
		values, err := encodeSlice(val.Values, onPath)
		if err != nil {
			return nil, err
		}
		return obj{Discriminant: TypeSet, "values": values}, nil
	case OrderedMap:
		keys, err := encodeSlice(val.Keys, onPath)
		if err != nil {
			return nil, err
		}
		values, err := encodeSlice(val.Values, onPath)
		if err != nil {
			return nil, err
		}
		return obj{Discriminant: TypeMap, "keys": keys, "values": values}, nil
	case []byte:
		return obj{Discriminant: TypeBuffer, "data": val}, nil
	case DataView:
		return obj{Discriminant: TypeDataView, "data": val.Bytes}, nil
	case TypedArray:
		return obj{Discriminant: TypeTypedArray, "arrayType": val.Kind, "values": val.Values}, nil
	case BigInt:
		if val.Int == nil {
			return nil, invalidValue("nil BigInt")
		}
		return obj{Discriminant: TypeBigInt, "value": val.Int.String()}, nil
	case ErrorValue:
		return obj{Discriminant: TypeError, "name": val.Name, "message": val.Message, "stack": val.Stack}, nil
	case float64:
		return encodeFloat(val), nil
	case float32:
		return encodeFloat(float64(val)), nil
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if ptr != 0 && onPath[ptr] {
			return nil, invalidValue("cyclic reference in object")
		}
		if ptr != 0 {
			onPath[ptr] = true
			defer delete(onPath, ptr)
		}
		out := make(obj, len(val))
		for _, k := range sortedMapKeys(val) {
			ev, err := encodeValue(val[k], onPath)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	case []any:
		ptr := sliceHeaderPointer(val)
		if ptr != 0 && onPath[ptr] {
			return nil, invalidValue("cyclic reference in array")
		}
		if ptr != 0 {
			onPath[ptr] = true
			defer delete(onPath, ptr)
		}
		return encodeSlice(val, onPath)
	default:
		return encodeFallback(v)
	}
}

func encodeFloat(f float64) any {
	if isFinite(f) {
		return f
	}
	switch {
	case math.IsNaN(f):
		return obj{Discriminant: TypeNaN}
	case math.IsInf(f, 1):
		return obj{Discriminant: TypeInfinity}
	default:
		return obj{Discriminant: TypeNegInf}
	}
}

func encodeSlice(items []any, onPath map[uintptr]bool) ([]any, error) {
	out := make([]any, len(items))
	for i, item := range items {
		ev, err := encodeValue(item, onPath)
		if err != nil {
			return nil, err
		}
		out[i] = ev
	}
	return out, nil
}

// encodeFallback handles every Go value this package does not special-case:
// plain strings, bools, ints, user-defined structs, and so on. It rejects
// functions/channels outright (the "callable" case) and otherwise defers
// to encoding/json, which is how a plain non-recognized value reaches its
// "ordinary textual form".
func encodeFallback(v any) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, invalidValue("cannot encode %s value", rv.Kind())
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return obj{Discriminant: TypeNull}, nil
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, invalidValue("unsupported value: %v", err)
	}
	return json.RawMessage(b), nil
}

// sliceHeaderPointer returns the backing array address of s, or 0 for a
// nil/empty slice (which can never be part of a cycle).
func sliceHeaderPointer(s []any) uintptr {
	if len(s) == 0 {
		return 0
	}
	return reflect.ValueOf(s).Pointer()
}
