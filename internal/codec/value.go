// Package codec implements a type-preserving value codec:
// encoding arbitrary structured values into a self-describing
// text form and decoding that text back into an equivalent value, with
// fidelity for the recognized scalar/container types that a plain
// encoding/json round-trip would otherwise collapse (temporal instants,
// regexes, ordered sets, typed numeric arrays, big integers, and so on).
//
// The wire form is JSON. Recognized types are encoded as a JSON object
// whose first (and, for fidelity, only meaningful) field is the reserved
// discriminant "__type" naming the type; every other value is encoded as
// its ordinary JSON form. Decoding is lenient: any text that fails to
// parse as JSON is returned unchanged as a plain string, and an object
// whose tag is unrecognized or malformed stays a plain map (see Decode).
package codec

import (
	"math"
	"math/big"
	"sort"
	"time"
)

// Discriminant is the reserved field name carrying the recognized-type tag
// in the encoded JSON object form.
const Discriminant = "__type"

// Type names used as the discriminant's value. These are part of the wire
// format and must not be renamed without a format version bump.
const (
	TypeNull       = "null"
	TypeUndefined  = "undefined"
	TypeNaN        = "NaN"
	TypeInfinity   = "Infinity"
	TypeNegInf     = "-Infinity"
	TypeError      = "Error"
	TypeDate       = "Date"
	TypeRegExp     = "RegExp"
	TypeSet        = "Set"
	TypeMap        = "Map"
	TypeBuffer     = "Buffer"
	TypeDataView   = "DataView"
	TypeTypedArray = "TypedArray"
	TypeBigInt     = "BigInt"
)

// Undefined is the sentinel value for the JS-style "undefined", distinct
// from Go's nil/JSON null. A bare Go nil always round-trips as null; the
// Undefined sentinel is the only value that round-trips as "undefined".
type Undefined struct{}

// NaN is the sentinel for a not-a-number float that must round-trip as
// NaN rather than collapsing into a JSON number or null.
type NaN struct{}

// Infinity carries the sign of an encoded +/-Infinity float.
type Infinity struct {
	Negative bool
}

// Regexp is a decoded regular expression value: its source pattern and its
// original flag string (e.g. "gi"), preserved verbatim since Go's regexp
// syntax and flag semantics are not a 1:1 match for the source language's.
type Regexp struct {
	Source string
	Flags  string
}

// OrderedSet is a decoded Set value: a de-duplicated, insertion-ordered
// collection of admissible values.
type OrderedSet struct {
	Values []any
}

// OrderedMap is a decoded Map value: an insertion-ordered collection of
// key/value entries, distinct from a plain JSON object (whose keys are
// unordered from the language's point of view and must be strings).
type OrderedMap struct {
	Keys   []any
	Values []any
}

// DataView is a decoded byte-slice view, kept distinct from Buffer so it
// round-trips as the originating type.
type DataView struct {
	Bytes []byte
}

// TypedArray is a decoded typed numeric array, keeping the element kind
// (e.g. "Int32Array", "Float64Array") alongside the numeric payload.
type TypedArray struct {
	Kind   string
	Values []float64
}

// ErrorValue is a decoded error descriptor: name, message and (optional)
// stack trace text, the three fields needed for an error value to
// round-trip.
type ErrorValue struct {
	Name    string
	Message string
	Stack   string
}

// BigInt wraps *big.Int so Encode/Decode can distinguish it from an
// ordinary numeric value that merely happens to be integral.
type BigInt struct {
	Int *big.Int
}

// Instant is how Encode recognizes a temporal value to tag as Date. Callers
// pass time.Time directly; Instant exists only as a documented alias for
// readers of this package.
type Instant = time.Time

// InvalidInstant represents a temporal value that failed to parse into a
// valid instant at its point of origin (the source language's "Invalid
// Date"). Go's time.Time has no such state natively, so callers that need
// to round-trip one construct this sentinel explicitly; Encode always
// rejects it ("every temporal value is valid").
type InvalidInstant struct{}

// Symbol is the sentinel for a symbolic token (the source language's
// Symbol primitive). Go has no native equivalent; Encode always rejects a
// Symbol.
type Symbol struct {
	Name string
}

// isFinite reports whether f is neither NaN nor +/-Inf, used by Encode to
// decide whether a float64 needs one of the NaN/Infinity tags.
func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// sortedMapKeys returns the keys of a map[string]any sorted for
// deterministic encoding, so the same logical value always produces the
// same text (useful for tests and for stable backup diffs).
func sortedMapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
