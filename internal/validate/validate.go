// Package validate enforces key and value admission invariants before
// any backend I/O is attempted.
package validate

import (
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/dreamware/kvstore/internal/codec"
)

// MaxKeyLength is the maximum number of Unicode code points a key may
// contain.
const MaxKeyLength = 256

// KeyError reports why a candidate key was rejected.
type KeyError struct {
	Key    string
	Reason string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("invalid key %q: %s", e.Key, e.Reason)
}

// ValueError reports why a candidate value was rejected.
type ValueError struct {
	Reason string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("invalid value: %s", e.Reason)
}

// Key validates k: non-empty, NFC-normalized, at most MaxKeyLength code
// points, and free of quotes, semicolons, backslashes,
// forward slashes, null bytes, C0/DEL control characters, and
// non-character code points (U+FDD0-U+FDEF and any code point whose low
// 16 bits are >= 0xFFFE).
func Key(k string) error {
	if k == "" {
		return &KeyError{Key: k, Reason: "key must not be empty"}
	}
	if !utf8.ValidString(k) {
		return &KeyError{Key: k, Reason: "key must be valid UTF-8"}
	}
	if !norm.NFC.IsNormalString(k) {
		return &KeyError{Key: k, Reason: "key must be in Unicode normalization form NFC"}
	}

	length := 0
	for _, r := range k {
		length++
		if length > MaxKeyLength {
			return &KeyError{Key: k, Reason: fmt.Sprintf("key exceeds maximum length of %d code points", MaxKeyLength)}
		}
		if reason := forbiddenRune(r); reason != "" {
			return &KeyError{Key: k, Reason: reason}
		}
	}
	return nil
}

func forbiddenRune(r rune) string {
	switch r {
	case '"', '\'', ';', '\\', '/':
		return fmt.Sprintf("key must not contain %q", r)
	}
	if r <= 0x001F || r == 0x007F {
		return "key must not contain control characters"
	}
	if unicode.Is(unicode.Cc, r) {
		return "key must not contain control characters"
	}
	if r >= 0xFDD0 && r <= 0xFDEF {
		return "key must not contain a non-character code point"
	}
	if r&0xFFFE == 0xFFFE {
		return "key must not contain a non-character code point"
	}
	return ""
}

// Value validates v: it rejects Go's absence-marker
// (codec.Undefined), callables, channels, and symbolic tokens
// (codec.Symbol), at any depth. It does not reject cycles or invalid
// instants directly -- those are Encode's job since
// detecting them requires the same graph walk Encode already performs;
// Value is the cheap admission check done before that walk.
func Value(v any) error {
	switch val := v.(type) {
	case codec.Undefined:
		return &ValueError{Reason: "value must not be undefined"}
	case codec.Symbol:
		return &ValueError{Reason: fmt.Sprintf("value must not be a symbolic token (%s)", val.Name)}
	case map[string]any:
		for _, fv := range val {
			if err := Value(fv); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for _, item := range val {
			if err := Value(item); err != nil {
				return err
			}
		}
		return nil
	case codec.OrderedSet:
		for _, item := range val.Values {
			if err := Value(item); err != nil {
				return err
			}
		}
		return nil
	case codec.OrderedMap:
		for _, item := range val.Keys {
			if err := Value(item); err != nil {
				return err
			}
		}
		for _, item := range val.Values {
			if err := Value(item); err != nil {
				return err
			}
		}
		return nil
	default:
		switch reflect.ValueOf(v).Kind() {
		case reflect.Func, reflect.Chan, reflect.UnsafePointer:
			return &ValueError{Reason: "value must not be a callable"}
		}
		return nil
	}
}
