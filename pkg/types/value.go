// Package types provides the core data types shared between the Velocity
// storage engine and its callers: column types, schemas, rows, and
// time-ordered segment identifiers.
package types

import (
	"bytes"
	"fmt"
	"time"
)

// Type is the primitive type tag of a column.
type Type uint8

const (
	// TypeInvalid is the zero value and never valid in a schema.
	TypeInvalid Type = iota

	// TypeInt64 is a signed 64-bit integer.
	TypeInt64

	// TypeFloat64 is an IEEE 754 double.
	TypeFloat64

	// TypeBool is a boolean.
	TypeBool

	// TypeString is a UTF-8 string.
	TypeString

	// TypeBinary is an arbitrary byte sequence.
	TypeBinary

	// TypeTimestamp is a Unix timestamp in nanoseconds, stored as int64.
	TypeTimestamp
)

// String returns the lowercase name of the type.
func (t Type) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeBinary:
		return "binary"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "invalid"
	}
}

// Valid reports whether t is a usable column type.
func (t Type) Valid() bool {
	return t >= TypeInt64 && t <= TypeTimestamp
}

// ParseType parses a type name as produced by Type.String.
func ParseType(s string) (Type, error) {
	switch s {
	case "int64":
		return TypeInt64, nil
	case "float64":
		return TypeFloat64, nil
	case "bool":
		return TypeBool, nil
	case "string":
		return TypeString, nil
	case "binary":
		return TypeBinary, nil
	case "timestamp":
		return TypeTimestamp, nil
	default:
		return TypeInvalid, fmt.Errorf("unknown column type %q", s)
	}
}

// Row is a single row of values in schema column order. A nil element is a
// NULL. Values must be in canonical form (see Coerce) before they reach the
// engine; Table.Insert coerces on behalf of callers.
type Row []interface{}

// Coerce converts v to the canonical Go representation for column type t:
// int64, float64, bool, string, []byte, or int64 (timestamp nanoseconds).
// nil passes through as NULL. Lossless widenings (int -> int64, time.Time ->
// nanoseconds) are accepted; anything else is a type mismatch.
func Coerce(t Type, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}

	switch t {
	case TypeInt64:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case uint32:
			return int64(x), nil
		}
	case TypeFloat64:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		}
	case TypeBool:
		if x, ok := v.(bool); ok {
			return x, nil
		}
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
	case TypeBinary:
		switch x := v.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}
	case TypeTimestamp:
		switch x := v.(type) {
		case int64:
			return x, nil
		case time.Time:
			return x.UnixNano(), nil
		}
	}

	return nil, fmt.Errorf("value %T is not assignable to column type %s", v, t)
}

// Compare orders two canonical non-nil values of type t. It returns a
// negative number if a < b, zero if equal, positive if a > b.
func Compare(t Type, a, b interface{}) int {
	switch t {
	case TypeInt64, TypeTimestamp:
		av, bv := a.(int64), b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case TypeFloat64:
		av, bv := a.(float64), b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case TypeBool:
		av, bv := a.(bool), b.(bool)
		switch {
		case !av && bv:
			return -1
		case av && !bv:
			return 1
		}
		return 0
	case TypeString:
		av, bv := a.(string), b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case TypeBinary:
		return bytes.Compare(a.([]byte), b.([]byte))
	}
	return 0
}
