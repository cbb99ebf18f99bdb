package remote

import (
	"fmt"
	"strconv"
)

// ValueKind tags the contents of a Value.
type ValueKind int

const (
	ValueVoid ValueKind = iota
	ValueNull
	ValueBool
	ValueInt
	ValueFloat
	ValueString
	ValueObject
)

// String returns the kind name.
func (k ValueKind) String() string {
	switch k {
	case ValueVoid:
		return "void"
	case ValueNull:
		return "null"
	case ValueBool:
		return "bool"
	case ValueInt:
		return "int"
	case ValueFloat:
		return "float"
	case ValueString:
		return "string"
	case ValueObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a tagged value read from or passed to the target VM.
type Value struct {
	Kind     ValueKind
	Bool     bool
	Int      int64
	Float    float64
	Str      string
	Object   ObjectID
	TypeName string
}

// Void is the result of a method that returns nothing.
var Void = Value{Kind: ValueVoid}

// Null is the null reference.
var Null = Value{Kind: ValueNull}

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{Kind: ValueBool, Bool: b, TypeName: "boolean"} }

// IntValue wraps an integer.
func IntValue(i int64) Value { return Value{Kind: ValueInt, Int: i, TypeName: "long"} }

// FloatValue wraps a floating point number.
func FloatValue(f float64) Value { return Value{Kind: ValueFloat, Float: f, TypeName: "double"} }

// StringValue wraps a string.
func StringValue(s string) Value {
	return Value{Kind: ValueString, Str: s, TypeName: "java.lang.String"}
}

// ObjectValue references a heap object of the given type.
func ObjectValue(id ObjectID, typeName string) Value {
	return Value{Kind: ValueObject, Object: id, TypeName: typeName}
}

// Interface converts the value into a plain Go value. Objects become their
// ObjectID; void and null become nil.
func (v Value) Interface() any {
	switch v.Kind {
	case ValueBool:
		return v.Bool
	case ValueInt:
		return v.Int
	case ValueFloat:
		return v.Float
	case ValueString:
		return v.Str
	case ValueObject:
		return uint64(v.Object)
	default:
		return nil
	}
}

// Equal reports whether two values hold the same data.
func (v Value) Equal(o Value) bool {
	return v == o
}

// String formats the value for display.
func (v Value) String() string {
	switch v.Kind {
	case ValueVoid:
		return "void"
	case ValueNull:
		return "null"
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	case ValueInt:
		return strconv.FormatInt(v.Int, 10)
	case ValueFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case ValueString:
		return strconv.Quote(v.Str)
	case ValueObject:
		return fmt.Sprintf("%s (id=%d)", v.TypeName, v.Object)
	default:
		return "?"
	}
}
