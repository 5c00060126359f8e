package supergraph

import (
	"encoding/json"
	"strings"
)

// Type is the declared type of a supergraph value as written in the JSON
// document. Integers and floats are distinct: "3" is an integer, "3.0" is not.
type Type int

const (
	TypeNull Type = iota
	TypeString
	TypeInteger
	TypeFloat
	TypeBool
	TypeArray
	TypeObject
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeString:
		return "string"
	case TypeInteger:
		return "integer"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeArray:
		return "array"
	case TypeObject:
		return "object"
	default:
		return "unknown"
	}
}

func typeOf(v any) Type {
	switch x := v.(type) {
	case nil:
		return TypeNull
	case string:
		return TypeString
	case bool:
		return TypeBool
	case json.Number:
		if strings.ContainsAny(x.String(), ".eE") {
			return TypeFloat
		}
		return TypeInteger
	case float64:
		return TypeFloat
	case []any:
		return TypeArray
	case map[string]any:
		return TypeObject
	default:
		return TypeNull
	}
}
