package value

import (
	"fmt"
	"strconv"
)

// ToString renders a concrete value for output. Nil renders empty (template
// mode treats undefined as silence); SafeString unwraps without escaping.
// Futures, lazies and poison must be resolved before calling.
func ToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case SafeString:
		return string(t)
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// IsTruthy applies template truthiness: nil, false, zero numbers, empty
// strings and empty containers are falsy. Poison is falsy so that a
// poisoned while-condition stops the loop once observed.
func IsTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case SafeString:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case *Poison:
		return false
	default:
		return true
	}
}
