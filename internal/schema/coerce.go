package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Coercion helpers for values scanned out of dynamically-shaped rows.
// Different drivers hand back different Go types for the same logical
// column, so callers scan into `any` and coerce here.

// AsString renders a scanned value as a trimmed string. Nil becomes "".
func AsString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case []byte:
		return strings.TrimSpace(string(x))
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// AsFloat renders a scanned value as a float64. Unparseable values become 0.
func AsFloat(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	case int:
		return float64(x)
	case []byte:
		f, _ := strconv.ParseFloat(strings.TrimSpace(string(x)), 64)
		return f
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f
	default:
		return 0
	}
}

// AsInt renders a scanned value as an int, truncating floats.
func AsInt(v any) int {
	return int(AsFloat(v))
}

// timeLayouts covers the formats the operational schemas have been seen
// storing timestamps in.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// AsTime renders a scanned value as a time.Time; zero when unparseable.
func AsTime(v any) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x
	case []byte:
		return parseTime(string(x))
	case string:
		return parseTime(x)
	default:
		return time.Time{}
	}
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
