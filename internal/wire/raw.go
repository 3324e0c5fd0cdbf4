package wire

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Raw is a decoded server payload of unknown shape. Everything the backend
// sends, over REST or the socket, goes through Raw before it becomes a
// canonical entity.
type Raw map[string]any

// Unwrap decodes a frame body into a Raw map. Some broker relays
// double-encode the JSON payload as a string body, so a string result is
// decoded once more. Returns nil for anything that is not an object.
func Unwrap(body []byte) Raw {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil
	}
	for i := 0; i < 2; i++ {
		s, ok := v.(string)
		if !ok {
			break
		}
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil
		}
	}
	if m, ok := v.(map[string]any); ok {
		return Raw(m)
	}
	return nil
}

// get resolves a single key, supporting dot paths into nested objects
// ("message.id").
func get(raw Raw, key string) (any, bool) {
	if raw == nil {
		return nil, false
	}
	if !strings.Contains(key, ".") {
		v, ok := raw[key]
		if !ok || v == nil {
			return nil, false
		}
		return v, true
	}
	var cur any = map[string]any(raw)
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// First returns the value of the first present candidate key.
func First(raw Raw, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := get(raw, k); ok {
			return v, true
		}
	}
	return nil, false
}

// Str returns the first candidate that holds a string.
func Str(raw Raw, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := get(raw, k); ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// ID returns the first candidate coerced to a canonical string id. Numeric
// ids are formatted without an exponent or trailing fraction.
func ID(raw Raw, keys ...string) string {
	for _, k := range keys {
		v, ok := get(raw, k)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case json.Number:
			return t.String()
		case int64:
			return strconv.FormatInt(t, 10)
		case int:
			return strconv.Itoa(t)
		}
	}
	return ""
}

// I64 returns the first candidate coerced to int64.
func I64(raw Raw, keys ...string) (int64, bool) {
	for _, k := range keys {
		v, ok := get(raw, k)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return int64(t), true
		case int64:
			return t, true
		case int:
			return int64(t), true
		case json.Number:
			if n, err := t.Int64(); err == nil {
				return n, true
			}
		case string:
			if n, err := strconv.ParseInt(t, 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// Int is I64 narrowed to int.
func Int(raw Raw, keys ...string) (int, bool) {
	n, ok := I64(raw, keys...)
	return int(n), ok
}

// Bool returns the first candidate coerced to bool. Accepts booleans,
// "true"/"false" strings and 0/1 numbers, which all occur in the wild.
func Bool(raw Raw, keys ...string) (bool, bool) {
	for _, k := range keys {
		v, ok := get(raw, k)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t, true
		case string:
			switch strings.ToLower(t) {
			case "true", "1", "yes":
				return true, true
			case "false", "0", "no":
				return false, true
			}
		case float64:
			return t != 0, true
		}
	}
	return false, false
}

// TriBool is Bool with absence preserved as nil.
func TriBool(raw Raw, keys ...string) *bool {
	if b, ok := Bool(raw, keys...); ok {
		return &b
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.000Z0700",
}

// Time returns the first candidate parsed as a timestamp. Strings are tried
// against the known layouts; numbers are unix seconds or milliseconds,
// disambiguated by magnitude.
func Time(raw Raw, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		v, ok := get(raw, k)
		if !ok {
			continue
		}
		if t, ok := coerceTime(v); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// TimePtr is Time with absence preserved as nil.
func TimePtr(raw Raw, keys ...string) *time.Time {
	if t, ok := Time(raw, keys...); ok {
		return &t
	}
	return nil
}

func coerceTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
		if n, err := strconv.ParseFloat(t, 64); err == nil {
			return unixTime(n), true
		}
	case float64:
		if t > 0 {
			return unixTime(t), true
		}
	case json.Number:
		if n, err := t.Float64(); err == nil && n > 0 {
			return unixTime(n), true
		}
	}
	return time.Time{}, false
}

func unixTime(n float64) time.Time {
	// Values above ~5e10 cannot be plausible unix seconds (year 3500+),
	// treat them as milliseconds.
	if n > 5e10 {
		return time.UnixMilli(int64(n))
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// List returns the first candidate that holds an array.
func List(raw Raw, keys ...string) []any {
	for _, k := range keys {
		if v, ok := get(raw, k); ok {
			if l, ok := v.([]any); ok {
				return l
			}
		}
	}
	return nil
}

// Sub returns the first candidate that holds a nested object.
func Sub(raw Raw, keys ...string) Raw {
	for _, k := range keys {
		if v, ok := get(raw, k); ok {
			if m, ok := v.(map[string]any); ok {
				return Raw(m)
			}
		}
	}
	return nil
}

// AsRaw converts a generic decoded value to Raw if it is an object.
func AsRaw(v any) Raw {
	if m, ok := v.(map[string]any); ok {
		return Raw(m)
	}
	return nil
}

// EventType extracts the inferred frame type, uppercased for substring
// dispatch.
func EventType(raw Raw) string {
	s, _ := Str(raw, "type", "event", "action", "eventType", "event_type", "name")
	return strings.ToUpper(s)
}

// Has reports whether any of the candidate keys is present, regardless of
// its type.
func Has(raw Raw, keys ...string) bool {
	_, ok := First(raw, keys...)
	return ok
}
