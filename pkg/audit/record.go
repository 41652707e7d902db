package audit

import (
	"encoding/json"
	"reflect"
	"strings"
	"unicode/utf8"
)

const (
	// MaxErrorLength caps stored error messages, in characters.
	MaxErrorLength = 1000
	// TruncationMarker is appended to error messages cut at MaxErrorLength.
	TruncationMarker = "...[truncated]"
	// Redacted replaces the value of sensitive metadata keys.
	Redacted = "[REDACTED]"
)

var sensitiveKeys = []string{"password", "token", "secret", "apikey", "authorization", "bearer"}

func sensitiveKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of v with the values of sensitive mapping keys
// replaced by Redacted, descending into nested maps, slices and structs.
// Typed maps with string keys come back as map[string]any, other slices as
// []any and structs as their JSON object form. Scalars are returned
// unchanged. Sanitize(Sanitize(v)) equals Sanitize(v).
func Sanitize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return sanitizeMap(t)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			if sensitiveKey(k) {
				out[k] = Redacted
			} else {
				out[k] = val
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Sanitize(val)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, m := range t {
			out[i] = sanitizeMap(m)
		}
		return out
	default:
		return sanitizeValue(v)
	}
}

// sanitizeValue handles the shapes the type switch in Sanitize does not name.
func sanitizeValue(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			if sensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = Sanitize(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Sanitize(rv.Index(i).Interface())
		}
		return out
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return Sanitize(rv.Elem().Interface())
	case reflect.Struct:
		// Field names are only known after encoding; an unencodable struct
		// is left to fail in encodeMetadata, which then stores no metadata.
		data, err := json.Marshal(v)
		if err != nil {
			return v
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return v
		}
		return Sanitize(generic)
	default:
		return v
	}
}

func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		if sensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = Sanitize(val)
	}
	return out
}

// Truncate cuts msg to MaxErrorLength characters and appends
// TruncationMarker. Shorter messages are returned as is.
func Truncate(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorLength]) + TruncationMarker
}

// encodeMetadata renders metadata as JSON with sorted keys. A nil map
// encodes to the empty string.
func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
