package bridge

import "encoding/base64"

// RawRecord is an untyped record as returned by the page: a JSON object
// decoded into a generic map. Records are never mutated; they are classified
// into typed values on arrival and discarded.
type RawRecord map[string]any

// String returns the value of key as a string, or "" when absent or not a
// string.
func (r RawRecord) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int64 returns the value of key as an int64. JSON numbers decode as
// float64, so both forms are accepted.
func (r RawRecord) Int64(key string) int64 {
	switch v := r[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Bool returns the value of key as a bool, or false when absent.
func (r RawRecord) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Bytes base64-decodes the string value of key. Missing or malformed values
// yield nil.
func (r RawRecord) Bytes(key string) []byte {
	s, ok := r[key].(string)
	if !ok || s == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// Records returns the value of key as a list of child records. Non-object
// members are skipped.
func (r RawRecord) Records(key string) []RawRecord {
	list, ok := r[key].([]any)
	if !ok {
		return nil
	}
	out := make([]RawRecord, 0, len(list))
	for _, m := range list {
		if obj, ok := m.(map[string]any); ok {
			out = append(out, RawRecord(obj))
		}
	}
	return out
}

// Has reports whether key is present with a non-nil value.
func (r RawRecord) Has(key string) bool {
	v, ok := r[key]
	return ok && v != nil
}
