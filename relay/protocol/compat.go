package protocol

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

var ErrBodyTooLarge = errors.New("request body too large")

// DecodeCompat unmarshals JSON into v after rewriting legacy snake_case
// object keys to camelCase. Values are never touched, so sentinel strings
// like HANDLE_ON_MAC survive intact.
func DecodeCompat(data []byte, v any) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	normalized, err := json.Marshal(normalizeKeys(raw))
	if err != nil {
		return err
	}
	return json.Unmarshal(normalized, v)
}

// DecodeBody reads at most c.MaxBodyBytes from r and decodes it with
// DecodeCompat.
func DecodeBody(r io.Reader, c Constraints, v any) error {
	limit := int64(c.MaxBodyBytes)
	if limit <= 0 {
		limit = int64(DefaultConstraints().MaxBodyBytes)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > limit {
		return ErrBodyTooLarge
	}
	return DecodeCompat(data, v)
}

func normalizeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[snakeToCamel(k)] = normalizeKeys(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeKeys(val)
		}
		return t
	default:
		return v
	}
}

// snakeToCamel rewrites all-lowercase snake_case identifiers. Keys that are
// already camelCase, or that carry uppercase letters, pass through unchanged.
func snakeToCamel(k string) string {
	if !strings.Contains(k, "_") {
		return k
	}
	if strings.ToLower(k) != k {
		return k
	}
	parts := strings.Split(k, "_")
	var b strings.Builder
	first := true
	for _, p := range parts {
		if p == "" {
			continue
		}
		if first {
			b.WriteString(p)
			first = false
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	if b.Len() == 0 {
		return k
	}
	return b.String()
}
