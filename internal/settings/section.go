package settings

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"acousticsbake/internal/apperrors"
)

// Section is one named block of raw string settings.
// Missing keys read as the empty string.
type Section map[string]string

// Get returns the raw value or "" when absent.
func (s Section) Get(key string) string {
	return s[key]
}

// Set stores a raw value.
func (s Section) Set(key, value string) {
	s[key] = value
}

// Has reports whether key is present, even with an empty value.
func (s Section) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Float parses key as a float. An absent or empty value falls back to def.
// A present but malformed value is a parse error.
func (s Section) Float(key, def string) (float64, error) {
	value := s[key]
	if value == "" {
		value = def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, apperrors.Parse(key, value, err)
	}
	return f, nil
}

// SetFloat stores f in its shortest round-trip form.
func (s Section) SetFloat(key string, f float64) {
	s[key] = strconv.FormatFloat(f, 'f', -1, 64)
}

// Bool reports whether key holds "True" (any case).
func (s Section) Bool(key string) bool {
	return strings.EqualFold(strings.TrimSpace(s[key]), "true")
}

// SetBool stores "True" or "False".
func (s Section) SetBool(key string, b bool) {
	if b {
		s[key] = "True"
		return
	}
	s[key] = "False"
}

// JSONMap decodes a JSON object of strings. Absent keys yield an empty map.
func (s Section) JSONMap(key string) (map[string]string, error) {
	out := map[string]string{}
	value := strings.TrimSpace(s[key])
	if value == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return map[string]string{}, apperrors.Parse(key, value, err)
	}
	return out, nil
}

// SetJSONMap encodes m as a JSON object.
func (s Section) SetJSONMap(key string, m map[string]string) {
	if m == nil {
		m = map[string]string{}
	}
	raw, _ := json.Marshal(m)
	s[key] = string(raw)
}

// Vector is a 3-component value stored as "[x, y, z]".
type Vector struct {
	X, Y, Z float64
}

// String formats the vector the way it is stored.
func (v Vector) String() string {
	return fmt.Sprintf("[%s, %s, %s]",
		strconv.FormatFloat(v.X, 'f', -1, 64),
		strconv.FormatFloat(v.Y, 'f', -1, 64),
		strconv.FormatFloat(v.Z, 'f', -1, 64))
}

// Vector parses a bracketed comma list. Absent keys yield the zero vector.
func (s Section) Vector(key string) (Vector, error) {
	value := strings.TrimSpace(s[key])
	if value == "" {
		return Vector{}, nil
	}
	parts := strings.Split(strings.Trim(value, "[]"), ",")
	if len(parts) != 3 {
		return Vector{}, apperrors.Parse(key, value, fmt.Errorf("expected 3 components, got %d", len(parts)))
	}
	var c [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Vector{}, apperrors.Parse(key, value, err)
		}
		c[i] = f
	}
	return Vector{X: c[0], Y: c[1], Z: c[2]}, nil
}

// SetVector stores v as "[x, y, z]".
func (s Section) SetVector(key string, v Vector) {
	s[key] = v.String()
}
