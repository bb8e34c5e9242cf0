package storage

import (
	json "github.com/goccy/go-json"
)

// Nested photo fields (urls, links, location, exif, tags, top_tags, ...) are
// stored as JSON text so the schema stays identical across all three
// backends. These helpers keep the encode/decode rules in one place.

// EncodeJSON marshals v for a JSON text column. Nil maps and slices encode as
// SQL-friendly "null".
func EncodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeJSON unmarshals a JSON text column into out. Empty and "null" text
// leaves out untouched.
func DecodeJSON(s string, out any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}
