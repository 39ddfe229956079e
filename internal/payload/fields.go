package payload

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/roach88/courier/internal/model"
)

// Field returns the string value of a top-level field.
// The second result is false if the field is absent or not a string.
func Field(data []byte, name string) (string, bool) {
	r := gjson.GetBytes(data, gjson.Escape(name))
	if r.Type != gjson.String {
		return "", false
	}
	return r.Str, true
}

// ReplaceField sets a top-level string field to newValue when it currently
// equals oldValue. The result is re-canonicalized. changed reports whether
// anything was rewritten; when false the input is returned as is.
func ReplaceField(data []byte, name, oldValue, newValue string) (out []byte, changed bool, err error) {
	cur, ok := Field(data, name)
	if !ok || cur != oldValue {
		return data, false, nil
	}
	out, err = sjson.SetBytes(data, gjson.Escape(name), newValue)
	if err != nil {
		return nil, false, fmt.Errorf("rewrite %s: %w", name, err)
	}
	out, err = Canonicalize(out)
	if err != nil {
		return nil, false, fmt.Errorf("rewrite %s: %w", name, err)
	}
	return out, true, nil
}

// Dependency is a reference carried in a payload.
type Dependency struct {
	Target model.EntityType
	Field  string
	ID     string
}

// Dependencies returns the entity references carried by a payload of the
// given owner type, in model.References order. Absent fields are skipped.
func Dependencies(owner model.EntityType, data []byte) []Dependency {
	var deps []Dependency
	for _, ref := range model.ReferencesFrom(owner) {
		id, ok := Field(data, ref.PayloadField)
		if !ok || id == "" {
			continue
		}
		deps = append(deps, Dependency{Target: ref.Target, Field: ref.PayloadField, ID: id})
	}
	return deps
}

// ServerID extracts the server-assigned identifier from a response body of
// the form {"id": "..."}. Numeric ids are rendered as decimal strings.
func ServerID(body []byte) string {
	r := gjson.GetBytes(body, "id")
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		return r.Raw
	default:
		return ""
	}
}
