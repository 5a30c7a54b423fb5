package core

import "strings"

// TableRef names a warehouse table or view.
type TableRef struct {
	Schema string `json:"schema,omitempty" koanf:"schema"`
	Name   string `json:"name" koanf:"name"`
}

// ParseTableRef splits "schema.name" into a TableRef.
// A bare name yields an empty schema.
func ParseTableRef(s string) TableRef {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "."); i > 0 {
		return TableRef{Schema: s[:i], Name: s[i+1:]}
	}
	return TableRef{Name: s}
}

// String returns the qualified table name.
func (t TableRef) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// IsZero reports whether the reference is empty.
func (t TableRef) IsZero() bool {
	return t.Name == ""
}

// WithSchema returns t with schema filled in when it has none.
func (t TableRef) WithSchema(schema string) TableRef {
	if t.Schema == "" {
		t.Schema = schema
	}
	return t
}
