// Package schema models CSS selector schemas, generates them with an LLM and
// repairs them against the page they were generated for.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

const (
	FieldTitle        = "title"
	FieldDate         = "date"
	FieldStartTime    = "start_time"
	FieldEndTime      = "end_time"
	FieldLocation     = "location"
	FieldDescription  = "description"
	FieldURL          = "url"
	FieldImageURL     = "image_url"
	FieldDataImageURL = "data_image_url"

	TypeText      = "text"
	TypeAttribute = "attribute"
)

// RequiredFields must exist in every usable schema.
var RequiredFields = []string{FieldTitle, FieldDate, FieldStartTime, FieldLocation, FieldURL, FieldImageURL}

var fieldOrder = []string{
	FieldTitle, FieldDate, FieldStartTime, FieldEndTime, FieldLocation,
	FieldDescription, FieldURL, FieldImageURL, FieldDataImageURL,
}

// Field maps one record field to a selector, optionally reading an
// attribute instead of the text.
type Field struct {
	Name      string `json:"name"`
	Selector  string `json:"selector"`
	Attribute string `json:"attribute,omitempty"`
	Type      string `json:"type"`
}

// Schema describes how to cut a listing page into records. Selectors in
// Fields are relative to each BaseSelector container; without a base they
// run against the whole document.
type Schema struct {
	Name         string
	BaseSelector string
	Fields       []Field
}

// Field returns the named field.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Set replaces the named field or appends it.
func (s *Schema) Set(f Field) {
	f = f.normalized()
	for i := range s.Fields {
		if s.Fields[i].Name == f.Name {
			s.Fields[i] = f
			return
		}
	}
	s.Fields = append(s.Fields, f)
}

// Missing lists required fields the schema does not define.
func (s Schema) Missing() []string {
	var out []string
	for _, name := range RequiredFields {
		if f, ok := s.Field(name); !ok || f.Selector == "" {
			out = append(out, name)
		}
	}
	return out
}

// IsEmpty reports whether no field has a selector.
func (s Schema) IsEmpty() bool {
	for _, f := range s.Fields {
		if f.Selector != "" {
			return false
		}
	}
	return true
}

func (f Field) normalized() Field {
	f.Name = strings.TrimSpace(f.Name)
	f.Selector = strings.TrimSpace(f.Selector)
	f.Attribute = strings.TrimSpace(f.Attribute)
	if f.Attribute != "" {
		f.Type = TypeAttribute
	} else {
		f.Type = TypeText
	}
	return f
}

// Normalize returns a copy with trimmed selectors, types derived from the
// attribute, duplicate names collapsed (last wins) and known fields first in
// canonical order.
func (s Schema) Normalize() Schema {
	byName := make(map[string]Field, len(s.Fields))
	var extra []string
	for _, f := range s.Fields {
		f = f.normalized()
		if f.Name == "" || f.Selector == "" {
			continue
		}
		if _, seen := byName[f.Name]; !seen && !isKnown(f.Name) {
			extra = append(extra, f.Name)
		}
		byName[f.Name] = f
	}

	out := Schema{Name: strings.TrimSpace(s.Name), BaseSelector: strings.TrimSpace(s.BaseSelector)}
	for _, name := range append(append([]string{}, fieldOrder...), extra...) {
		if f, ok := byName[name]; ok {
			out.Fields = append(out.Fields, f)
		}
	}
	return out
}

func isKnown(name string) bool {
	return slices.Contains(fieldOrder, name)
}

// Flat returns the compatibility form: field name to selector string, or to
// {selector, attribute} for attribute fields.
func (s Schema) Flat() map[string]any {
	out := make(map[string]any, len(s.Fields)+1)
	if s.BaseSelector != "" {
		out["base_selector"] = s.BaseSelector
	}
	for _, f := range s.Fields {
		if f.Attribute != "" {
			out[f.Name] = map[string]string{"selector": f.Selector, "attribute": f.Attribute}
		} else {
			out[f.Name] = f.Selector
		}
	}
	return out
}

// MarshalJSON writes the fields[] form and the flat keys side by side so
// that readers of either form keep working.
func (s Schema) MarshalJSON() ([]byte, error) {
	out := s.Flat()
	if s.Name != "" {
		out["name"] = s.Name
	}
	fields := s.Fields
	if fields == nil {
		fields = []Field{}
	}
	out["fields"] = fields
	return json.Marshal(out)
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	parsed, err := ParseSchema(data)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ErrEmptySchema is returned for a schema with no usable field.
var ErrEmptySchema = errors.New("schema: no fields")

var baseKeys = []string{"base_selector", "baseSelector"}

// ParseSchema accepts the flat form and the fields[] form.
func ParseSchema(data []byte) (Schema, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Schema{}, ErrEmptySchema
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Schema{}, fmt.Errorf("schema: %w", err)
	}

	var s Schema
	for _, key := range baseKeys {
		if v, ok := raw[key]; ok {
			s.BaseSelector = baseSelector(v)
			delete(raw, key)
		}
	}
	if v, ok := raw["name"]; ok {
		_ = json.Unmarshal(v, &s.Name)
		delete(raw, "name")
	}

	if v, ok := raw["fields"]; ok {
		var fields []Field
		if err := json.Unmarshal(v, &fields); err != nil {
			return Schema{}, fmt.Errorf("schema: fields: %w", err)
		}
		s.Fields = fields
	} else {
		for _, name := range sortedKeys(raw) {
			f, ok := flatField(name, raw[name])
			if ok {
				s.Fields = append(s.Fields, f)
			}
		}
	}

	s = s.Normalize()
	if s.IsEmpty() {
		return Schema{}, ErrEmptySchema
	}
	return s, nil
}

// baseSelector accepts a string or {"name": "..."} / {"selector": "..."}.
func baseSelector(v json.RawMessage) string {
	var str string
	if json.Unmarshal(v, &str) == nil {
		return str
	}
	var obj map[string]string
	if json.Unmarshal(v, &obj) == nil {
		if obj["selector"] != "" {
			return obj["selector"]
		}
		return obj["name"]
	}
	return ""
}

func flatField(name string, v json.RawMessage) (Field, bool) {
	var sel string
	if json.Unmarshal(v, &sel) == nil {
		return Field{Name: name, Selector: sel}, sel != ""
	}
	var obj struct {
		Selector  string `json:"selector"`
		Attribute string `json:"attribute"`
	}
	if json.Unmarshal(v, &obj) == nil && obj.Selector != "" {
		return Field{Name: name, Selector: obj.Selector, Attribute: obj.Attribute}, true
	}
	return Field{}, false
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for _, name := range fieldOrder {
		if _, ok := m[name]; ok {
			keys = append(keys, name)
		}
	}
	var rest []string
	for k := range m {
		if !isKnown(k) {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	return append(keys, rest...)
}
