// Copyright 2024 The niquests-go Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package header

import (
	"net/http"
	"net/textproto"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// A Field is a single header field: one name/value pair. The name is
// stored in the case the caller supplied it; comparisons are always
// case-insensitive.
type Field struct {
	Name  string
	Value string
}

// A Map is an ordered, case-insensitive, multi-valued header map.
//
// The zero value is an empty map ready for use. Map is not safe for
// concurrent mutation by multiple goroutines.
type Map struct {
	fields []Field
}

// New constructs a Map from an alternating list of names and values.
// It panics if the number of arguments is odd.
func New(nameValuePairs ...string) *Map {
	if len(nameValuePairs)%2 != 0 {
		panic("header: odd argument count")
	}
	m := &Map{fields: make([]Field, 0, len(nameValuePairs)/2)}
	for i := 0; i < len(nameValuePairs); i += 2 {
		m.Add(nameValuePairs[i], nameValuePairs[i+1])
	}
	return m
}

// FromHTTP converts an http.Header into a Map. Order across distinct
// field names is not recoverable from the map type, so names are added
// in canonical sorted-iteration order; values within one name keep
// their wire order.
func FromHTTP(h http.Header) *Map {
	m := &Map{}
	for name, values := range h {
		for _, v := range values {
			m.Add(name, v)
		}
	}
	return m
}

// Add appends a field to the end of the map, retaining any existing
// fields with the same name.
func (m *Map) Add(name, value string) {
	m.fields = append(m.fields, Field{Name: name, Value: value})
}

// Set replaces all fields named name with a single field carrying
// value. The replacement occupies the position of the first prior
// occurrence; if there was none, the field is appended.
func (m *Map) Set(name, value string) {
	out := m.fields[:0]
	done := false
	for _, f := range m.fields {
		if strings.EqualFold(f.Name, name) {
			if !done {
				out = append(out, Field{Name: name, Value: value})
				done = true
			}
			continue
		}
		out = append(out, f)
	}
	if !done {
		out = append(out, Field{Name: name, Value: value})
	}
	m.fields = out
}

// Del removes every field named name.
func (m *Map) Del(name string) {
	out := m.fields[:0]
	for _, f := range m.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	m.fields = out
}

// Get returns the value of the first field named name, or the empty
// string if the map contains no such field.
func (m *Map) Get(name string) string {
	for _, f := range m.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether the map contains at least one field named name.
func (m *Map) Has(name string) bool {
	for _, f := range m.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns the values of every field named name, in insertion
// order. The returned slice is a copy.
func (m *Map) Values(name string) []string {
	var vs []string
	for _, f := range m.fields {
		if strings.EqualFold(f.Name, name) {
			vs = append(vs, f.Value)
		}
	}
	return vs
}

// Fold returns the single logical value of the field named name,
// joining repeated occurrences with ", " in wire order per RFC 7230
// §3.2.2. The second return value is false if the map contains no such
// field.
func (m *Map) Fold(name string) (string, bool) {
	vs := m.Values(name)
	if vs == nil {
		return "", false
	}
	return strings.Join(vs, ", "), true
}

// Fields returns the fields of the map in insertion order. The
// returned slice is shared with the map and must not be modified.
func (m *Map) Fields() []Field {
	return m.fields
}

// Names returns the distinct field names in first-insertion order,
// each in canonical MIME form.
func (m *Map) Names() []string {
	var names []string
	seen := make(map[string]bool, len(m.fields))
	for _, f := range m.fields {
		c := textproto.CanonicalMIMEHeaderKey(f.Name)
		if !seen[c] {
			seen[c] = true
			names = append(names, c)
		}
	}
	return names
}

// Len returns the number of fields in the map, counting repeats.
func (m *Map) Len() int {
	return len(m.fields)
}

// Clone returns a deep copy of the map. Cloning a nil map returns an
// empty map.
func (m *Map) Clone() *Map {
	m2 := &Map{}
	if m != nil && len(m.fields) > 0 {
		m2.fields = make([]Field, len(m.fields))
		copy(m2.fields, m.fields)
	}
	return m2
}

// Update adds every field of other to m, replacing fields m already
// has under Set semantics. A nil other is a no-op.
func (m *Map) Update(other *Map) {
	if other == nil {
		return
	}
	for _, name := range other.Names() {
		vs := other.Values(name)
		m.Set(name, vs[0])
		for _, v := range vs[1:] {
			m.Add(name, v)
		}
	}
}

// ToHTTP converts the map to an http.Header. Order across distinct
// names is lost (http.Header is a Go map); order within one name is
// preserved.
func (m *Map) ToHTTP() http.Header {
	h := make(http.Header, len(m.fields))
	for _, f := range m.fields {
		h.Add(f.Name, f.Value)
	}
	return h
}

// Check validates every field name and value in the map per RFC 7230
// §3.2.6 and returns the first offending field, if any.
func (m *Map) Check() (bad Field, ok bool) {
	for _, f := range m.fields {
		if !httpguts.ValidHeaderFieldName(f.Name) || !httpguts.ValidHeaderFieldValue(f.Value) {
			return f, false
		}
	}
	return Field{}, true
}
