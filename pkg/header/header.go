// Package header provides an ordered header list.
// Unlike http.Header it keeps the order fields were added in and allows
// duplicates, which is what a stored response needs to give back.
package header

import (
	"net/http"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack"
)

// Field is a single header field line.
type Field struct {
	Name  string `msgpack:"n"`
	Value string `msgpack:"v"`
}

// List is an ordered list of header fields.
// Name lookups are case-insensitive.
type List []Field

// Add appends a field to the list.
func (l *List) Add(name, value string) {
	*l = append(*l, Field{Name: name, Value: value})
}

// Set removes all fields with the given name and appends a new one.
func (l *List) Set(name, value string) {
	l.Del(name)
	l.Add(name, value)
}

// Del removes all fields with the given name.
func (l *List) Del(name string) {
	kept := (*l)[:0]
	for _, f := range *l {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	*l = kept
}

// Get returns the values of all fields with the given name, joined with ", ".
// It returns an empty string if the field is absent.
func (l List) Get(name string) string {
	return strings.Join(l.Values(name), ", ")
}

// Values returns the values of all fields with the given name, in order.
func (l List) Values(name string) []string {
	var values []string
	for _, f := range l {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

// Has reports whether a field with the given name is present.
func (l List) Has(name string) bool {
	for _, f := range l {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// ListValues returns the members of a comma-separated list header,
// across all field lines with the given name.
func (l List) ListValues(name string) []string {
	list := make([]string, 0)
	for _, hdr := range l.Values(name) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}

// VaryWildcard reports whether the Vary header contains a "*" member.
func (l List) VaryWildcard() bool {
	for _, item := range l.ListValues("Vary") {
		if strings.Contains(item, "*") {
			return true
		}
	}
	return false
}

// Clone returns a copy of the list that shares no memory with l.
func (l List) Clone() List {
	if l == nil {
		return nil
	}
	c := make(List, len(l))
	copy(c, l)
	return c
}

// HTTP converts the list to an http.Header.
func (l List) HTTP() http.Header {
	h := make(http.Header, len(l))
	for _, f := range l {
		h.Add(f.Name, f.Value)
	}
	return h
}

// FromHTTP converts an http.Header to a list.
// Since http.Header is a map, names are sorted to get a stable order;
// values of one name keep their relative order.
func FromHTTP(h http.Header) List {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	l := make(List, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			l = append(l, Field{Name: name, Value: v})
		}
	}
	return l
}

// Marshal encodes the list as msgpack.
func Marshal(l List) ([]byte, error) {
	if l == nil {
		l = List{}
	}
	return msgpack.Marshal(l)
}

// Unmarshal decodes a list previously encoded with Marshal.
func Unmarshal(b []byte) (List, error) {
	l := List{}
	if len(b) == 0 {
		return l, nil
	}
	err := msgpack.Unmarshal(b, &l)
	return l, err
}
