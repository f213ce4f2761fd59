// Package directory defines the entry model, DN handling, and the Store
// capability interface implemented by the persistence backends.
package directory

import (
	"sort"
	"strings"
)

// AttrObjectClass is the attribute every entry must carry with at least one
// value to be structurally valid.
const AttrObjectClass = "objectClass"

// AttrUserPassword holds credentials; values are rewritten to a hashed form
// before an entry is considered durable.
const AttrUserPassword = "userPassword"

// Entry represents one directory record: a DN plus multi-valued attributes.
//
// Attribute names are case-insensitive and case-preserving: lookups ignore
// case, but the spelling used when an attribute was first set survives
// round-trips to disk.
type Entry struct {
	// DN is the distinguished name as written by whoever created the
	// entry. Index keys always use NormalizeDN(DN).
	DN string

	// Attributes maps attribute name to its ordered values. Every
	// attribute is multi-valued, even when holding one value.
	Attributes map[string][]string

	// Source is the path of the file this entry's authoritative copy was
	// loaded from. Empty for synthesized placeholder parents and for
	// entries in non-federated backends.
	Source string
}

// NewEntry creates an Entry with the given DN and no attributes.
func NewEntry(dn string) *Entry {
	return &Entry{
		DN:         dn,
		Attributes: make(map[string][]string),
	}
}

// Norm returns the normalized DN used as this entry's index key.
func (e *Entry) Norm() string {
	return NormalizeDN(e.DN)
}

// attrKey finds the stored spelling of an attribute name, or "" if absent.
func (e *Entry) attrKey(name string) string {
	if e.Attributes == nil {
		return ""
	}
	if _, ok := e.Attributes[name]; ok {
		return name
	}
	lower := strings.ToLower(name)
	for k := range e.Attributes {
		if strings.ToLower(k) == lower {
			return k
		}
	}
	return ""
}

// GetAttribute returns the values for the given attribute name,
// ignoring case. Returns nil if the attribute does not exist.
func (e *Entry) GetAttribute(name string) []string {
	key := e.attrKey(name)
	if key == "" {
		return nil
	}
	return e.Attributes[key]
}

// GetFirstAttribute returns the first value for the given attribute name.
// Returns an empty string if the attribute does not exist or has no values.
func (e *Entry) GetFirstAttribute(name string) string {
	values := e.GetAttribute(name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// HasAttribute returns true if the entry has at least one value for the
// given attribute name, ignoring case.
func (e *Entry) HasAttribute(name string) bool {
	return len(e.GetAttribute(name)) > 0
}

// SetAttribute sets the values for the given attribute name. If the
// attribute already exists under a different spelling, that spelling
// is kept.
func (e *Entry) SetAttribute(name string, values ...string) {
	if e.Attributes == nil {
		e.Attributes = make(map[string][]string)
	}
	if key := e.attrKey(name); key != "" {
		name = key
	}
	e.Attributes[name] = values
}

// AttributeNames returns the entry's attribute names in sorted order,
// in their stored spelling.
func (e *Entry) AttributeNames() []string {
	names := make([]string, 0, len(e.Attributes))
	for name := range e.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeleteAttribute removes an attribute from the entry, ignoring case.
func (e *Entry) DeleteAttribute(name string) {
	if key := e.attrKey(name); key != "" {
		delete(e.Attributes, key)
	}
}

// Clone creates a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := &Entry{
		DN:         e.DN,
		Source:     e.Source,
		Attributes: CloneAttributes(e.Attributes),
	}
	return clone
}

// CloneAttributes deep-copies an attribute map.
func CloneAttributes(attrs map[string][]string) map[string][]string {
	out := make(map[string][]string, len(attrs))
	for name, values := range attrs {
		out[name] = append([]string(nil), values...)
	}
	return out
}

// ValidateEntry checks the minimal structural validity enforced at load and
// write time: a well-formed DN and a non-empty objectClass.
func ValidateEntry(e *Entry) error {
	if e == nil {
		return &StoreError{Code: ErrInvalidArgument, Message: "nil entry"}
	}
	if _, err := ParseDN(e.DN); err != nil {
		return err
	}
	if !e.HasAttribute(AttrObjectClass) {
		return &StoreError{
			Code:    ErrValidation,
			Message: "entry has no objectClass value",
			DN:      e.DN,
		}
	}
	return nil
}

// NewPlaceholder returns the minimal structural entry synthesized for a DN
// that has no authoritative record in any source: objectClass derived from
// the RDN attribute, plus the RDN attribute itself.
func NewPlaceholder(dn string) *Entry {
	attr, value := SplitRDN(RDN(dn))

	objectClasses := []string{"top"}
	switch strings.ToLower(attr) {
	case "dc":
		objectClasses = append(objectClasses, "domain")
	case "ou":
		objectClasses = append(objectClasses, "organizationalUnit")
	case "cn":
		objectClasses = append(objectClasses, "organizationalRole")
	}

	e := NewEntry(dn)
	e.SetAttribute(AttrObjectClass, objectClasses...)
	if attr != "" {
		e.SetAttribute(attr, value)
	}
	return e
}
