package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/veld-ldap/veld/internal/logger"
	"github.com/veld-ldap/veld/pkg/auth"
	"github.com/veld-ldap/veld/pkg/directory"
)

// Document is the persisted form of one source file: a declared root DN and
// a flat list of entry records.
type Document struct {
	BaseDN  string   `json:"base_dn"`
	Entries []Record `json:"entries"`
}

// Record is one persisted entry: a "dn" field plus arbitrary attribute
// name to array-of-strings pairs at the same level.
type Record struct {
	DN         string
	Attributes map[string][]string
}

// UnmarshalJSON decodes the flattened on-disk form: every key except "dn"
// is an attribute whose value must be an array of strings.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	dnRaw, ok := raw["dn"]
	if !ok {
		return errors.New(`entry is missing "dn"`)
	}
	if err := json.Unmarshal(dnRaw, &r.DN); err != nil {
		return errors.New(`"dn" must be a string`)
	}
	delete(raw, "dn")

	r.Attributes = make(map[string][]string, len(raw))
	for name, valuesRaw := range raw {
		var values []string
		if err := json.Unmarshal(valuesRaw, &values); err != nil {
			return fmt.Errorf("attribute %q: values must be an array of strings", name)
		}
		r.Attributes[name] = values
	}
	return nil
}

// MarshalJSON encodes back to the flattened form. Keys serialize in sorted
// order, which keeps written files diffable.
func (r Record) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(r.Attributes)+1)
	obj["dn"] = r.DN
	for name, values := range r.Attributes {
		if name == "dn" {
			continue
		}
		obj[name] = values
	}
	return json.Marshal(obj)
}

// Entry converts a record to a directory entry owned by source.
func (r Record) Entry(source string) *directory.Entry {
	return &directory.Entry{
		DN:         r.DN,
		Attributes: directory.CloneAttributes(r.Attributes),
		Source:     source,
	}
}

// RecordOf converts an entry to its persisted form.
func RecordOf(e *directory.Entry) Record {
	return Record{
		DN:         e.DN,
		Attributes: directory.CloneAttributes(e.Attributes),
	}
}

// LoadSource parses and validates one source file.
//
// Failure modes:
//   - ErrNotFound: the path does not exist
//   - ErrParse: the file is not a valid document
//   - ErrValidation: a record has a malformed DN or no objectClass value;
//     the error names the record's position in the file
//
// On success, plaintext userPassword values have been rewritten to hashed
// form in the returned document. A hashing failure is not fatal: the
// original value is retained and a warning logged, so binds against it can
// still be attempted.
func LoadSource(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &directory.StoreError{
				Code:    directory.ErrNotFound,
				Message: "source file not found: " + path,
				Err:     err,
			}
		}
		return nil, &directory.StoreError{
			Code:    directory.ErrIO,
			Message: "reading " + path,
			Err:     err,
		}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &directory.StoreError{
			Code:    directory.ErrParse,
			Message: "invalid document in " + path,
			Err:     err,
		}
	}

	if err := validateDocument(&doc, path); err != nil {
		return nil, err
	}

	upgradePasswords(&doc, path)
	return &doc, nil
}

func validateDocument(doc *Document, path string) error {
	if _, err := directory.ParseDN(doc.BaseDN); err != nil {
		return &directory.StoreError{
			Code:    directory.ErrValidation,
			Message: fmt.Sprintf("%s: base_dn is missing or malformed", path),
			Err:     err,
		}
	}

	for i := range doc.Entries {
		rec := &doc.Entries[i]
		if _, err := directory.ParseDN(rec.DN); err != nil {
			return &directory.StoreError{
				Code:    directory.ErrValidation,
				Message: fmt.Sprintf("%s: entry %d: malformed dn", path, i),
				DN:      rec.DN,
				Err:     err,
			}
		}
		if len(attrLookup(rec.Attributes, directory.AttrObjectClass)) == 0 {
			return &directory.StoreError{
				Code:    directory.ErrValidation,
				Message: fmt.Sprintf("%s: entry %d: no objectClass value", path, i),
				DN:      rec.DN,
			}
		}
	}
	return nil
}

// upgradePasswords rewrites plaintext userPassword values in place.
func upgradePasswords(doc *Document, path string) {
	for i := range doc.Entries {
		rec := &doc.Entries[i]
		key, values := attrEntry(rec.Attributes, directory.AttrUserPassword)
		if key == "" {
			continue
		}

		changed := false
		hashed := make([]string, len(values))
		for j, value := range values {
			if auth.IsHashed(value) {
				hashed[j] = value
				continue
			}
			h, err := auth.HashPassword(value)
			if err != nil {
				logger.Warn("could not hash userPassword for %s in %s, keeping original value: %v", rec.DN, path, err)
				hashed[j] = value
				continue
			}
			hashed[j] = h
			changed = true
		}
		if changed {
			rec.Attributes[key] = hashed
			logger.Info("upgraded plaintext userPassword for %s", rec.DN)
		}
	}
}

// attrLookup returns the values for name in a raw attribute map,
// ignoring case.
func attrLookup(attrs map[string][]string, name string) []string {
	_, values := attrEntry(attrs, name)
	return values
}

func attrEntry(attrs map[string][]string, name string) (string, []string) {
	if values, ok := attrs[name]; ok {
		return name, values
	}
	for k, values := range attrs {
		if strings.EqualFold(k, name) {
			return k, values
		}
	}
	return "", nil
}
