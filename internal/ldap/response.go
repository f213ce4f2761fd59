package ldap

import (
	ber "github.com/go-asn1-ber/asn1-ber"

	"github.com/veld-ldap/veld/pkg/directory"
)

// envelope wraps a protocol operation in an LDAPMessage sequence.
func envelope(msgID int64, op *ber.Packet) *ber.Packet {
	p := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAPMessage")
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, msgID, "messageID"))
	p.AppendChild(op)
	return p
}

// EncodeResult builds a response carrying an LDAPResult body under the
// given application tag (BindResponse, AddResponse, ...).
func EncodeResult(msgID int64, tag ber.Tag, code ResultCode, matchedDN, diagnostic string) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Response")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(code), "resultCode"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, matchedDN, "matchedDN"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, diagnostic, "diagnosticMessage"))
	return envelope(msgID, op)
}

// EncodeSearchEntry builds a SearchResultEntry for one directory entry.
// TypesOnly responses carry attribute names with empty value sets. An
// attrs whitelist restricts the returned attributes; nil returns all.
func EncodeSearchEntry(msgID int64, entry *directory.Entry, attrs []string, typesOnly bool) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, TagSearchResultEntry, nil, "SearchResultEntry")
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, entry.DN, "objectName"))

	attrList := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "attributes")
	for _, name := range attributeNames(entry, attrs) {
		attr := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "partialAttribute")
		attr.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, name, "type"))
		values := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "vals")
		if !typesOnly {
			for _, value := range entry.GetAttribute(name) {
				values.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, value, "value"))
			}
		}
		attr.AppendChild(values)
		attrList.AppendChild(attr)
	}
	op.AppendChild(attrList)
	return envelope(msgID, op)
}

// attributeNames resolves the response attribute list. The "*" marker
// and an empty request both mean every attribute; names are returned in
// the entry's own spelling.
func attributeNames(entry *directory.Entry, requested []string) []string {
	all := len(requested) == 0
	for _, name := range requested {
		if name == "*" {
			all = true
			break
		}
	}
	if all {
		return entry.AttributeNames()
	}
	var names []string
	for _, name := range requested {
		if entry.HasAttribute(name) {
			names = append(names, name)
		}
	}
	return names
}
