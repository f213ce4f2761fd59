package ldap

import (
	"testing"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redecode runs a hand-built packet through the wire codec so the test
// exercises the same decoded shape a real client produces.
func redecode(t *testing.T, p *ber.Packet) *ber.Packet {
	t.Helper()
	decoded := ber.DecodePacket(p.Bytes())
	require.NotNil(t, decoded)
	return decoded
}

func buildBindRequest(version int64, dn, password string) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(TagBindRequest), nil, "BindRequest")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, version, "version"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "name"))
	op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, password, "simple"))
	return op
}

func buildAttribute(name string, values ...string) *ber.Packet {
	attr := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "attribute")
	attr.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, name, "type"))
	vals := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "vals")
	for _, v := range values {
		vals.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, v, "value"))
	}
	attr.AppendChild(vals)
	return attr
}

func TestDecodeBind(t *testing.T) {
	op := redecode(t, buildBindRequest(3, "uid=alice,dc=example,dc=com", "secret"))

	req, err := DecodeBind(op)
	require.NoError(t, err)
	assert.Equal(t, int64(3), req.Version)
	assert.Equal(t, "uid=alice,dc=example,dc=com", req.DN)
	assert.Equal(t, "secret", req.Password)
}

func TestDecodeBindAnonymous(t *testing.T) {
	op := redecode(t, buildBindRequest(3, "", ""))

	req, err := DecodeBind(op)
	require.NoError(t, err)
	assert.Empty(t, req.DN)
	assert.Empty(t, req.Password)
}

func TestDecodeBindRejectsSASL(t *testing.T) {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(TagBindRequest), nil, "BindRequest")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(3), "version"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "name"))
	sasl := ber.Encode(ber.ClassContext, ber.TypeConstructed, 3, nil, "sasl")
	sasl.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "GSSAPI", "mechanism"))
	op.AppendChild(sasl)

	_, err := DecodeBind(redecode(t, op))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simple authentication")
}

func TestDecodeSearch(t *testing.T) {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(TagSearchRequest), nil, "SearchRequest")
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "ou=people,dc=example,dc=com", "baseObject"))
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(ScopeWholeSubtree), "scope"))
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(0), "derefAliases"))
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(25), "sizeLimit"))
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(0), "timeLimit"))
	op.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, false, "typesOnly"))
	op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, FilterPresent, "objectClass", "filter"))
	attrs := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "attributes")
	attrs.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "cn", "attr"))
	attrs.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "mail", "attr"))
	op.AppendChild(attrs)

	req, err := DecodeSearch(redecode(t, op))
	require.NoError(t, err)
	assert.Equal(t, "ou=people,dc=example,dc=com", req.BaseDN)
	assert.Equal(t, int64(ScopeWholeSubtree), req.Scope)
	assert.Equal(t, int64(25), req.SizeLimit)
	assert.False(t, req.TypesOnly)
	assert.Equal(t, FilterPresent, req.Filter.Kind)
	assert.Equal(t, "objectClass", req.Filter.Attr)
	assert.Equal(t, []string{"cn", "mail"}, req.Attributes)
}

func TestDecodeAdd(t *testing.T) {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(TagAddRequest), nil, "AddRequest")
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "uid=bob,dc=example,dc=com", "entry"))
	attrs := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "attributes")
	attrs.AppendChild(buildAttribute("objectClass", "inetOrgPerson"))
	attrs.AppendChild(buildAttribute("cn", "Bob", "Robert"))
	op.AppendChild(attrs)

	req, err := DecodeAdd(redecode(t, op))
	require.NoError(t, err)
	assert.Equal(t, "uid=bob,dc=example,dc=com", req.DN)
	assert.Equal(t, []string{"inetOrgPerson"}, req.Attributes["objectClass"])
	assert.Equal(t, []string{"Bob", "Robert"}, req.Attributes["cn"])
}

func TestDecodeModify(t *testing.T) {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(TagModifyRequest), nil, "ModifyRequest")
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "uid=bob,dc=example,dc=com", "object"))
	changes := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "changes")

	replace := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "change")
	replace.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(ChangeReplace), "operation"))
	replace.AppendChild(buildAttribute("mail", "bob@example.com"))
	changes.AppendChild(replace)

	del := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "change")
	del.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(ChangeDelete), "operation"))
	del.AppendChild(buildAttribute("description"))
	changes.AppendChild(del)

	op.AppendChild(changes)

	req, err := DecodeModify(redecode(t, op))
	require.NoError(t, err)
	assert.Equal(t, "uid=bob,dc=example,dc=com", req.DN)
	require.Len(t, req.Changes, 2)
	assert.Equal(t, int64(ChangeReplace), req.Changes[0].Op)
	assert.Equal(t, "mail", req.Changes[0].Name)
	assert.Equal(t, []string{"bob@example.com"}, req.Changes[0].Values)
	assert.Equal(t, int64(ChangeDelete), req.Changes[1].Op)
	assert.Equal(t, "description", req.Changes[1].Name)
	assert.Empty(t, req.Changes[1].Values)
}

func TestDecodeDel(t *testing.T) {
	op := redecode(t, ber.NewString(ber.ClassApplication, ber.TypePrimitive, ber.Tag(TagDelRequest), "uid=bob,dc=example,dc=com", "DelRequest"))

	dn, err := DecodeDel(op)
	require.NoError(t, err)
	assert.Equal(t, "uid=bob,dc=example,dc=com", dn)

	_, err = DecodeDel(redecode(t, ber.NewString(ber.ClassApplication, ber.TypePrimitive, ber.Tag(TagDelRequest), "", "DelRequest")))
	assert.Error(t, err)
}
