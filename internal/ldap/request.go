package ldap

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// BindRequest is a decoded simple bind.
type BindRequest struct {
	Version  int64
	DN       string
	Password string
}

// DecodeBind decodes a BindRequest operation. Only simple
// authentication is supported; SASL binds are rejected.
func DecodeBind(op *ber.Packet) (*BindRequest, error) {
	if len(op.Children) != 3 {
		return nil, fmt.Errorf("bind request has %d children, want 3", len(op.Children))
	}
	version, ok := op.Children[0].Value.(int64)
	if !ok {
		return nil, fmt.Errorf("bind version is not an integer")
	}
	dn, ok := op.Children[1].Value.(string)
	if !ok {
		return nil, fmt.Errorf("bind name is not a string")
	}
	auth := op.Children[2]
	if auth.ClassType != ber.ClassContext || auth.Tag != 0 {
		return nil, fmt.Errorf("only simple authentication is supported")
	}
	// An absent password decodes as a nil value.
	password, _ := auth.Value.(string)
	if password == "" {
		password = string(auth.Data.Bytes())
	}
	return &BindRequest{Version: version, DN: dn, Password: password}, nil
}

// SearchRequest is a decoded search operation. SizeLimit 0 means
// unlimited.
type SearchRequest struct {
	BaseDN     string
	Scope      int64
	SizeLimit  int64
	TypesOnly  bool
	Filter     *Filter
	Attributes []string
}

// Search scope values per RFC 4511.
const (
	ScopeBaseObject   = 0
	ScopeSingleLevel  = 1
	ScopeWholeSubtree = 2
)

// DecodeSearch decodes a SearchRequest operation.
func DecodeSearch(op *ber.Packet) (*SearchRequest, error) {
	if len(op.Children) < 8 {
		return nil, fmt.Errorf("search request has %d children, want 8", len(op.Children))
	}
	baseDN, ok := op.Children[0].Value.(string)
	if !ok {
		return nil, fmt.Errorf("search baseObject is not a string")
	}
	scope, ok := op.Children[1].Value.(int64)
	if !ok {
		return nil, fmt.Errorf("search scope is not an enumerated value")
	}
	sizeLimit, _ := op.Children[3].Value.(int64)
	typesOnly, _ := op.Children[5].Value.(bool)

	filter, err := DecodeFilter(op.Children[6])
	if err != nil {
		return nil, err
	}

	var attrs []string
	for _, child := range op.Children[7].Children {
		if name, ok := child.Value.(string); ok {
			attrs = append(attrs, name)
		}
	}

	return &SearchRequest{
		BaseDN:     baseDN,
		Scope:      scope,
		SizeLimit:  sizeLimit,
		TypesOnly:  typesOnly,
		Filter:     filter,
		Attributes: attrs,
	}, nil
}

// AddRequest is a decoded add operation.
type AddRequest struct {
	DN         string
	Attributes map[string][]string
}

// DecodeAdd decodes an AddRequest operation.
func DecodeAdd(op *ber.Packet) (*AddRequest, error) {
	if len(op.Children) != 2 {
		return nil, fmt.Errorf("add request has %d children, want 2", len(op.Children))
	}
	dn, ok := op.Children[0].Value.(string)
	if !ok {
		return nil, fmt.Errorf("add entry DN is not a string")
	}
	attrs := make(map[string][]string)
	for _, attr := range op.Children[1].Children {
		name, values, err := decodeAttribute(attr)
		if err != nil {
			return nil, err
		}
		attrs[name] = append(attrs[name], values...)
	}
	return &AddRequest{DN: dn, Attributes: attrs}, nil
}

// Modify change operation values per RFC 4511.
const (
	ChangeAdd     = 0
	ChangeDelete  = 1
	ChangeReplace = 2
)

// ModifyChange is one change within a modify operation.
type ModifyChange struct {
	Op     int64
	Name   string
	Values []string
}

// ModifyRequest is a decoded modify operation.
type ModifyRequest struct {
	DN      string
	Changes []ModifyChange
}

// DecodeModify decodes a ModifyRequest operation.
func DecodeModify(op *ber.Packet) (*ModifyRequest, error) {
	if len(op.Children) != 2 {
		return nil, fmt.Errorf("modify request has %d children, want 2", len(op.Children))
	}
	dn, ok := op.Children[0].Value.(string)
	if !ok {
		return nil, fmt.Errorf("modify object DN is not a string")
	}
	var changes []ModifyChange
	for _, change := range op.Children[1].Children {
		if len(change.Children) != 2 {
			return nil, fmt.Errorf("modify change has %d children, want 2", len(change.Children))
		}
		operation, ok := change.Children[0].Value.(int64)
		if !ok {
			return nil, fmt.Errorf("modify change operation is not an enumerated value")
		}
		name, values, err := decodeAttribute(change.Children[1])
		if err != nil {
			return nil, err
		}
		changes = append(changes, ModifyChange{Op: operation, Name: name, Values: values})
	}
	return &ModifyRequest{DN: dn, Changes: changes}, nil
}

// DecodeDel decodes a DelRequest operation. The DN is the operation's
// own content, not a child packet.
func DecodeDel(op *ber.Packet) (string, error) {
	dn := string(op.Data.Bytes())
	if dn == "" {
		return "", fmt.Errorf("delete request carries no DN")
	}
	return dn, nil
}

// decodeAttribute decodes a PartialAttribute: a sequence of a type
// string and a set of value strings.
func decodeAttribute(p *ber.Packet) (string, []string, error) {
	if len(p.Children) != 2 {
		return "", nil, fmt.Errorf("attribute has %d children, want 2", len(p.Children))
	}
	name, ok := p.Children[0].Value.(string)
	if !ok {
		return "", nil, fmt.Errorf("attribute type is not a string")
	}
	var values []string
	for _, v := range p.Children[1].Children {
		value, ok := v.Value.(string)
		if !ok {
			return "", nil, fmt.Errorf("attribute %s has a non-string value", name)
		}
		values = append(values, value)
	}
	return name, values, nil
}
