package ldap

import (
	"fmt"
	"strings"

	ber "github.com/go-asn1-ber/asn1-ber"

	"github.com/veld-ldap/veld/pkg/directory"
)

// Filter kinds. The server evaluates the common search filters; matching
// rules and extensible matches are out of scope.
const (
	FilterAnd        = 0
	FilterOr         = 1
	FilterNot        = 2
	FilterEquality   = 3
	FilterSubstrings = 4
	FilterPresent    = 7
)

// Filter is a decoded search filter tree.
type Filter struct {
	Kind int

	// Attr and Value apply to equality and present filters; Subs holds
	// the substring fragments for a substrings filter in order, with
	// empty markers for leading/trailing wildcards normalized away.
	Attr  string
	Value string
	Subs  []substring

	Children []*Filter
}

type substring struct {
	// kind is 0 for initial, 1 for any, 2 for final.
	kind  int64
	value string
}

// DecodeFilter decodes a search filter packet.
func DecodeFilter(p *ber.Packet) (*Filter, error) {
	if p.ClassType != ber.ClassContext {
		return nil, fmt.Errorf("filter has class %d, want context-specific", p.ClassType)
	}
	switch int(p.Tag) {
	case FilterAnd, FilterOr:
		f := &Filter{Kind: int(p.Tag)}
		for _, child := range p.Children {
			sub, err := DecodeFilter(child)
			if err != nil {
				return nil, err
			}
			f.Children = append(f.Children, sub)
		}
		return f, nil

	case FilterNot:
		if len(p.Children) != 1 {
			return nil, fmt.Errorf("not filter has %d children, want 1", len(p.Children))
		}
		sub, err := DecodeFilter(p.Children[0])
		if err != nil {
			return nil, err
		}
		return &Filter{Kind: FilterNot, Children: []*Filter{sub}}, nil

	case FilterEquality:
		if len(p.Children) != 2 {
			return nil, fmt.Errorf("equality filter has %d children, want 2", len(p.Children))
		}
		return &Filter{
			Kind:  FilterEquality,
			Attr:  string(p.Children[0].Data.Bytes()),
			Value: string(p.Children[1].Data.Bytes()),
		}, nil

	case FilterSubstrings:
		if len(p.Children) != 2 {
			return nil, fmt.Errorf("substrings filter has %d children, want 2", len(p.Children))
		}
		f := &Filter{
			Kind: FilterSubstrings,
			Attr: string(p.Children[0].Data.Bytes()),
		}
		for _, frag := range p.Children[1].Children {
			f.Subs = append(f.Subs, substring{
				kind:  int64(frag.Tag),
				value: string(frag.Data.Bytes()),
			})
		}
		return f, nil

	case FilterPresent:
		return &Filter{Kind: FilterPresent, Attr: string(p.Data.Bytes())}, nil

	default:
		return nil, fmt.Errorf("unsupported filter tag %d", p.Tag)
	}
}

// Matches evaluates the filter against an entry. Attribute names and
// values compare case-insensitively, matching the directory's lookup
// semantics.
func (f *Filter) Matches(entry *directory.Entry) bool {
	switch f.Kind {
	case FilterAnd:
		for _, child := range f.Children {
			if !child.Matches(entry) {
				return false
			}
		}
		return true

	case FilterOr:
		for _, child := range f.Children {
			if child.Matches(entry) {
				return true
			}
		}
		return false

	case FilterNot:
		return !f.Children[0].Matches(entry)

	case FilterEquality:
		for _, value := range entry.GetAttribute(f.Attr) {
			if strings.EqualFold(value, f.Value) {
				return true
			}
		}
		return false

	case FilterSubstrings:
		for _, value := range entry.GetAttribute(f.Attr) {
			if f.matchSubstrings(strings.ToLower(value)) {
				return true
			}
		}
		return false

	case FilterPresent:
		return entry.HasAttribute(f.Attr)

	default:
		return false
	}
}

func (f *Filter) matchSubstrings(value string) bool {
	rest := value
	for i, frag := range f.Subs {
		needle := strings.ToLower(frag.value)
		switch frag.kind {
		case 0: // initial
			if !strings.HasPrefix(rest, needle) {
				return false
			}
			rest = rest[len(needle):]
		case 2: // final
			if i != len(f.Subs)-1 || !strings.HasSuffix(rest, needle) {
				return false
			}
			rest = ""
		default: // any
			idx := strings.Index(rest, needle)
			if idx < 0 {
				return false
			}
			rest = rest[idx+len(needle):]
		}
	}
	return true
}

// String renders the filter in the usual parenthesized form, for logs.
func (f *Filter) String() string {
	switch f.Kind {
	case FilterAnd, FilterOr, FilterNot:
		op := map[int]string{FilterAnd: "&", FilterOr: "|", FilterNot: "!"}[f.Kind]
		var b strings.Builder
		b.WriteString("(" + op)
		for _, child := range f.Children {
			b.WriteString(child.String())
		}
		b.WriteString(")")
		return b.String()
	case FilterEquality:
		return "(" + f.Attr + "=" + f.Value + ")"
	case FilterSubstrings:
		parts := make([]string, 0, len(f.Subs)+2)
		for _, frag := range f.Subs {
			parts = append(parts, frag.value)
		}
		return "(" + f.Attr + "=*" + strings.Join(parts, "*") + "*)"
	case FilterPresent:
		return "(" + f.Attr + "=*)"
	default:
		return "(?)"
	}
}
