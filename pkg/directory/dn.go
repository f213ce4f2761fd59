package directory

import (
	"strconv"
	"strings"
)

// DN handling. A distinguished name is an ordered, comma-separated list of
// attribute=value components read right to left: the rightmost component is
// the most senior ancestor, the leftmost is the entry's own RDN.
//
// Matching is case-insensitive, so every index in this package is keyed by
// the normalized form (lowercased, whitespace trimmed around components).
// Entries keep their original DN string for display.

// ParseDN splits a DN into its components in forward order (RDN first).
// Escaped commas ("\,") do not split. Each component must be non-empty and
// contain an unescaped '='.
func ParseDN(dn string) ([]string, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return nil, &StoreError{Code: ErrInvalidDN, Message: "empty DN"}
	}

	if hasEmptyComponent(dn) {
		return nil, &StoreError{Code: ErrInvalidDN, Message: "DN has an empty component", DN: dn}
	}

	components := splitComponents(dn)
	if len(components) == 0 {
		return nil, &StoreError{Code: ErrInvalidDN, Message: "invalid DN", DN: dn}
	}

	for _, comp := range components {
		if !strings.Contains(comp, "=") {
			return nil, &StoreError{
				Code:    ErrInvalidDN,
				Message: "DN component " + strconv.Quote(comp) + " has no attribute=value form",
				DN:      dn,
			}
		}
		attr, value := SplitRDN(comp)
		if attr == "" || value == "" {
			return nil, &StoreError{
				Code:    ErrInvalidDN,
				Message: "DN component " + strconv.Quote(comp) + " has an empty attribute or value",
				DN:      dn,
			}
		}
	}

	return components, nil
}

// NormalizeDN returns the canonical lookup key for a DN: components trimmed
// and lowercased. Returns the empty string for an empty DN.
func NormalizeDN(dn string) string {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return ""
	}
	components := splitComponents(dn)
	for i, comp := range components {
		components[i] = strings.ToLower(comp)
	}
	return strings.Join(components, ",")
}

// ParentDN returns the normalized DN of the parent: the DN with its leftmost
// component stripped. Returns "" when dn has a single component.
func ParentDN(dn string) string {
	components := splitComponents(strings.TrimSpace(dn))
	if len(components) <= 1 {
		return ""
	}
	for i, comp := range components[1:] {
		components[1+i] = strings.ToLower(comp)
	}
	return strings.Join(components[1:], ",")
}

// RDN returns the leftmost component of the DN, with original case.
func RDN(dn string) string {
	components := splitComponents(strings.TrimSpace(dn))
	if len(components) == 0 {
		return ""
	}
	return components[0]
}

// SplitRDN splits one attribute=value component at its first unescaped '='.
// Both halves are trimmed. Returns empty strings if there is no '='.
func SplitRDN(rdn string) (attr, value string) {
	idx := -1
	escaped := false
	for i := 0; i < len(rdn); i++ {
		c := rdn[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == '=' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", ""
	}
	return strings.TrimSpace(rdn[:idx]), strings.TrimSpace(rdn[idx+1:])
}

// DNDepth returns the number of components in the DN, 0 for empty.
func DNDepth(dn string) int {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return 0
	}
	return len(splitComponents(dn))
}

// splitComponents splits a DN by commas, honoring backslash escapes.
// Components are trimmed; empty components are dropped.
func splitComponents(dn string) []string {
	var components []string
	var current strings.Builder
	escaped := false

	for i := 0; i < len(dn); i++ {
		c := dn[i]

		if escaped {
			current.WriteByte(c)
			escaped = false
			continue
		}

		if c == '\\' {
			current.WriteByte(c)
			escaped = true
			continue
		}

		if c == ',' {
			comp := strings.TrimSpace(current.String())
			if comp != "" {
				components = append(components, comp)
			}
			current.Reset()
			continue
		}

		current.WriteByte(c)
	}

	comp := strings.TrimSpace(current.String())
	if comp != "" {
		components = append(components, comp)
	}

	return components
}

// hasEmptyComponent reports whether any comma-delimited component of the
// DN is blank, honoring backslash escapes. splitComponents silently drops
// blanks for lenient lookups; validation must reject them instead.
func hasEmptyComponent(dn string) bool {
	start := 0
	escaped := false
	for i := 0; i < len(dn); i++ {
		switch {
		case escaped:
			escaped = false
		case dn[i] == '\\':
			escaped = true
		case dn[i] == ',':
			if strings.TrimSpace(dn[start:i]) == "" {
				return true
			}
			start = i + 1
		}
	}
	return strings.TrimSpace(dn[start:]) == ""
}

// DNComponents returns the DN's components in forward order without
// validating them. Escaped commas do not split.
func DNComponents(dn string) []string {
	return splitComponents(strings.TrimSpace(dn))
}
