package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(dn string, classes ...string) *Entry {
	e := NewEntry(dn)
	if len(classes) == 0 {
		classes = []string{"top"}
	}
	e.SetAttribute(AttrObjectClass, classes...)
	return e
}

func buildTestTree(t *testing.T) *Tree {
	t.Helper()
	entries := SynthesizeAncestors("dc=example,dc=com", []*Entry{
		testEntry("uid=alice,ou=people,dc=example,dc=com", "inetOrgPerson"),
		testEntry("uid=bob,ou=people,dc=example,dc=com", "inetOrgPerson"),
		testEntry("cn=admins,ou=groups,dc=example,dc=com", "groupOfNames"),
	})
	return NewTree("dc=example,dc=com", entries)
}

func TestTreeFind(t *testing.T) {
	tree := buildTestTree(t)

	require.NotNil(t, tree.Find("uid=alice,ou=people,dc=example,dc=com"))
	require.NotNil(t, tree.Find("UID=ALICE,OU=PEOPLE,DC=EXAMPLE,DC=COM"))
	assert.Nil(t, tree.Find("uid=nobody,dc=example,dc=com"))

	root := tree.Root()
	require.NotNil(t, root)
	assert.Equal(t, "dc=example,dc=com", root.Norm())
}

func TestTreeHasChildren(t *testing.T) {
	tree := buildTestTree(t)

	assert.True(t, tree.HasChildren("dc=example,dc=com"))
	assert.True(t, tree.HasChildren("OU=People,dc=example,dc=com"))
	assert.False(t, tree.HasChildren("uid=alice,ou=people,dc=example,dc=com"))
}

func TestTreeSearch(t *testing.T) {
	tree := buildTestTree(t)

	t.Run("Base", func(t *testing.T) {
		results, ok := tree.Search("ou=people,dc=example,dc=com", ScopeBase)
		require.True(t, ok)
		require.Len(t, results, 1)
		assert.Equal(t, "ou=people,dc=example,dc=com", results[0].Norm())
	})

	t.Run("One", func(t *testing.T) {
		results, ok := tree.Search("ou=people,dc=example,dc=com", ScopeOne)
		require.True(t, ok)
		require.Len(t, results, 2)
		// Insertion order is preserved.
		assert.Equal(t, "uid=alice,ou=people,dc=example,dc=com", results[0].Norm())
		assert.Equal(t, "uid=bob,ou=people,dc=example,dc=com", results[1].Norm())
	})

	t.Run("Sub", func(t *testing.T) {
		results, ok := tree.Search("dc=example,dc=com", ScopeSub)
		require.True(t, ok)
		// Root, two units, two people, one group.
		assert.Len(t, results, 6)
		// Depth-first: base entry comes first.
		assert.Equal(t, "dc=example,dc=com", results[0].Norm())
	})

	t.Run("MissingBase", func(t *testing.T) {
		_, ok := tree.Search("ou=missing,dc=example,dc=com", ScopeSub)
		assert.False(t, ok)
	})
}

func TestTreeIgnoresDuplicates(t *testing.T) {
	first := testEntry("uid=x,dc=example")
	first.SetAttribute("cn", "first")
	second := testEntry("UID=X,dc=example")
	second.SetAttribute("cn", "second")

	tree := NewTree("dc=example", SynthesizeAncestors("dc=example", []*Entry{first, second}))
	assert.Equal(t, []string{"first"}, tree.Find("uid=x,dc=example").GetAttribute("cn"))
}

func TestSynthesizeAncestors(t *testing.T) {
	out := SynthesizeAncestors("dc=example,dc=com", []*Entry{
		testEntry("uid=deep,ou=a,ou=b,dc=example,dc=com"),
	})

	var dns []string
	for _, e := range out {
		dns = append(dns, e.Norm())
	}
	assert.Equal(t, []string{
		"uid=deep,ou=a,ou=b,dc=example,dc=com",
		"ou=a,ou=b,dc=example,dc=com",
		"ou=b,dc=example,dc=com",
		"dc=example,dc=com",
	}, dns)

	// Every synthesized parent is structurally valid.
	for _, e := range out[1:] {
		require.NoError(t, ValidateEntry(e))
		assert.Empty(t, e.Source)
	}

	// Present ancestors are not duplicated.
	again := SynthesizeAncestors("dc=example,dc=com", out)
	assert.Len(t, again, len(out))
}

func TestSynthesizeAncestorsStopsAtRoot(t *testing.T) {
	// A multi-component base must not grow placeholders above itself; the
	// declared root is the top of the tree, not "dc=com".
	out := SynthesizeAncestors("dc=example,dc=com", []*Entry{
		testEntry("dc=example,dc=com", "domain"),
		testEntry("cn=only,dc=example,dc=com"),
	})

	require.Len(t, out, 2)
	for _, e := range out {
		assert.NotEqual(t, "dc=com", e.Norm())
	}
}
