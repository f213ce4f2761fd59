package jsonfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veld-ldap/veld/pkg/directory"
)

func mergeRecord(dn, cn string) Record {
	return Record{
		DN:         dn,
		Attributes: map[string][]string{"objectClass": {"person"}, "cn": {cn}},
	}
}

func twoOverlappingSources() []MergeSource {
	return []MergeSource{
		{
			Path:   "people.json",
			BaseDN: "dc=example,dc=com",
			Records: []Record{
				mergeRecord("uid=alice,dc=example,dc=com", "Alice From People"),
				mergeRecord("uid=bob,dc=example,dc=com", "Bob"),
			},
		},
		{
			Path:   "overrides.json",
			BaseDN: "dc=example,dc=com",
			Records: []Record{
				mergeRecord("uid=alice,dc=example,dc=com", "Alice From Overrides"),
				mergeRecord("uid=carol,dc=example,dc=com", "Carol"),
			},
		},
	}
}

func TestMergeLastWins(t *testing.T) {
	tree, stats, err := Merge(twoOverlappingSources(), StrategyLastWins)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Sources)
	assert.Equal(t, 1, stats.Conflicts)
	// root placeholder + alice + bob + carol
	assert.Equal(t, 4, stats.Entries)

	alice := tree.Find("uid=alice,dc=example,dc=com")
	require.NotNil(t, alice)
	assert.Equal(t, []string{"Alice From Overrides"}, alice.GetAttribute("cn"))
	assert.Equal(t, "overrides.json", alice.Source)
}

func TestMergeFirstWins(t *testing.T) {
	tree, stats, err := Merge(twoOverlappingSources(), StrategyFirstWins)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conflicts)

	alice := tree.Find("uid=alice,dc=example,dc=com")
	require.NotNil(t, alice)
	assert.Equal(t, []string{"Alice From People"}, alice.GetAttribute("cn"))
	assert.Equal(t, "people.json", alice.Source)
}

func TestMergeStrict(t *testing.T) {
	_, _, err := Merge(twoOverlappingSources(), StrategyStrict)
	require.Error(t, err)
	assert.True(t, directory.IsCode(err, directory.ErrMergeConflict))
	assert.Contains(t, err.Error(), "people.json")
	assert.Contains(t, err.Error(), "overrides.json")
}

func TestMergeCollisionIsCaseInsensitive(t *testing.T) {
	sources := []MergeSource{
		{
			Path:    "a.json",
			BaseDN:  "dc=example,dc=com",
			Records: []Record{mergeRecord("uid=Alice,dc=example,dc=com", "one")},
		},
		{
			Path:    "b.json",
			BaseDN:  "dc=example,dc=com",
			Records: []Record{mergeRecord("UID=ALICE,DC=EXAMPLE,DC=COM", "two")},
		},
	}

	_, stats, err := Merge(sources, StrategyLastWins)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conflicts)
}

func TestMergeSynthesizesRootAndAncestors(t *testing.T) {
	sources := []MergeSource{
		{
			Path:    "deep.json",
			BaseDN:  "dc=example,dc=com",
			Records: []Record{mergeRecord("uid=dana,ou=eng,ou=people,dc=example,dc=com", "Dana")},
		},
	}

	tree, stats, err := Merge(sources, StrategyLastWins)
	require.NoError(t, err)
	// root + ou=people + ou=eng + dana
	assert.Equal(t, 4, stats.Entries)

	root := tree.Find("dc=example,dc=com")
	require.NotNil(t, root)
	assert.Contains(t, root.GetAttribute("objectClass"), "domain")

	eng := tree.Find("ou=eng,ou=people,dc=example,dc=com")
	require.NotNil(t, eng)
	assert.Contains(t, eng.GetAttribute("objectClass"), "organizationalUnit")
	assert.Empty(t, eng.Source)

	// The declared base is the top of the tree; no phantom suffix entries.
	assert.Nil(t, tree.Find("dc=com"))
	assert.Len(t, tree.DNs(), 4)
}

func TestMergeExplicitRootWins(t *testing.T) {
	sources := []MergeSource{
		{
			Path:   "root.json",
			BaseDN: "dc=example,dc=com",
			Records: []Record{{
				DN: "dc=example,dc=com",
				Attributes: map[string][]string{
					"objectClass": {"domain"},
					"description": {"hand-authored root"},
				},
			}},
		},
	}

	tree, stats, err := Merge(sources, StrategyLastWins)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)

	root := tree.Find("dc=example,dc=com")
	require.NotNil(t, root)
	assert.Equal(t, []string{"hand-authored root"}, root.GetAttribute("description"))
}

func TestMergeDivergentBaseKeepsFirst(t *testing.T) {
	sources := []MergeSource{
		{
			Path:    "a.json",
			BaseDN:  "dc=example,dc=com",
			Records: []Record{mergeRecord("uid=a,dc=example,dc=com", "a")},
		},
		{
			Path:    "b.json",
			BaseDN:  "dc=other,dc=org",
			Records: []Record{mergeRecord("uid=b,dc=other,dc=org", "b")},
		},
	}

	tree, _, err := Merge(sources, StrategyLastWins)
	require.NoError(t, err)
	assert.Equal(t, "dc=example,dc=com", tree.Root().DN)
}

func TestMergeDeterministic(t *testing.T) {
	var first []string
	for run := 0; run < 5; run++ {
		tree, _, err := Merge(twoOverlappingSources(), StrategyLastWins)
		require.NoError(t, err)

		results, ok := tree.Search("dc=example,dc=com", directory.ScopeSub)
		require.True(t, ok)
		var dns []string
		for _, e := range results {
			dns = append(dns, e.DN)
		}

		if run == 0 {
			first = dns
			continue
		}
		assert.Equal(t, first, dns)
	}
}

func TestMergeRejectsBadInput(t *testing.T) {
	_, _, err := Merge(nil, StrategyLastWins)
	assert.True(t, directory.IsCode(err, directory.ErrInvalidArgument))

	_, _, err = Merge(twoOverlappingSources(), Strategy("newest"))
	assert.True(t, directory.IsCode(err, directory.ErrInvalidArgument))
}
