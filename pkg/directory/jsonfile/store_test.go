package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veld-ldap/veld/pkg/directory"
	directorytest "github.com/veld-ldap/veld/pkg/directory/testing"
)

const storeTestBase = "dc=example,dc=com"

func emptySourceFixture(t *testing.T, name string) string {
	t.Helper()
	return writeFixture(t, name, `{"base_dn": "`+storeTestBase+`", "entries": []}`)
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Cleanup() })
	return s
}

func TestStoreConformance(t *testing.T) {
	suite := &directorytest.StoreTestSuite{
		BaseDN: storeTestBase,
		NewStore: func(t *testing.T) directory.Store {
			return newTestStore(t, Options{Files: []string{emptySourceFixture(t, "data.json")}})
		},
	}
	suite.Run(t)
}

func TestStoreRejectsBadOptions(t *testing.T) {
	_, err := New(context.Background(), Options{})
	directorytest.AssertErrorCode(t, directory.ErrInvalidArgument, err)

	path := emptySourceFixture(t, "data.json")
	_, err = New(context.Background(), Options{Files: []string{path, path}})
	directorytest.AssertErrorCode(t, directory.ErrInvalidArgument, err)

	_, err = New(context.Background(), Options{Files: []string{path}, Strategy: "newest"})
	directorytest.AssertErrorCode(t, directory.ErrInvalidArgument, err)
}

func TestStoreFailsOnBrokenSource(t *testing.T) {
	good := emptySourceFixture(t, "good.json")
	broken := writeFixture(t, "broken.json", `{"base_dn": `)

	_, err := New(context.Background(), Options{Files: []string{good, broken}})
	directorytest.AssertErrorCode(t, directory.ErrParse, err)
}

func TestStoreFederation(t *testing.T) {
	people := writeFixture(t, "people.json", `{
		"base_dn": "dc=example,dc=com",
		"entries": [
			{
				"dn": "uid=alice,ou=people,dc=example,dc=com",
				"objectClass": ["inetOrgPerson"],
				"cn": ["Alice Base"]
			},
			{
				"dn": "uid=bob,ou=people,dc=example,dc=com",
				"objectClass": ["inetOrgPerson"],
				"cn": ["Bob"]
			}
		]
	}`)
	overrides := writeFixture(t, "overrides.json", `{
		"base_dn": "dc=example,dc=com",
		"entries": [
			{
				"dn": "uid=alice,ou=people,dc=example,dc=com",
				"objectClass": ["inetOrgPerson"],
				"cn": ["Alice Override"]
			}
		]
	}`)

	s := newTestStore(t, Options{Files: []string{people, overrides}})

	stats := s.Stats()
	assert.Equal(t, 2, stats.Sources)
	assert.Equal(t, 1, stats.Conflicts)
	// Root, ou=people, alice, bob. The merged tree ends at the declared
	// base; nothing is synthesized above it.
	assert.Equal(t, 4, stats.Entries)
	assert.False(t, stats.LastLoad.IsZero())

	_, err := s.Find(context.Background(), "dc=com")
	directorytest.AssertErrorCode(t, directory.ErrNotFound, err)

	alice, err := s.Find(context.Background(), "uid=alice,ou=people,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice Override"}, alice.GetAttribute("cn"))
	assert.Equal(t, overrides, alice.Source)

	// The synthesized ou=people parent is searchable like a stored entry.
	results, err := s.Search(context.Background(), "ou=people,dc=example,dc=com", directory.ScopeOne)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestStoreWritesRequireTargetWithMultipleSources(t *testing.T) {
	a := emptySourceFixture(t, "a.json")
	b := emptySourceFixture(t, "b.json")
	s := newTestStore(t, Options{Files: []string{a, b}})

	entry := directory.NewEntry("uid=carol," + storeTestBase)
	entry.SetAttribute(directory.AttrObjectClass, "inetOrgPerson")
	entry.SetAttribute("cn", "Carol")

	err := s.Add(context.Background(), entry, "")
	directorytest.AssertErrorCode(t, directory.ErrInvalidArgument, err)

	err = s.Add(context.Background(), entry, "nonexistent.json")
	directorytest.AssertErrorCode(t, directory.ErrNoSuchSource, err)

	// A base-name target routes the write to that file.
	require.NoError(t, s.Add(context.Background(), entry, "b.json"))

	doc, err := LoadSource(b)
	require.NoError(t, err)
	require.Len(t, doc.Entries, 1)
	assert.Equal(t, entry.DN, doc.Entries[0].DN)

	doc, err = LoadSource(a)
	require.NoError(t, err)
	assert.Empty(t, doc.Entries)
}

func TestStoreStrictBulkWriteRejectsBeforePersisting(t *testing.T) {
	a := writeFixture(t, "a.json", `{
		"base_dn": "dc=example,dc=com",
		"entries": [
			{
				"dn": "uid=alice,ou=people,dc=example,dc=com",
				"objectClass": ["inetOrgPerson"],
				"cn": ["Alice"]
			}
		]
	}`)
	b := emptySourceFixture(t, "b.json")
	s := newTestStore(t, Options{Files: []string{a, b}, Strategy: StrategyStrict})

	dup := directory.NewEntry("uid=alice,ou=people," + storeTestBase)
	dup.SetAttribute(directory.AttrObjectClass, "inetOrgPerson")
	dup.SetAttribute("cn", "Alice Shadow")

	err := s.BulkWrite(context.Background(), []*directory.Entry{dup}, "b.json")
	directorytest.AssertErrorCode(t, directory.ErrMergeConflict, err)

	// The rejected batch never reached the file, so a reload of b.json
	// cannot poison the federation.
	doc, err := LoadSource(b)
	require.NoError(t, err)
	assert.Empty(t, doc.Entries)

	alice, err := s.Find(context.Background(), "uid=alice,ou=people,"+storeTestBase)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice"}, alice.GetAttribute("cn"))

	// The store keeps accepting conflict-free writes afterwards.
	bob := directory.NewEntry("uid=bob,ou=people," + storeTestBase)
	bob.SetAttribute(directory.AttrObjectClass, "inetOrgPerson")
	bob.SetAttribute("cn", "Bob")
	require.NoError(t, s.BulkWrite(context.Background(), []*directory.Entry{bob}, "b.json"))
}

func TestStoreConcurrentAddsAdmitOneWinner(t *testing.T) {
	a := emptySourceFixture(t, "a.json")
	b := emptySourceFixture(t, "b.json")
	s := newTestStore(t, Options{Files: []string{a, b}})

	targets := []string{"a.json", "b.json"}
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(target string) {
			entry := directory.NewEntry("uid=carol," + storeTestBase)
			entry.SetAttribute(directory.AttrObjectClass, "inetOrgPerson")
			entry.SetAttribute("cn", "Carol")
			results <- s.Add(context.Background(), entry, target)
		}(targets[i%2])
	}

	admitted := 0
	for i := 0; i < 8; i++ {
		err := <-results
		if err == nil {
			admitted++
			continue
		}
		directorytest.AssertErrorCode(t, directory.ErrAlreadyExists, err)
	}
	assert.Equal(t, 1, admitted)

	// Exactly one source file holds the record.
	docA, err := LoadSource(a)
	require.NoError(t, err)
	docB, err := LoadSource(b)
	require.NoError(t, err)
	assert.Equal(t, 1, len(docA.Entries)+len(docB.Entries))
}

func TestStoreReadOnly(t *testing.T) {
	path := writeFixture(t, "data.json", `{
		"base_dn": "dc=example,dc=com",
		"entries": [
			{
				"dn": "uid=alice,dc=example,dc=com",
				"objectClass": ["inetOrgPerson"],
				"cn": ["Alice"]
			}
		]
	}`)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	s := newTestStore(t, Options{Files: []string{path}, ReadOnly: true})

	entry := directory.NewEntry("uid=bob," + storeTestBase)
	entry.SetAttribute(directory.AttrObjectClass, "inetOrgPerson")

	ctx := context.Background()
	directorytest.AssertErrorCode(t, directory.ErrReadOnly, s.Add(ctx, entry, ""))
	directorytest.AssertErrorCode(t, directory.ErrReadOnly, s.Modify(ctx, "uid=alice,"+storeTestBase, map[string][]string{"objectClass": {"inetOrgPerson"}}))
	directorytest.AssertErrorCode(t, directory.ErrReadOnly, s.Delete(ctx, "uid=alice,"+storeTestBase))
	directorytest.AssertErrorCode(t, directory.ErrReadOnly, s.BulkWrite(ctx, []*directory.Entry{entry}, ""))

	// Reads keep working and the file is byte-identical.
	_, err = s.Find(ctx, "uid=alice,"+storeTestBase)
	require.NoError(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStoreWritesSurviveReopen(t *testing.T) {
	path := emptySourceFixture(t, "data.json")

	s := newTestStore(t, Options{Files: []string{path}})
	entry := directory.NewEntry("cn=admins," + storeTestBase)
	entry.SetAttribute(directory.AttrObjectClass, "groupOfNames")
	entry.SetAttribute("member", "uid=alice,"+storeTestBase)
	require.NoError(t, s.Add(context.Background(), entry, ""))
	s.Cleanup()

	reopened := newTestStore(t, Options{Files: []string{path}})
	found, err := reopened.Find(context.Background(), "cn=admins,"+storeTestBase)
	require.NoError(t, err)
	assert.Equal(t, []string{"uid=alice," + storeTestBase}, found.GetAttribute("member"))
}

func TestStoreRejectsWriteToSynthesizedEntry(t *testing.T) {
	path := writeFixture(t, "data.json", `{
		"base_dn": "dc=example,dc=com",
		"entries": [
			{
				"dn": "uid=alice,ou=people,dc=example,dc=com",
				"objectClass": ["inetOrgPerson"],
				"cn": ["Alice"]
			}
		]
	}`)
	s := newTestStore(t, Options{Files: []string{path}})
	ctx := context.Background()

	// ou=people only exists as a synthesized parent; it still cannot be
	// deleted while alice is underneath it.
	err := s.Delete(ctx, "ou=people,"+storeTestBase)
	directorytest.AssertErrorCode(t, directory.ErrNotLeaf, err)

	// Modifying it fails because no file owns it.
	err = s.Modify(ctx, "ou=people,"+storeTestBase, map[string][]string{
		"objectClass": {"organizationalUnit"},
		"description": {"promoted"},
	})
	directorytest.AssertErrorCode(t, directory.ErrInvalidArgument, err)
}

func TestStoreHotReload(t *testing.T) {
	path := emptySourceFixture(t, "data.json")
	s := newTestStore(t, Options{
		Files:    []string{path},
		Watch:    true,
		Debounce: 30 * time.Millisecond,
	})

	// Simulate an external editor's atomic save.
	updated := `{
		"base_dn": "dc=example,dc=com",
		"entries": [
			{
				"dn": "uid=edited,dc=example,dc=com",
				"objectClass": ["inetOrgPerson"],
				"cn": ["Edited Externally"]
			}
		]
	}`
	tmp := filepath.Join(filepath.Dir(path), "data.json.new")
	require.NoError(t, os.WriteFile(tmp, []byte(updated), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	assert.Eventually(t, func() bool {
		_, err := s.Find(context.Background(), "uid=edited,"+storeTestBase)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "external edit never became visible")
}

func TestStoreStrictReloadKeepsPreviousTree(t *testing.T) {
	a := writeFixture(t, "a.json", `{
		"base_dn": "dc=example,dc=com",
		"entries": [
			{
				"dn": "uid=alice,dc=example,dc=com",
				"objectClass": ["inetOrgPerson"],
				"cn": ["Alice"]
			}
		]
	}`)
	b := emptySourceFixture(t, "b.json")

	s := newTestStore(t, Options{
		Files:    []string{a, b},
		Strategy: StrategyStrict,
		Watch:    true,
		Debounce: 30 * time.Millisecond,
	})

	// Introduce a cross-source duplicate externally. The reload fails in
	// strict mode and the previously published tree keeps serving.
	dup := `{
		"base_dn": "dc=example,dc=com",
		"entries": [
			{
				"dn": "uid=alice,dc=example,dc=com",
				"objectClass": ["inetOrgPerson"],
				"cn": ["Duplicate"]
			}
		]
	}`
	require.NoError(t, os.WriteFile(b, []byte(dup), 0o644))

	time.Sleep(300 * time.Millisecond)
	alice, err := s.Find(context.Background(), "uid=alice,"+storeTestBase)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice"}, alice.GetAttribute("cn"))
}
