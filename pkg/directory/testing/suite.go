// Package testing provides a reusable conformance suite for
// directory.Store implementations. It tests the interface contract, not
// implementation details, so every backend runs the same checks.
package testing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veld-ldap/veld/pkg/directory"
)

// StoreTestSuite exercises a directory.Store implementation.
type StoreTestSuite struct {
	// NewStore creates a fresh store rooted at BaseDN for each test.
	// Each call must return an isolated instance.
	NewStore func(t *testing.T) directory.Store

	// BaseDN is the root the factory uses. Defaults to
	// "dc=example,dc=com".
	BaseDN string
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	if suite.BaseDN == "" {
		suite.BaseDN = "dc=example,dc=com"
	}
	t.Run("Root", suite.testRoot)
	t.Run("Add", suite.testAdd)
	t.Run("Find", suite.testFind)
	t.Run("Search", suite.testSearch)
	t.Run("Modify", suite.testModify)
	t.Run("Delete", suite.testDelete)
	t.Run("BulkWrite", suite.testBulkWrite)
	t.Run("Passwords", suite.testPasswords)
}

// AssertErrorCode checks that an error carries the expected store error
// code, unwrapping as needed.
func AssertErrorCode(t *testing.T, expected directory.ErrorCode, err error, msgAndArgs ...any) bool {
	t.Helper()
	if err == nil {
		return assert.Fail(t, "expected an error but got nil", msgAndArgs...)
	}
	var storeErr *directory.StoreError
	if errors.As(err, &storeErr) {
		return assert.Equal(t, expected, storeErr.Code, msgAndArgs...)
	}
	return assert.Fail(t, fmt.Sprintf("error %v carries no store error code", err), msgAndArgs...)
}

func (suite *StoreTestSuite) personDN(rdn string) string {
	return fmt.Sprintf("%s,ou=people,%s", rdn, suite.BaseDN)
}

func (suite *StoreTestSuite) person(rdn string) *directory.Entry {
	_, name := directory.SplitRDN(rdn)
	e := directory.NewEntry(suite.personDN(rdn))
	e.SetAttribute(directory.AttrObjectClass, "inetOrgPerson")
	e.SetAttribute("cn", name)
	e.SetAttribute("sn", name)
	return e
}

func (suite *StoreTestSuite) add(t *testing.T, store directory.Store, e *directory.Entry) {
	t.Helper()
	require.NoError(t, store.Add(context.Background(), e, ""))
}

func (suite *StoreTestSuite) testRoot(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	root, err := store.GetRoot(ctx)
	require.NoError(t, err)
	require.Equal(t, directory.NormalizeDN(suite.BaseDN), root.Norm())
	assert.NotEmpty(t, root.GetAttribute(directory.AttrObjectClass))
}

func (suite *StoreTestSuite) testAdd(t *testing.T) {
	t.Run("AndFind", suite.testAddAndFind)
	t.Run("SynthesizesAncestors", suite.testAddSynthesizesAncestors)
	t.Run("ErrorDuplicate", suite.testAddErrorDuplicate)
	t.Run("ErrorInvalidDN", suite.testAddErrorInvalidDN)
	t.Run("ErrorNoObjectClass", suite.testAddErrorNoObjectClass)
}

func (suite *StoreTestSuite) testAddAndFind(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	entry := suite.person("uid=alice")
	suite.add(t, store, entry)

	got, err := store.Find(ctx, entry.DN)
	require.NoError(t, err)
	assert.Equal(t, entry.DN, got.DN)
	assert.Equal(t, []string{"alice"}, got.GetAttribute("cn"))

	// Lookup is case-insensitive.
	got, err = store.Find(ctx, "UID=Alice,OU=People,"+suite.BaseDN)
	require.NoError(t, err)
	assert.Equal(t, entry.Norm(), got.Norm())
}

func (suite *StoreTestSuite) testAddSynthesizesAncestors(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	suite.add(t, store, suite.person("uid=bob"))

	parent, err := store.Find(ctx, "ou=people,"+suite.BaseDN)
	require.NoError(t, err)
	assert.Contains(t, parent.GetAttribute(directory.AttrObjectClass), "organizationalUnit")
	assert.Equal(t, []string{"people"}, parent.GetAttribute("ou"))
}

func (suite *StoreTestSuite) testAddErrorDuplicate(t *testing.T) {
	store := suite.NewStore(t)

	suite.add(t, store, suite.person("uid=carol"))
	err := store.Add(context.Background(), suite.person("uid=carol"), "")
	AssertErrorCode(t, directory.ErrAlreadyExists, err)

	// Differing only in case is still the same entry.
	e := suite.person("uid=carol")
	e.DN = "UID=CAROL,ou=people," + suite.BaseDN
	err = store.Add(context.Background(), e, "")
	AssertErrorCode(t, directory.ErrAlreadyExists, err)
}

func (suite *StoreTestSuite) testAddErrorInvalidDN(t *testing.T) {
	store := suite.NewStore(t)

	e := directory.NewEntry("not a dn")
	e.SetAttribute(directory.AttrObjectClass, "top")
	err := store.Add(context.Background(), e, "")
	AssertErrorCode(t, directory.ErrInvalidDN, err)
}

func (suite *StoreTestSuite) testAddErrorNoObjectClass(t *testing.T) {
	store := suite.NewStore(t)

	e := directory.NewEntry(suite.personDN("uid=dave"))
	e.SetAttribute("cn", "dave")
	err := store.Add(context.Background(), e, "")
	AssertErrorCode(t, directory.ErrValidation, err)
}

func (suite *StoreTestSuite) testFind(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	_, err := store.Find(ctx, "uid=ghost,"+suite.BaseDN)
	AssertErrorCode(t, directory.ErrNotFound, err)

	_, err = store.Find(ctx, "")
	AssertErrorCode(t, directory.ErrInvalidDN, err)
}

func (suite *StoreTestSuite) testSearch(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	suite.add(t, store, suite.person("uid=erin"))
	suite.add(t, store, suite.person("uid=frank"))
	group := directory.NewEntry("cn=admins,ou=groups," + suite.BaseDN)
	group.SetAttribute(directory.AttrObjectClass, "groupOfNames")
	group.SetAttribute("member", suite.personDN("uid=erin"))
	suite.add(t, store, group)

	t.Run("Base", func(t *testing.T) {
		results, err := store.Search(ctx, "ou=people,"+suite.BaseDN, directory.ScopeBase)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "ou=people,"+directory.NormalizeDN(suite.BaseDN), results[0].Norm())
	})

	t.Run("One", func(t *testing.T) {
		results, err := store.Search(ctx, "ou=people,"+suite.BaseDN, directory.ScopeOne)
		require.NoError(t, err)
		assert.Len(t, results, 2)
		for _, e := range results {
			assert.NotEqual(t, "ou=people,"+directory.NormalizeDN(suite.BaseDN), e.Norm())
		}
	})

	t.Run("Sub", func(t *testing.T) {
		results, err := store.Search(ctx, suite.BaseDN, directory.ScopeSub)
		require.NoError(t, err)
		// Root, two organizational units, two people, one group.
		assert.Len(t, results, 6)
	})

	t.Run("SubFromLeaf", func(t *testing.T) {
		results, err := store.Search(ctx, suite.personDN("uid=erin"), directory.ScopeSub)
		require.NoError(t, err)
		require.Len(t, results, 1)
	})

	t.Run("ErrorMissingBase", func(t *testing.T) {
		_, err := store.Search(ctx, "ou=nowhere,"+suite.BaseDN, directory.ScopeSub)
		AssertErrorCode(t, directory.ErrNotFound, err)
	})
}

func (suite *StoreTestSuite) testModify(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	entry := suite.person("uid=grace")
	suite.add(t, store, entry)

	t.Run("ReplacesWholesale", func(t *testing.T) {
		attrs := map[string][]string{
			directory.AttrObjectClass: {"inetOrgPerson"},
			"cn":                      {"Grace Hopper"},
			"mail":                    {"grace@example.com"},
		}
		require.NoError(t, store.Modify(ctx, entry.DN, attrs))

		got, err := store.Find(ctx, entry.DN)
		require.NoError(t, err)
		assert.Equal(t, []string{"Grace Hopper"}, got.GetAttribute("cn"))
		assert.Equal(t, []string{"grace@example.com"}, got.GetAttribute("mail"))
		// Wholesale replacement drops attributes absent from the map.
		assert.Empty(t, got.GetAttribute("sn"))
	})

	t.Run("ErrorNotFound", func(t *testing.T) {
		err := store.Modify(ctx, "uid=ghost,"+suite.BaseDN, map[string][]string{
			directory.AttrObjectClass: {"top"},
		})
		AssertErrorCode(t, directory.ErrNotFound, err)
	})

	t.Run("ErrorNoObjectClass", func(t *testing.T) {
		err := store.Modify(ctx, entry.DN, map[string][]string{"cn": {"x"}})
		AssertErrorCode(t, directory.ErrValidation, err)
	})
}

func (suite *StoreTestSuite) testDelete(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	entry := suite.person("uid=heidi")
	suite.add(t, store, entry)

	t.Run("ErrorNotLeaf", func(t *testing.T) {
		err := store.Delete(ctx, "ou=people,"+suite.BaseDN)
		AssertErrorCode(t, directory.ErrNotLeaf, err)
	})

	t.Run("Leaf", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, entry.DN))
		_, err := store.Find(ctx, entry.DN)
		AssertErrorCode(t, directory.ErrNotFound, err)
	})

	t.Run("ErrorNotFound", func(t *testing.T) {
		err := store.Delete(ctx, entry.DN)
		AssertErrorCode(t, directory.ErrNotFound, err)
	})
}

func (suite *StoreTestSuite) testBulkWrite(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	suite.add(t, store, suite.person("uid=old"))

	batch := []*directory.Entry{
		suite.person("uid=ivan"),
		suite.person("uid=judy"),
	}
	require.NoError(t, store.BulkWrite(ctx, batch, ""))

	t.Run("BatchVisible", func(t *testing.T) {
		for _, e := range batch {
			_, err := store.Find(ctx, e.DN)
			require.NoError(t, err)
		}
	})

	t.Run("ReplacedPreviousContent", func(t *testing.T) {
		_, err := store.Find(ctx, suite.personDN("uid=old"))
		AssertErrorCode(t, directory.ErrNotFound, err)
	})

	t.Run("ErrorRejectsWholeBatch", func(t *testing.T) {
		bad := directory.NewEntry(suite.personDN("uid=karl"))
		err := store.BulkWrite(ctx, []*directory.Entry{suite.person("uid=leon"), bad}, "")
		AssertErrorCode(t, directory.ErrValidation, err)

		// Nothing from the failed batch landed.
		_, err = store.Find(ctx, suite.personDN("uid=leon"))
		AssertErrorCode(t, directory.ErrNotFound, err)
	})
}

func (suite *StoreTestSuite) testPasswords(t *testing.T) {
	store := suite.NewStore(t)
	ctx := context.Background()

	entry := suite.person("uid=mallory")
	entry.SetAttribute(directory.AttrUserPassword, "s3cret")
	suite.add(t, store, entry)

	got, err := store.Find(ctx, entry.DN)
	require.NoError(t, err)
	stored := got.GetFirstAttribute(directory.AttrUserPassword)
	require.NotEmpty(t, stored)
	assert.NotEqual(t, "s3cret", stored, "plaintext must never be stored")
	assert.Contains(t, stored, "{BCRYPT}")
}
