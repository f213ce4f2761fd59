// Package badgerstore implements directory.Store on BadgerDB.
//
// Entries are keyed by their DN components in reverse order, so an
// entry's whole subtree occupies one contiguous key range and searches
// become prefix iterations. The backend suits large trees that exceed
// what a JSON file comfortably holds, at the cost of external
// editability.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/veld-ldap/veld/internal/logger"
	"github.com/veld-ldap/veld/pkg/auth"
	"github.com/veld-ldap/veld/pkg/directory"
)

// Key layout. Entry keys are "e\x00" followed by the normalized DN
// components root-first, each terminated by NUL. The trailing NUL makes
// every entry key a strict prefix of its descendants' keys and never of
// a sibling's.
const (
	entryKeyPrefix = "e\x00"
	baseDNKey      = "m\x00base_dn"
	keySep         = "\x00"
)

// Config configures a Badger-backed store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// BaseDN roots the tree. Required on first open; on reopen it must
	// match the persisted base DN.
	BaseDN string

	// InMemory opens an ephemeral database, for tests.
	InMemory bool

	// GCInterval is the period between value-log garbage collection
	// runs. Zero disables background GC.
	GCInterval time.Duration

	// BadgerOptions overrides the default Badger tuning entirely.
	BadgerOptions *badger.Options
}

// Store is a BadgerDB-backed directory.Store. All operations run inside
// Badger transactions and are safe for concurrent use.
type Store struct {
	db     *badger.DB
	rootDN string
	gcStop chan struct{}
}

var _ directory.Store = (*Store)(nil)

// record is the stored form of one entry.
type record struct {
	DN         string              `json:"dn"`
	Attributes map[string][]string `json:"attributes"`
	Synthetic  bool                `json:"synthetic,omitempty"`
}

// NewStore opens (or creates) the database and seeds the root entry. The
// returned store is immediately ready for use.
func NewStore(ctx context.Context, config Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := directory.ParseDN(config.BaseDN); err != nil {
		return nil, err
	}

	var opts badger.Options
	if config.BadgerOptions != nil {
		opts = *config.BadgerOptions
	} else if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
		opts = opts.WithLoggingLevel(badger.WARNING)
	} else {
		opts = badger.DefaultOptions(config.Path)
		opts = opts.WithLoggingLevel(badger.WARNING)
		// Directory entries are small, compression is not worth the
		// CPU on this workload.
		opts = opts.WithCompression(options.None)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &directory.StoreError{
			Code:    directory.ErrIO,
			Message: "opening database at " + config.Path,
			Err:     err,
		}
	}

	s := &Store{db: db, rootDN: directory.NormalizeDN(config.BaseDN)}
	if err := s.initRoot(config.BaseDN); err != nil {
		db.Close()
		return nil, err
	}

	if config.GCInterval > 0 && !config.InMemory {
		s.gcStop = make(chan struct{})
		go s.runGC(config.GCInterval)
	}
	return s, nil
}

// initRoot persists the base DN on first open and verifies it on reopen,
// seeding the root placeholder if the tree is empty.
func (s *Store) initRoot(baseDN string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(baseDNKey))
		switch {
		case err == badger.ErrKeyNotFound:
			if err := txn.Set([]byte(baseDNKey), []byte(baseDN)); err != nil {
				return ioError("persisting base DN", err)
			}
		case err != nil:
			return ioError("reading base DN", err)
		default:
			var stored string
			if err := item.Value(func(v []byte) error {
				stored = string(v)
				return nil
			}); err != nil {
				return ioError("reading base DN", err)
			}
			if directory.NormalizeDN(stored) != s.rootDN {
				return &directory.StoreError{
					Code:    directory.ErrInvalidArgument,
					Message: fmt.Sprintf("database is rooted at %q, not %q", stored, baseDN),
				}
			}
		}

		if _, err := txn.Get(entryKey(s.rootDN)); err == badger.ErrKeyNotFound {
			root := directory.NewPlaceholder(baseDN)
			return putEntry(txn, root, true)
		} else if err != nil {
			return ioError("reading root entry", err)
		}
		return nil
	})
}

func (s *Store) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// Badger returns ErrNoRewrite when there is nothing to
			// collect; that is the common case and not worth logging.
			if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
				logger.Warn("value log GC: %v", err)
			}
		}
	}
}

// GetRoot implements directory.Store.
func (s *Store) GetRoot(ctx context.Context) (*directory.Entry, error) {
	return s.getEntry(ctx, s.rootDN)
}

// Find implements directory.Store.
func (s *Store) Find(ctx context.Context, dn string) (*directory.Entry, error) {
	if _, err := directory.ParseDN(dn); err != nil {
		return nil, err
	}
	return s.getEntry(ctx, dn)
}

func (s *Store) getEntry(ctx context.Context, dn string) (*directory.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entry *directory.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(dn))
		if err == badger.ErrKeyNotFound {
			return &directory.StoreError{Code: directory.ErrNotFound, Message: "no such entry", DN: dn}
		}
		if err != nil {
			return ioError("reading entry", err)
		}
		entry, err = decodeItem(item)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Search implements directory.Store. Results come back in key order,
// which sorts siblings by their normalized RDN.
func (s *Store) Search(ctx context.Context, baseDN string, scope directory.Scope) ([]*directory.Entry, error) {
	if _, err := directory.ParseDN(baseDN); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := entryKey(baseDN)
	baseDepth := directory.DNDepth(baseDN)

	var results []*directory.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(base); err == badger.ErrKeyNotFound {
			return &directory.StoreError{Code: directory.ErrNotFound, Message: "no such entry", DN: baseDN}
		} else if err != nil {
			return ioError("reading entry", err)
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = base
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			depth := keyDepth(item.Key())
			switch scope {
			case directory.ScopeBase:
				if depth != baseDepth {
					continue
				}
			case directory.ScopeOne:
				if depth != baseDepth+1 {
					continue
				}
			case directory.ScopeSub:
				// Whole prefix range qualifies.
			default:
				return &directory.StoreError{
					Code:    directory.ErrInvalidArgument,
					Message: fmt.Sprintf("unknown search scope %d", scope),
				}
			}
			entry, err := decodeItem(item)
			if err != nil {
				return err
			}
			results = append(results, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Add implements directory.Store. Missing ancestors are synthesized in
// the same transaction. The backend has no named sources, so target must
// be empty.
func (s *Store) Add(ctx context.Context, entry *directory.Entry, target string) error {
	if target != "" {
		return noSuchSource(target)
	}
	if err := directory.ValidateEntry(entry); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entry = entry.Clone()
	hashPasswords(entry.Attributes)

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(entryKey(entry.DN)); err == nil {
			return &directory.StoreError{Code: directory.ErrAlreadyExists, Message: "entry already exists", DN: entry.DN}
		} else if err != badger.ErrKeyNotFound {
			return ioError("reading entry", err)
		}
		if err := ensureAncestors(txn, entry.DN); err != nil {
			return err
		}
		return putEntry(txn, entry, false)
	})
}

// Modify implements directory.Store. The attribute map replaces the
// entry's attributes wholesale.
func (s *Store) Modify(ctx context.Context, dn string, attrs map[string][]string) error {
	if _, err := directory.ParseDN(dn); err != nil {
		return err
	}
	if !hasObjectClass(attrs) {
		return &directory.StoreError{
			Code:    directory.ErrValidation,
			Message: "replacement attributes have no objectClass value",
			DN:      dn,
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	attrs = directory.CloneAttributes(attrs)
	hashPasswords(attrs)

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(dn))
		if err == badger.ErrKeyNotFound {
			return &directory.StoreError{Code: directory.ErrNotFound, Message: "no such entry", DN: dn}
		}
		if err != nil {
			return ioError("reading entry", err)
		}
		existing, err := decodeItem(item)
		if err != nil {
			return err
		}
		return putEntry(txn, &directory.Entry{DN: existing.DN, Attributes: attrs}, false)
	})
}

// Delete implements directory.Store. Only leaf entries can be removed.
func (s *Store) Delete(ctx context.Context, dn string) error {
	if _, err := directory.ParseDN(dn); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := entryKey(dn)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return &directory.StoreError{Code: directory.ErrNotFound, Message: "no such entry", DN: dn}
		} else if err != nil {
			return ioError("reading entry", err)
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = key
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if !bytes.Equal(it.Item().Key(), key) {
				return &directory.StoreError{Code: directory.ErrNotLeaf, Message: "entry has children", DN: dn}
			}
		}

		if err := txn.Delete(key); err != nil {
			return ioError("deleting entry", err)
		}
		return nil
	})
}

// BulkWrite implements directory.Store. The batch replaces the whole
// tree below the root in one transaction.
func (s *Store) BulkWrite(ctx context.Context, entries []*directory.Entry, target string) error {
	if target != "" {
		return noSuchSource(target)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var invalid []string
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if err := directory.ValidateEntry(e); err != nil {
			invalid = append(invalid, fmt.Sprintf("%s (%v)", e.DN, err))
			continue
		}
		norm := e.Norm()
		if seen[norm] {
			invalid = append(invalid, fmt.Sprintf("%s (duplicated in batch)", e.DN))
		}
		seen[norm] = true
	}
	if len(invalid) > 0 {
		return &directory.StoreError{
			Code:    directory.ErrValidation,
			Message: fmt.Sprintf("batch rejected, nothing written; invalid entries: %v", invalid),
		}
	}

	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryKeyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return ioError("clearing entries", err)
			}
		}

		rootDisplay := s.rootDN
		if item, err := txn.Get([]byte(baseDNKey)); err == nil {
			item.Value(func(v []byte) error {
				rootDisplay = string(v)
				return nil
			})
		}
		if err := putEntry(txn, directory.NewPlaceholder(rootDisplay), true); err != nil {
			return err
		}

		for _, e := range entries {
			e = e.Clone()
			hashPasswords(e.Attributes)
			if err := ensureAncestors(txn, e.DN); err != nil {
				return err
			}
			if err := putEntry(txn, e, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cleanup implements directory.Store. It stops background GC and closes
// the database; further calls are no-ops.
func (s *Store) Cleanup() error {
	if s.gcStop != nil {
		select {
		case <-s.gcStop:
		default:
			close(s.gcStop)
		}
	}
	if s.db.IsClosed() {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return ioError("closing database", err)
	}
	return nil
}

// ensureAncestors synthesizes placeholder entries for every missing
// ancestor between dn's parent and the root.
func ensureAncestors(txn *badger.Txn, dn string) error {
	parent := parentDisplayOf(dn)
	for parent != "" {
		_, err := txn.Get(entryKey(parent))
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return ioError("reading entry", err)
		}
		if err := putEntry(txn, directory.NewPlaceholder(parent), true); err != nil {
			return err
		}
		parent = parentDisplayOf(parent)
	}
	return nil
}

func putEntry(txn *badger.Txn, entry *directory.Entry, synthetic bool) error {
	data, err := json.Marshal(record{DN: entry.DN, Attributes: entry.Attributes, Synthetic: synthetic})
	if err != nil {
		return ioError("encoding entry", err)
	}
	if err := txn.Set(entryKey(entry.DN), data); err != nil {
		return ioError("writing entry", err)
	}
	return nil
}

func decodeItem(item *badger.Item) (*directory.Entry, error) {
	var rec record
	err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, ioError("decoding entry", err)
	}
	return &directory.Entry{DN: rec.DN, Attributes: rec.Attributes}, nil
}

// entryKey builds the reverse-component key for a DN.
func entryKey(dn string) []byte {
	components := directory.DNComponents(directory.NormalizeDN(dn))
	var b bytes.Buffer
	b.WriteString(entryKeyPrefix)
	for i := len(components) - 1; i >= 0; i-- {
		b.WriteString(components[i])
		b.WriteString(keySep)
	}
	return b.Bytes()
}

func keyDepth(key []byte) int {
	return bytes.Count(key[len(entryKeyPrefix):], []byte(keySep))
}

// parentDisplayOf strips the leftmost DN component, preserving case.
func parentDisplayOf(dn string) string {
	escaped := false
	for i := 0; i < len(dn); i++ {
		if escaped {
			escaped = false
			continue
		}
		switch dn[i] {
		case '\\':
			escaped = true
		case ',':
			return strings.TrimSpace(dn[i+1:])
		}
	}
	return ""
}

func hasObjectClass(attrs map[string][]string) bool {
	for k, values := range attrs {
		if len(values) > 0 && strings.EqualFold(k, directory.AttrObjectClass) {
			return true
		}
	}
	return false
}

func hashPasswords(attrs map[string][]string) {
	for k, values := range attrs {
		if !strings.EqualFold(k, directory.AttrUserPassword) {
			continue
		}
		hashed := make([]string, len(values))
		for i, value := range values {
			if auth.IsHashed(value) {
				hashed[i] = value
				continue
			}
			h, err := auth.HashPassword(value)
			if err != nil {
				logger.Warn("could not hash userPassword, keeping original value: %v", err)
				hashed[i] = value
				continue
			}
			hashed[i] = h
		}
		attrs[k] = hashed
	}
}

func ioError(msg string, err error) error {
	return &directory.StoreError{Code: directory.ErrIO, Message: msg, Err: err}
}

func noSuchSource(target string) error {
	return &directory.StoreError{
		Code:    directory.ErrNoSuchSource,
		Message: fmt.Sprintf("badger store has no source %q", target),
	}
}
