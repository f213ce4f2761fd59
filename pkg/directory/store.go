package directory

import "context"

// Store provides access to a hierarchical namespace of entries keyed by
// distinguished names.
//
// This interface is the boundary between protocol frontends and the
// persistence layer. Frontends translate between their wire formats and
// these generic operations; backends decide how entries are stored.
//
// Implementations in this repository:
//   - jsonfile: federated, atomically-writable, hot-reloading JSON files
//   - memory: ephemeral in-memory storage for tests and development
//   - badgerstore: single-database persistent storage on BadgerDB
//
// Design principles:
//   - Protocol-agnostic: no wire-level types or result codes
//   - Consistent error handling: business logic failures are *StoreError
//   - Context-aware: operations respect cancellation and timeouts
//   - Atomic publication: readers never observe a half-applied write
//
// Thread safety:
// Implementations must be safe for concurrent use by multiple goroutines.
// Read operations never block on writes in progress.
type Store interface {
	// GetRoot returns the root entry of the directory tree.
	//
	// Never blocks on I/O; reads the currently published state.
	//
	// Returns:
	//   - *Entry: the root entry (a copy; callers may mutate freely)
	//   - error: ErrNotFound if the store has no root entry
	GetRoot(ctx context.Context) (*Entry, error)

	// Find returns the entry with the given DN.
	//
	// DN matching is case-insensitive.
	//
	// Returns:
	//   - *Entry: the entry (a copy)
	//   - error: ErrNotFound if no entry has that DN, ErrInvalidDN if the
	//     DN is malformed
	Find(ctx context.Context, dn string) (*Entry, error)

	// Search enumerates entries relative to baseDN.
	//
	// ScopeBase returns the base entry alone, ScopeOne its immediate
	// children, ScopeSub the base entry plus its full subtree.
	//
	// Returns:
	//   - []*Entry: matched entries (copies), deterministic order
	//   - error: ErrNotFound if the base entry does not exist
	Search(ctx context.Context, baseDN string, scope Scope) ([]*Entry, error)

	// Add creates a new entry.
	//
	// target names the source file that will own the entry. With exactly
	// one configured source an empty target selects it implicitly; with
	// more than one source an explicit target is required, never a
	// "write to the first file" fallback. Backends without federated
	// sources accept only an empty target.
	//
	// Missing ancestors are synthesized as placeholder parents.
	// A plaintext userPassword value is hashed before the entry becomes
	// durable.
	//
	// Returns:
	//   - error: ErrAlreadyExists if the DN exists anywhere in the tree,
	//     ErrReadOnly, ErrInvalidDN, ErrValidation (no objectClass),
	//     ErrInvalidArgument (ambiguous target), ErrNoSuchSource,
	//     ErrLockTimeout or ErrWriteFailed from persistence
	Add(ctx context.Context, entry *Entry, target string) error

	// Modify replaces the named entry's attributes wholesale (not a
	// per-attribute patch) and persists to whichever source currently
	// owns the entry.
	//
	// Returns:
	//   - error: ErrNotFound, ErrReadOnly, ErrValidation (attrs lack
	//     objectClass), ErrInvalidArgument (placeholder entry with no
	//     backing source), or persistence errors
	Modify(ctx context.Context, dn string, attrs map[string][]string) error

	// Delete removes the entry from its owning source.
	//
	// Entries are deleted only as leaves: deleting an entry with children
	// fails with ErrNotLeaf. There are no cascading deletes.
	//
	// Returns:
	//   - error: ErrNotFound, ErrNotLeaf, ErrReadOnly, or persistence
	//     errors
	Delete(ctx context.Context, dn string) error

	// BulkWrite atomically replaces the record set of one source file
	// with the given batch, in a single durable transaction.
	//
	// All-or-nothing: every entry is validated first, and if any fails
	// none are written (the error lists the offending entries). Target
	// selection follows the same rules as Add.
	//
	// Returns:
	//   - error: ErrReadOnly, ErrValidation, ErrInvalidArgument,
	//     ErrNoSuchSource, or persistence errors
	BulkWrite(ctx context.Context, entries []*Entry, target string) error

	// Cleanup releases resources held by the store: file watchers,
	// database handles. Safe to call multiple times.
	Cleanup() error
}
