// Package jsonfile implements directory.Store on federated JSON source
// files with atomic crash-safe writes and debounced hot reload.
//
// Each configured file contributes one record set; the federation merges
// them into a single immutable tree that is republished wholesale on every
// reload or structural write. On-disk mutation always goes through an
// AtomicWriter, so external readers and editors never observe a partially
// written file.
package jsonfile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veld-ldap/veld/internal/logger"
	"github.com/veld-ldap/veld/pkg/auth"
	"github.com/veld-ldap/veld/pkg/directory"
)

// Options configures a federated JSON store.
type Options struct {
	// Files is the ordered list of source file paths. Order matters for
	// merge conflict resolution. At least one file is required.
	Files []string

	// Strategy resolves cross-source DN collisions. Defaults to
	// StrategyLastWins.
	Strategy Strategy

	// ReadOnly rejects every write operation before any lock or file is
	// touched.
	ReadOnly bool

	// Watch enables hot reload on external file modification.
	Watch bool

	// Debounce is the quiet period collapsing a burst of file events
	// into one reload. Defaults to DefaultDebounce.
	Debounce time.Duration

	// LockTimeout bounds waiting for a source file's write lock.
	// Defaults to DefaultLockTimeout.
	LockTimeout time.Duration

	// Backup controls whether a timestamped copy of the previous content
	// is written before each replace.
	Backup bool
}

// LoadStats describes the most recent successful load.
type LoadStats struct {
	LastLoad  time.Time
	Sources   int
	Entries   int
	Conflicts int
}

// source is one configured backing file. mu serializes every operation
// that writes the file or depends on its record cache matching the disk
// content: the AtomicWriter's flock guards against other processes, mu
// against this one. Reloads take the same mutex, so a reload can never
// interleave with a write to the same file. Record slices are treated as
// immutable once published; writers build replacements.
type source struct {
	path   string
	mu     sync.Mutex
	writer *AtomicWriter

	baseDN  string
	records []Record
}

// Store is the federated JSON-backed directory.Store.
//
// The live tree is published through an atomic pointer: reads are
// lock-free snapshots, and a reader that started before a write completes
// keeps seeing its fully-consistent tree. mu guards the record caches and
// tree publication; per-source mutexes serialize file writes and reloads.
type Store struct {
	opts    Options
	sources []*source

	tree atomic.Pointer[directory.Tree]

	// mu guards the sources' record caches during publication and the
	// stats block. Always acquired after a source's own mutex.
	mu    sync.Mutex
	stats LoadStats

	watcher     *Watcher
	cleanupOnce sync.Once
}

var _ directory.Store = (*Store)(nil)

// New loads all configured sources, merges them, and begins watching for
// external changes if requested. Any source failing to load is fatal: no
// partial tree is ever published.
func New(ctx context.Context, opts Options) (*Store, error) {
	if len(opts.Files) == 0 {
		return nil, &directory.StoreError{
			Code:    directory.ErrInvalidArgument,
			Message: "at least one source file is required",
		}
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyLastWins
	}
	if !opts.Strategy.Valid() {
		return nil, &directory.StoreError{
			Code:    directory.ErrInvalidArgument,
			Message: fmt.Sprintf("unknown merge strategy %q", opts.Strategy),
		}
	}

	s := &Store{opts: opts}
	seen := make(map[string]bool)
	for _, path := range opts.Files {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, &directory.StoreError{
				Code:    directory.ErrInvalidArgument,
				Message: "resolving source path " + path,
				Err:     err,
			}
		}
		if seen[abs] {
			return nil, &directory.StoreError{
				Code:    directory.ErrInvalidArgument,
				Message: "duplicate source file " + abs,
			}
		}
		seen[abs] = true
		s.sources = append(s.sources, &source{
			path:   abs,
			writer: NewAtomicWriter(abs, opts.LockTimeout, opts.Backup),
		})
	}

	if err := s.reload(ctx); err != nil {
		return nil, err
	}

	if opts.Watch {
		paths := make([]string, len(s.sources))
		for i, src := range s.sources {
			paths[i] = src.path
		}
		watcher, err := NewWatcher(paths, opts.Debounce, s.handleChange)
		if err == nil {
			err = watcher.Start()
		}
		if err != nil {
			// Monitoring failure is not fatal: the store keeps serving
			// the loaded tree, it just will not pick up external edits.
			logger.Error("file watching unavailable: %v", err)
		} else {
			s.watcher = watcher
			go s.drainWatchErrors(watcher)
			logger.Info("file watching enabled for %d source files", len(paths))
		}
	}

	return s, nil
}

func (s *Store) drainWatchErrors(w *Watcher) {
	for err := range w.Errors() {
		logger.Error("file watcher: %v", err)
	}
}

// handleChange runs on the watcher goroutine after a debounced burst.
func (s *Store) handleChange(changed []string) {
	logger.Info("reloading after external change to %v", changed)
	if err := s.reload(context.Background()); err != nil {
		logger.Error("reload failed, keeping previous tree: %v", err)
		return
	}
	logger.Info("reload complete, %d entries", s.Stats().Entries)
}

// reload re-reads every source and swaps in the merged tree, all or
// nothing. Each source's mutex is held for the duration, serializing the
// reload against writers on the same files.
func (s *Store) reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, src := range s.sources {
		src.mu.Lock()
		defer src.mu.Unlock()
	}

	docs := make([]*Document, len(s.sources))
	for i, src := range s.sources {
		doc, err := LoadSource(src.path)
		if err != nil {
			return err
		}
		docs[i] = doc
	}

	merged := make([]MergeSource, len(s.sources))
	for i, src := range s.sources {
		merged[i] = MergeSource{Path: src.path, BaseDN: docs[i].BaseDN, Records: docs[i].Entries}
	}
	tree, stats, err := Merge(merged, s.opts.Strategy)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, src := range s.sources {
		src.baseDN = docs[i].BaseDN
		src.records = docs[i].Entries
	}
	s.tree.Store(tree)
	s.stats = LoadStats{
		LastLoad:  time.Now(),
		Sources:   stats.Sources,
		Entries:   stats.Entries,
		Conflicts: stats.Conflicts,
	}
	return nil
}

// publishLocked rebuilds the tree from the current record caches. The
// caller holds s.mu. Caches were consistent before the change, so a merge
// failure here means a strict-mode conflict introduced by the caller; the
// previous tree stays live in that case.
func (s *Store) publishLocked() error {
	merged := make([]MergeSource, len(s.sources))
	for i, src := range s.sources {
		merged[i] = MergeSource{Path: src.path, BaseDN: src.baseDN, Records: src.records}
	}
	tree, stats, err := Merge(merged, s.opts.Strategy)
	if err != nil {
		return err
	}
	s.tree.Store(tree)
	s.stats = LoadStats{
		LastLoad:  time.Now(),
		Sources:   stats.Sources,
		Entries:   stats.Entries,
		Conflicts: stats.Conflicts,
	}
	return nil
}

// commitLocked replaces src's record set with records, validating the
// federation-wide merge BEFORE touching the file so a batch that would
// break the merge (a strict-mode duplicate across sources) leaves the
// on-disk document untouched. Both src.mu and s.mu must be held; keeping
// the admission check, the durable write, and the publish in one critical
// section means concurrent writers to different sources cannot both admit
// the same new DN.
func (s *Store) commitLocked(ctx context.Context, src *source, records []Record) error {
	merged := make([]MergeSource, len(s.sources))
	for i, other := range s.sources {
		recs := other.records
		if other == src {
			recs = records
		}
		merged[i] = MergeSource{Path: other.path, BaseDN: other.baseDN, Records: recs}
	}
	tree, stats, err := Merge(merged, s.opts.Strategy)
	if err != nil {
		return err
	}
	if err := src.writer.Replace(ctx, &Document{BaseDN: src.baseDN, Entries: records}); err != nil {
		return err
	}
	src.records = records
	s.tree.Store(tree)
	s.stats = LoadStats{
		LastLoad:  time.Now(),
		Sources:   stats.Sources,
		Entries:   stats.Entries,
		Conflicts: stats.Conflicts,
	}
	return nil
}

// Stats returns a snapshot of the most recent load.
func (s *Store) Stats() LoadStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// SourcePaths returns the configured source files in order.
func (s *Store) SourcePaths() []string {
	paths := make([]string, len(s.sources))
	for i, src := range s.sources {
		paths[i] = src.path
	}
	return paths
}

// GetRoot implements directory.Store.
func (s *Store) GetRoot(ctx context.Context) (*directory.Entry, error) {
	root := s.tree.Load().Root()
	if root == nil {
		return nil, &directory.StoreError{Code: directory.ErrNotFound, Message: "no root entry"}
	}
	return root.Clone(), nil
}

// Find implements directory.Store.
func (s *Store) Find(ctx context.Context, dn string) (*directory.Entry, error) {
	if _, err := directory.ParseDN(dn); err != nil {
		return nil, err
	}
	entry := s.tree.Load().Find(dn)
	if entry == nil {
		return nil, &directory.StoreError{Code: directory.ErrNotFound, Message: "no such entry", DN: dn}
	}
	return entry.Clone(), nil
}

// Search implements directory.Store.
func (s *Store) Search(ctx context.Context, baseDN string, scope directory.Scope) ([]*directory.Entry, error) {
	if _, err := directory.ParseDN(baseDN); err != nil {
		return nil, err
	}
	matches, ok := s.tree.Load().Search(baseDN, scope)
	if !ok {
		return nil, &directory.StoreError{Code: directory.ErrNotFound, Message: "no such entry", DN: baseDN}
	}
	results := make([]*directory.Entry, len(matches))
	for i, e := range matches {
		results[i] = e.Clone()
	}
	return results, nil
}

// Add implements directory.Store.
func (s *Store) Add(ctx context.Context, entry *directory.Entry, target string) error {
	if s.opts.ReadOnly {
		return readOnlyError(entry)
	}
	if err := directory.ValidateEntry(entry); err != nil {
		return err
	}
	src, err := s.resolveTarget(target)
	if err != nil {
		return err
	}

	entry = entry.Clone()
	hashEntryPasswords(entry)

	src.mu.Lock()
	defer src.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	// The tree is only ever swapped under s.mu, so checking it here makes
	// the uniqueness check atomic with the publish.
	if s.tree.Load().Find(entry.DN) != nil {
		return &directory.StoreError{
			Code:    directory.ErrAlreadyExists,
			Message: "entry already exists",
			DN:      entry.DN,
		}
	}

	records := append(append([]Record(nil), src.records...), RecordOf(entry))
	return s.commitLocked(ctx, src, records)
}

// Modify implements directory.Store.
func (s *Store) Modify(ctx context.Context, dn string, attrs map[string][]string) error {
	if s.opts.ReadOnly {
		return &directory.StoreError{Code: directory.ErrReadOnly, Message: "store is read-only", DN: dn}
	}
	if _, err := directory.ParseDN(dn); err != nil {
		return err
	}
	if len(attrLookup(attrs, directory.AttrObjectClass)) == 0 {
		return &directory.StoreError{
			Code:    directory.ErrValidation,
			Message: "replacement attributes have no objectClass value",
			DN:      dn,
		}
	}

	existing := s.tree.Load().Find(dn)
	if existing == nil {
		return &directory.StoreError{Code: directory.ErrNotFound, Message: "no such entry", DN: dn}
	}
	src, err := s.owningSource(existing)
	if err != nil {
		return err
	}

	attrs = directory.CloneAttributes(attrs)
	hashAttrPasswords(attrs)

	src.mu.Lock()
	defer src.mu.Unlock()

	idx := indexOf(src.records, dn)
	if idx < 0 {
		return &directory.StoreError{Code: directory.ErrNotFound, Message: "no such entry", DN: dn}
	}

	records := append([]Record(nil), src.records...)
	records[idx] = Record{DN: records[idx].DN, Attributes: attrs}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(ctx, src, records)
}

// Delete implements directory.Store.
func (s *Store) Delete(ctx context.Context, dn string) error {
	if s.opts.ReadOnly {
		return &directory.StoreError{Code: directory.ErrReadOnly, Message: "store is read-only", DN: dn}
	}
	if _, err := directory.ParseDN(dn); err != nil {
		return err
	}

	tree := s.tree.Load()
	existing := tree.Find(dn)
	if existing == nil {
		return &directory.StoreError{Code: directory.ErrNotFound, Message: "no such entry", DN: dn}
	}
	if tree.HasChildren(dn) {
		return &directory.StoreError{
			Code:    directory.ErrNotLeaf,
			Message: "entry has children",
			DN:      dn,
		}
	}
	src, err := s.owningSource(existing)
	if err != nil {
		return err
	}

	src.mu.Lock()
	defer src.mu.Unlock()

	idx := indexOf(src.records, dn)
	if idx < 0 {
		return &directory.StoreError{Code: directory.ErrNotFound, Message: "no such entry", DN: dn}
	}

	records := append([]Record(nil), src.records[:idx]...)
	records = append(records, src.records[idx+1:]...)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(ctx, src, records)
}

// BulkWrite implements directory.Store. The batch replaces the target
// source's whole record set in one atomic transaction.
func (s *Store) BulkWrite(ctx context.Context, entries []*directory.Entry, target string) error {
	if s.opts.ReadOnly {
		return &directory.StoreError{Code: directory.ErrReadOnly, Message: "store is read-only"}
	}
	src, err := s.resolveTarget(target)
	if err != nil {
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

	records := make([]Record, len(entries))
	for i, e := range entries {
		e = e.Clone()
		hashEntryPasswords(e)
		records[i] = RecordOf(e)
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(ctx, src, records)
}

// Cleanup implements directory.Store.
func (s *Store) Cleanup() error {
	s.cleanupOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Stop()
			logger.Info("file watching stopped")
		}
	})
	return nil
}

// resolveTarget maps a caller-supplied target to a configured source.
// With exactly one source an empty target selects it; with several, an
// explicit target is required. Targets match by full path or base name.
func (s *Store) resolveTarget(target string) (*source, error) {
	if target == "" {
		if len(s.sources) == 1 {
			return s.sources[0], nil
		}
		return nil, &directory.StoreError{
			Code:    directory.ErrInvalidArgument,
			Message: fmt.Sprintf("a target source is required with %d configured sources", len(s.sources)),
		}
	}

	abs, _ := filepath.Abs(target)
	for _, src := range s.sources {
		if src.path == abs || src.path == target || filepath.Base(src.path) == target {
			return src, nil
		}
	}
	return nil, &directory.StoreError{
		Code:    directory.ErrNoSuchSource,
		Message: fmt.Sprintf("%q is not a configured source", target),
	}
}

// owningSource resolves the source file holding an entry's authoritative
// record. Synthesized placeholders have none and cannot be written.
func (s *Store) owningSource(entry *directory.Entry) (*source, error) {
	if entry.Source == "" {
		return nil, &directory.StoreError{
			Code:    directory.ErrInvalidArgument,
			Message: "entry is a synthesized placeholder with no backing source",
			DN:      entry.DN,
		}
	}
	for _, src := range s.sources {
		if src.path == entry.Source {
			return src, nil
		}
	}
	return nil, &directory.StoreError{
		Code:    directory.ErrNoSuchSource,
		Message: "entry's source is no longer configured: " + entry.Source,
		DN:      entry.DN,
	}
}

func indexOf(records []Record, dn string) int {
	norm := directory.NormalizeDN(dn)
	for i := range records {
		if directory.NormalizeDN(records[i].DN) == norm {
			return i
		}
	}
	return -1
}

func readOnlyError(entry *directory.Entry) error {
	dn := ""
	if entry != nil {
		dn = entry.DN
	}
	return &directory.StoreError{Code: directory.ErrReadOnly, Message: "store is read-only", DN: dn}
}

func hashEntryPasswords(e *directory.Entry) {
	hashAttrPasswords(e.Attributes)
}

func hashAttrPasswords(attrs map[string][]string) {
	key, values := attrEntry(attrs, directory.AttrUserPassword)
	if key == "" {
		return
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
	attrs[key] = hashed
}
