// Package memory implements directory.Store entirely in memory.
//
// It is intended for tests and ephemeral deployments: nothing is
// persisted, and every restart begins from an empty tree rooted at the
// configured base DN.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/veld-ldap/veld/internal/logger"
	"github.com/veld-ldap/veld/pkg/auth"
	"github.com/veld-ldap/veld/pkg/directory"
)

// Store is an in-memory directory.Store. All operations are safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	rootDN   string
	entries  map[string]*directory.Entry
	children map[string][]string
}

var _ directory.Store = (*Store)(nil)

// NewStore creates an in-memory store rooted at baseDN. The root entry is
// seeded as a placeholder so the tree is never empty.
func NewStore(baseDN string) (*Store, error) {
	if _, err := directory.ParseDN(baseDN); err != nil {
		return nil, err
	}
	s := &Store{
		rootDN:   directory.NormalizeDN(baseDN),
		entries:  make(map[string]*directory.Entry),
		children: make(map[string][]string),
	}
	s.entries[s.rootDN] = directory.NewPlaceholder(baseDN)
	return s, nil
}

// GetRoot implements directory.Store.
func (s *Store) GetRoot(ctx context.Context) (*directory.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[s.rootDN].Clone(), nil
}

// Find implements directory.Store.
func (s *Store) Find(ctx context.Context, dn string) (*directory.Entry, error) {
	if _, err := directory.ParseDN(dn); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[directory.NormalizeDN(dn)]
	if !ok {
		return nil, &directory.StoreError{Code: directory.ErrNotFound, Message: "no such entry", DN: dn}
	}
	return entry.Clone(), nil
}

// Search implements directory.Store.
func (s *Store) Search(ctx context.Context, baseDN string, scope directory.Scope) ([]*directory.Entry, error) {
	if _, err := directory.ParseDN(baseDN); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	norm := directory.NormalizeDN(baseDN)
	base, ok := s.entries[norm]
	if !ok {
		return nil, &directory.StoreError{Code: directory.ErrNotFound, Message: "no such entry", DN: baseDN}
	}

	var results []*directory.Entry
	switch scope {
	case directory.ScopeBase:
		results = append(results, base.Clone())
	case directory.ScopeOne:
		for _, child := range s.children[norm] {
			results = append(results, s.entries[child].Clone())
		}
	case directory.ScopeSub:
		stack := []string{norm}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			results = append(results, s.entries[cur].Clone())
			kids := s.children[cur]
			for i := len(kids) - 1; i >= 0; i-- {
				stack = append(stack, kids[i])
			}
		}
	default:
		return nil, &directory.StoreError{
			Code:    directory.ErrInvalidArgument,
			Message: fmt.Sprintf("unknown search scope %d", scope),
		}
	}
	return results, nil
}

// Add implements directory.Store. Missing ancestors up to the root are
// synthesized as placeholders, matching the federated backend's behavior.
// The memory store has no named sources, so target must be empty.
func (s *Store) Add(ctx context.Context, entry *directory.Entry, target string) error {
	if target != "" {
		return &directory.StoreError{
			Code:    directory.ErrNoSuchSource,
			Message: fmt.Sprintf("memory store has no source %q", target),
		}
	}
	if err := directory.ValidateEntry(entry); err != nil {
		return err
	}

	entry = entry.Clone()
	hashPasswords(entry.Attributes)

	s.mu.Lock()
	defer s.mu.Unlock()

	norm := entry.Norm()
	if _, ok := s.entries[norm]; ok {
		return &directory.StoreError{Code: directory.ErrAlreadyExists, Message: "entry already exists", DN: entry.DN}
	}
	s.insertLocked(entry)
	return nil
}

// Modify implements directory.Store. The attribute map replaces the
// entry's attributes wholesale.
func (s *Store) Modify(ctx context.Context, dn string, attrs map[string][]string) error {
	if _, err := directory.ParseDN(dn); err != nil {
		return err
	}

	attrs = directory.CloneAttributes(attrs)
	if !hasObjectClass(attrs) {
		return &directory.StoreError{
			Code:    directory.ErrValidation,
			Message: "replacement attributes have no objectClass value",
			DN:      dn,
		}
	}
	hashPasswords(attrs)

	s.mu.Lock()
	defer s.mu.Unlock()

	norm := directory.NormalizeDN(dn)
	entry, ok := s.entries[norm]
	if !ok {
		return &directory.StoreError{Code: directory.ErrNotFound, Message: "no such entry", DN: dn}
	}
	s.entries[norm] = &directory.Entry{DN: entry.DN, Attributes: attrs, Source: entry.Source}
	return nil
}

// Delete implements directory.Store. Only leaf entries can be removed.
func (s *Store) Delete(ctx context.Context, dn string) error {
	if _, err := directory.ParseDN(dn); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	norm := directory.NormalizeDN(dn)
	if _, ok := s.entries[norm]; !ok {
		return &directory.StoreError{Code: directory.ErrNotFound, Message: "no such entry", DN: dn}
	}
	if len(s.children[norm]) > 0 {
		return &directory.StoreError{Code: directory.ErrNotLeaf, Message: "entry has children", DN: dn}
	}

	delete(s.entries, norm)
	delete(s.children, norm)
	parent := directory.ParentDN(dn)
	kids := s.children[parent]
	for i, child := range kids {
		if child == norm {
			s.children[parent] = append(kids[:i:i], kids[i+1:]...)
			break
		}
	}
	return nil
}

// BulkWrite implements directory.Store. The batch replaces the whole
// store content, keeping only the root and the batch entries plus their
// synthesized ancestors.
func (s *Store) BulkWrite(ctx context.Context, entries []*directory.Entry, target string) error {
	if target != "" {
		return &directory.StoreError{
			Code:    directory.ErrNoSuchSource,
			Message: fmt.Sprintf("memory store has no source %q", target),
		}
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

	s.mu.Lock()
	defer s.mu.Unlock()

	rootDisplay := s.entries[s.rootDN].DN
	s.entries = map[string]*directory.Entry{s.rootDN: directory.NewPlaceholder(rootDisplay)}
	s.children = make(map[string][]string)
	for _, e := range entries {
		e = e.Clone()
		hashPasswords(e.Attributes)
		s.insertLocked(e)
	}
	return nil
}

// Cleanup implements directory.Store.
func (s *Store) Cleanup() error {
	return nil
}

// insertLocked places the entry and any missing ancestors into the maps.
// The caller holds the write lock and has verified the DN is unoccupied,
// or accepts overwriting a placeholder.
func (s *Store) insertLocked(entry *directory.Entry) {
	norm := entry.Norm()
	if _, ok := s.entries[norm]; !ok {
		parent := directory.ParentDN(entry.DN)
		if parent != "" {
			if _, ok := s.entries[parent]; !ok {
				s.insertLocked(directory.NewPlaceholder(parentDisplayOf(entry.DN)))
			}
			s.children[parent] = append(s.children[parent], norm)
		}
	}
	s.entries[norm] = entry
}

// parentDisplayOf strips the leftmost DN component, preserving the
// original case of the remainder.
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
			return dn[i+1:]
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
