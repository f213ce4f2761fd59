package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/veld-ldap/veld/pkg/directory"
)

// DefaultLockTimeout bounds how long a writer waits for another writer
// (possibly in another process) to release a source file.
const DefaultLockTimeout = 5 * time.Second

// AtomicWriter replaces one file's contents such that any crash or
// concurrent reader observes either the fully-old or fully-new content,
// never a partial write, and at most one writer at a time modifies the
// file.
//
// The protocol: acquire an exclusive flock on a sibling lock file, write
// the serialized document to a temporary file in the same directory (so
// the final step is a metadata-only move), fsync it, optionally copy the
// current content to a timestamped backup, then rename the temporary file
// over the target. On any failure before the rename the target is left
// untouched and the temporary file removed.
//
// The flock also serializes this process's writers against an external
// process editing the same file through its own AtomicWriter. Backup files
// are named <name>.<unix-timestamp>.bak and are never deleted here;
// retention is the operator's concern.
type AtomicWriter struct {
	path        string
	lockTimeout time.Duration
	backup      bool
}

// NewAtomicWriter creates a writer for path. lockTimeout <= 0 selects
// DefaultLockTimeout.
func NewAtomicWriter(path string, lockTimeout time.Duration, backup bool) *AtomicWriter {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &AtomicWriter{path: path, lockTimeout: lockTimeout, backup: backup}
}

// Path returns the target file path.
func (w *AtomicWriter) Path() string {
	return w.path
}

// Replace durably swaps the file's content for the serialized document.
//
// Returns ErrLockTimeout if another writer holds the file past the
// configured timeout, ErrWriteFailed for any failure before the final
// swap. In both cases the on-disk content is unchanged. The lock is
// released on every path.
func (w *AtomicWriter) Replace(ctx context.Context, doc *Document) error {
	lock, err := w.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer releaseLock(lock)

	return w.replaceLocked(doc)
}

func (w *AtomicWriter) replaceLocked(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &directory.StoreError{
			Code:    directory.ErrWriteFailed,
			Message: "serializing " + w.path,
			Err:     err,
		}
	}
	data = append(data, '\n')

	if w.backup {
		if err := w.writeBackup(); err != nil {
			return err
		}
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(w.path)+".tmp-*")
	if err != nil {
		return &directory.StoreError{
			Code:    directory.ErrWriteFailed,
			Message: "creating temporary file in " + dir,
			Err:     err,
		}
	}
	tmpPath := tmp.Name()

	if err := writeAndSync(tmp, data); err != nil {
		os.Remove(tmpPath)
		return &directory.StoreError{
			Code:    directory.ErrWriteFailed,
			Message: "writing " + tmpPath,
			Err:     err,
		}
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return &directory.StoreError{
			Code:    directory.ErrWriteFailed,
			Message: "replacing " + w.path,
			Err:     err,
		}
	}
	return nil
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeBackup copies the current content, if any, to a timestamped sibling.
func (w *AtomicWriter) writeBackup() error {
	current, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &directory.StoreError{
			Code:    directory.ErrWriteFailed,
			Message: "reading " + w.path + " for backup",
			Err:     err,
		}
	}

	backupPath := fmt.Sprintf("%s.%d.bak", w.path, time.Now().UnixNano())
	if err := os.WriteFile(backupPath, current, 0o644); err != nil {
		return &directory.StoreError{
			Code:    directory.ErrWriteFailed,
			Message: "writing backup " + backupPath,
			Err:     err,
		}
	}
	return nil
}

// acquireLock takes an exclusive flock on the sibling lock file, trying
// non-blocking first and then polling with backoff until the timeout.
func (w *AtomicWriter) acquireLock(ctx context.Context) (*os.File, error) {
	lockPath := w.path + ".lock"
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &directory.StoreError{
			Code:    directory.ErrIO,
			Message: "opening lock file " + lockPath,
			Err:     err,
		}
	}

	err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == nil {
		return file, nil
	}
	if !errors.Is(err, syscall.EWOULDBLOCK) {
		file.Close()
		return nil, &directory.StoreError{
			Code:    directory.ErrIO,
			Message: "locking " + lockPath,
			Err:     err,
		}
	}

	lockCtx, cancel := context.WithTimeout(ctx, w.lockTimeout)
	defer cancel()

	const (
		minBackoff = 10 * time.Millisecond
		maxBackoff = 250 * time.Millisecond
	)
	backoff := minBackoff

	for {
		select {
		case <-lockCtx.Done():
			file.Close()
			return nil, &directory.StoreError{
				Code:    directory.ErrLockTimeout,
				Message: fmt.Sprintf("lock on %s not acquired within %v", w.path, w.lockTimeout),
				Err:     lockCtx.Err(),
			}
		case <-time.After(backoff):
			err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
			if err == nil {
				return file, nil
			}
			if !errors.Is(err, syscall.EWOULDBLOCK) {
				file.Close()
				return nil, &directory.StoreError{
					Code:    directory.ErrIO,
					Message: "locking " + lockPath,
					Err:     err,
				}
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func releaseLock(file *os.File) {
	if file == nil {
		return
	}
	syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	file.Close()
}
