// Package blob stores attachment binaries in BadgerDB, keyed by the
// (thread title, filename) pair. Attachments are write-once: a key is only
// ever created by a completed upload and never overwritten.
package blob

import (
	"bytes"
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/threadline/threadline/pkg/forum"
)

// keyPrefix namespaces attachment keys inside the database.
var keyPrefix = []byte("att\x00")

// key builds the composite attachment key. Titles cannot contain the NUL
// separator (they are validated filenames), so keys cannot collide.
func key(title, filename string) []byte {
	var b bytes.Buffer
	b.Write(keyPrefix)
	b.WriteString(title)
	b.WriteByte(0)
	b.WriteString(filename)
	return b.Bytes()
}

// threadPrefix returns the key prefix covering every attachment of one thread.
func threadPrefix(title string) []byte {
	var b bytes.Buffer
	b.Write(keyPrefix)
	b.WriteString(title)
	b.WriteByte(0)
	return b.Bytes()
}

// Store is a BadgerDB-backed attachment store.
//
// Thread safety: safe for concurrent use; Badger transactions provide the
// atomicity of the exists-then-put check.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the attachment database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores a new attachment. Returns ErrAlreadyExists if an attachment
// already exists at (title, filename); existing attachments are never
// mutated or overwritten.
func (s *Store) Put(ctx context.Context, title, filename string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		k := key(title, filename)

		_, err := txn.Get(k)
		if err == nil {
			return &forum.StoreError{
				Code:    forum.ErrAlreadyExists,
				Message: fmt.Sprintf("attachment %q already exists", filename),
				Title:   title,
			}
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check attachment existence: %w", err)
		}

		if err := txn.Set(k, data); err != nil {
			return fmt.Errorf("failed to store attachment: %w", err)
		}
		return nil
	})
}

// Get returns the attachment bytes at (title, filename).
// Returns ErrNotFound if no such attachment exists.
func (s *Store) Get(ctx context.Context, title, filename string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(title, filename))
		if err == badger.ErrKeyNotFound {
			return &forum.StoreError{
				Code:    forum.ErrNotFound,
				Message: fmt.Sprintf("attachment %q not found", filename),
				Title:   title,
			}
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Exists reports whether an attachment exists at (title, filename).
func (s *Store) Exists(ctx context.Context, title, filename string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	exists := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key(title, filename))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check attachment existence: %w", err)
	}
	return exists, nil
}

// DeleteThread removes every attachment keyed under the given thread title.
// Deleting a thread with no attachments is a no-op.
func (s *Store) DeleteThread(ctx context.Context, title string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Collect keys first; Badger forbids writes while iterating.
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = threadPrefix(title)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enumerate attachments: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("failed to delete attachment: %w", err)
			}
		}
		return nil
	})
}

// Healthcheck verifies the database is open and readable.
func (s *Store) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return fmt.Errorf("attachment database is closed")
	}
	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(keyPrefix)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}
