// Package storage provides the persistent key/value substrate shared by
// the account-local stores. Tables are carved out of one leveldb database
// by key prefix and every logical mutation is applied as a single atomic
// batch.
package storage

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Set of errors for storage handling.
var (
	ErrNotFound    = errors.New("key not found")
	ErrPersistence = errors.New("persistence failure")
)

// =============================================================================

// Store represents a single leveldb database holding a set of
// prefix-separated tables.
type Store struct {
	db   *leveldb.DB
	path string
}

// Open opens or creates the database at the specified path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w: %s", path, ErrPersistence, err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing store %s: %w: %s", s.path, ErrPersistence, err)
	}
	return nil
}

// Table returns a view of the store restricted to one key prefix.
func (s *Store) Table(prefix byte) Table {
	return Table{store: s, prefix: prefix}
}

// NewBatch starts an atomic batch spanning any of the store's tables.
func (s *Store) NewBatch() *Batch {
	return &Batch{store: s, batch: new(leveldb.Batch)}
}

// =============================================================================

// Table represents one logical table inside the store.
type Table struct {
	store  *Store
	prefix byte
}

// key prepends the table prefix to the caller's key.
func (t Table) key(k []byte) []byte {
	return append([]byte{t.prefix}, k...)
}

// Get reads the value stored under the specified key.
func (t Table) Get(k []byte) ([]byte, error) {
	data, err := t.store.db.Get(t.key(k), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("get: %w: %s", ErrPersistence, err)
	}

	return data, nil
}

// Has reports whether the specified key exists.
func (t Table) Has(k []byte) (bool, error) {
	found, err := t.store.db.Has(t.key(k), nil)
	if err != nil {
		return false, fmt.Errorf("has: %w: %s", ErrPersistence, err)
	}

	return found, nil
}

// Put writes a single key outside of any batch.
func (t Table) Put(k []byte, v []byte) error {
	if err := t.store.db.Put(t.key(k), v, nil); err != nil {
		return fmt.Errorf("put: %w: %s", ErrPersistence, err)
	}

	return nil
}

// Delete removes a single key outside of any batch.
func (t Table) Delete(k []byte) error {
	if err := t.store.db.Delete(t.key(k), nil); err != nil {
		return fmt.Errorf("delete: %w: %s", ErrPersistence, err)
	}

	return nil
}

// Iterator walks the table in key order. The caller must Release it.
func (t Table) Iterator() iterator.Iterator {
	return t.store.db.NewIterator(util.BytesPrefix([]byte{t.prefix}), nil)
}

// StripPrefix removes the table prefix from an iterator key.
func (t Table) StripPrefix(k []byte) []byte {
	return k[1:]
}

// =============================================================================

// Batch collects writes across tables and applies them in one atomic
// database write.
type Batch struct {
	store *Store
	batch *leveldb.Batch
}

// Put stages a write into the specified table.
func (b *Batch) Put(t Table, k []byte, v []byte) {
	b.batch.Put(t.key(k), v)
}

// Delete stages a delete from the specified table.
func (b *Batch) Delete(t Table, k []byte) {
	b.batch.Delete(t.key(k))
}

// Commit applies all staged operations atomically.
func (b *Batch) Commit() error {
	if err := b.store.db.Write(b.batch, nil); err != nil {
		return fmt.Errorf("commit: %w: %s", ErrPersistence, err)
	}
	b.batch.Reset()

	return nil
}

// Abort discards all staged operations.
func (b *Batch) Abort() {
	b.batch.Reset()
}
