// Package checkpoint persists the receiver-local prior-ownership records
// that bound how far back a VPB must be verified. Records are written by
// the receiver itself after a successful verification, never by the
// network.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/storage"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
	"github.com/holiman/uint256"
	cache "github.com/patrickmn/go-cache"
)

// Set of errors for checkpoint handling.
var (
	ErrCheckpointMiss = errors.New("no checkpoint matches the value")
	ErrNotFound       = errors.New("checkpoint not found")
)

// Key prefixes of the checkpoint tables inside the shared database.
const (
	recordsTable     = 'K' // owner | begin | num -> Record
	containmentTable = 'L' // begin | num | owner -> records key
)

// =============================================================================

// Record asserts that an owner held the value range at a block height.
type Record struct {
	Owner           values.Address `json:"owner_address"`
	ValueBeginIndex *uint256.Int   `json:"value_begin_index"`
	ValueNum        uint64         `json:"value_num"`
	BlockHeight     uint64         `json:"block_height"`
	CreatedAt       int64          `json:"created_at"`
	LastVerifiedAt  int64          `json:"last_verified_at"`
}

// NewRecord constructs a record for the specified value and owner at the
// specified height.
func NewRecord(v values.Value, owner values.Address, height uint64) Record {
	now := time.Now().UTC().Unix()
	return Record{
		Owner:           owner,
		ValueBeginIndex: v.BeginIndex.Clone(),
		ValueNum:        v.ValueNum,
		BlockHeight:     height,
		CreatedAt:       now,
		LastVerifiedAt:  now,
	}
}

// Value returns the range the record covers as a value.
func (r Record) Value() values.Value {
	return values.Value{BeginIndex: r.ValueBeginIndex, ValueNum: r.ValueNum}
}

// MatchesExact reports whether the record covers exactly the specified
// value's range.
func (r Record) MatchesExact(v values.Value) bool {
	return r.Value().Equals(v)
}

// ContainsValue reports whether the record's range fully contains the
// specified value's range, enabling reuse after splits.
func (r Record) ContainsValue(v values.Value) bool {
	return r.Value().Contains(v)
}

// =============================================================================

// Store persists checkpoint records for one account with a hot cache in
// front of the database.
type Store struct {
	mu      sync.Mutex
	account values.Address
	store   *storage.Store
	records storage.Table
	byRange storage.Table
	hot     *cache.Cache
}

// NewStore constructs the checkpoint store for the specified account.
func NewStore(account values.Address, store *storage.Store) *Store {
	return &Store{
		account: account,
		store:   store,
		records: store.Table(recordsTable),
		byRange: store.Table(containmentTable),
		hot:     cache.New(30*time.Minute, time.Hour),
	}
}

// recordKey builds the primary key (owner, begin, num).
func recordKey(owner values.Address, begin *uint256.Int, num uint64) []byte {
	key := append([]byte(owner), 0x00)
	key = append(key, []byte(begin.Hex())...)
	key = append(key, 0x00)
	var numBytes [8]byte
	binary.BigEndian.PutUint64(numBytes[:], num)
	return append(key, numBytes[:]...)
}

// rangeKey builds the secondary key (begin, num, owner) used for
// containment scans.
func rangeKey(begin *uint256.Int, num uint64, owner values.Address) []byte {
	key := append([]byte(begin.Hex()), 0x00)
	var numBytes [8]byte
	binary.BigEndian.PutUint64(numBytes[:], num)
	key = append(key, numBytes[:]...)
	key = append(key, 0x00)
	return append(key, []byte(owner)...)
}

// Put writes or refreshes a record atomically across both tables.
func (s *Store) Put(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.LastVerifiedAt = time.Now().UTC().Unix()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w: %s", storage.ErrPersistence, err)
	}

	primary := recordKey(r.Owner, r.ValueBeginIndex, r.ValueNum)

	batch := s.store.NewBatch()
	batch.Put(s.records, primary, data)
	batch.Put(s.byRange, rangeKey(r.ValueBeginIndex, r.ValueNum, r.Owner), primary)
	if err := batch.Commit(); err != nil {
		return err
	}

	s.hot.SetDefault(string(primary), r)
	return nil
}

// Get returns the record exactly matching the value range for the owner.
func (s *Store) Get(v values.Value, owner values.Address) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(recordKey(owner, v.BeginIndex, v.ValueNum))
}

// load reads a record through the hot cache. The caller must hold the
// lock.
func (s *Store) load(key []byte) (Record, error) {
	if r, found := s.hot.Get(string(key)); found {
		return r.(Record), nil
	}

	data, err := s.records.Get(key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return Record{}, ErrNotFound
	case err != nil:
		return Record{}, err
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("unmarshaling checkpoint: %w: %s", storage.ErrPersistence, err)
	}

	s.hot.SetDefault(string(key), r)
	return r, nil
}

// FindContaining scans the containment index for the first record whose
// range fully contains the value and whose owner matches.
func (s *Store) FindContaining(v values.Value, owner values.Address) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.byRange.Iterator()
	defer it.Release()

	for it.Next() {
		primary := append([]byte{}, it.Value()...)

		r, err := s.load(primary)
		if err != nil {
			continue
		}

		if r.Owner == owner && r.ContainsValue(v) {
			return r, nil
		}
	}

	if err := it.Error(); err != nil {
		return Record{}, fmt.Errorf("scanning checkpoints: %w: %s", storage.ErrPersistence, err)
	}

	return Record{}, ErrCheckpointMiss
}

// Trigger performs the two-stage lookup used by the validator: exact
// match first, containment second.
func (s *Store) Trigger(v values.Value, expectedOwner values.Address) (Record, error) {
	r, err := s.Get(v, expectedOwner)
	if err == nil {
		return r, nil
	}

	r, err = s.FindContaining(v, expectedOwner)
	if err != nil {
		return Record{}, ErrCheckpointMiss
	}

	return r, nil
}

// FindByOwner returns every record held for the specified owner.
func (s *Store) FindByOwner(owner values.Address) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := append([]byte(owner), 0x00)

	var records []Record

	it := s.records.Iterator()
	defer it.Release()

	for it.Next() {
		key := s.records.StripPrefix(it.Key())
		if len(key) < len(prefix) || string(key[:len(prefix)]) != string(prefix) {
			continue
		}

		var r Record
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, fmt.Errorf("unmarshaling checkpoint: %w: %s", storage.ErrPersistence, err)
		}
		records = append(records, r)
	}

	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("scanning checkpoints: %w: %s", storage.ErrPersistence, err)
	}

	return records, nil
}

// Delete removes the record exactly matching the value range for the
// owner.
func (s *Store) Delete(v values.Value, owner values.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	primary := recordKey(owner, v.BeginIndex, v.ValueNum)

	if _, err := s.load(primary); err != nil {
		return err
	}

	batch := s.store.NewBatch()
	batch.Delete(s.records, primary)
	batch.Delete(s.byRange, rangeKey(v.BeginIndex, v.ValueNum, owner))
	if err := batch.Commit(); err != nil {
		return err
	}

	s.hot.Delete(string(primary))
	return nil
}

// All returns every record in the store.
func (s *Store) All() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []Record

	it := s.records.Iterator()
	defer it.Release()

	for it.Next() {
		var r Record
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, fmt.Errorf("unmarshaling checkpoint: %w: %s", storage.ErrPersistence, err)
		}
		records = append(records, r)
	}

	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("scanning checkpoints: %w: %s", storage.ErrPersistence, err)
	}

	return records, nil
}

// Export marshals every record for backup or transfer between nodes.
func (s *Store) Export() ([]byte, error) {
	records, err := s.All()
	if err != nil {
		return nil, err
	}

	return json.MarshalIndent(records, "", "  ")
}

// Import loads records from an export, overwriting any existing entries
// with the same key.
func (s *Store) Import(data []byte) (int, error) {
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, fmt.Errorf("unmarshaling export: %w: %s", storage.ErrPersistence, err)
	}

	for _, r := range records {
		if err := s.Put(r); err != nil {
			return 0, err
		}
	}

	return len(records), nil
}
