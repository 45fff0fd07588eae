package proofs

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/storage"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
)

// Key prefixes of the proof store tables inside the shared database.
const (
	unitsTable    = 'P' // unit_id -> unitRecord
	mappingTable  = 'M' // account | 0x00 | value_id | 0x00 | seq -> unit_id
	countersTable = 'Q' // account | 0x00 | value_id -> next seq
)

// unitRecord is the persisted shape of one proof unit row.
type unitRecord struct {
	Unit      ProofUnit `json:"unit"`
	RefCount  uint64    `json:"ref_count"`
	CreatedAt int64     `json:"created_at"`
}

// =============================================================================

// Store maintains the proof units for one account. Every mutating call
// runs as a single atomic batch.
type Store struct {
	mu       sync.Mutex
	account  values.Address
	store    *storage.Store
	units    storage.Table
	mappings storage.Table
	counters storage.Table
}

// NewStore constructs the proof store for the specified account over the
// shared database.
func NewStore(account values.Address, store *storage.Store) *Store {
	return &Store{
		account:  account,
		store:    store,
		units:    store.Table(unitsTable),
		mappings: store.Table(mappingTable),
		counters: store.Table(countersTable),
	}
}

// Account returns the account this store belongs to.
func (s *Store) Account() values.Address {
	return s.account
}

// mappingKey builds the ordered mapping key for one value reference.
// The account scopes the key so stores sharing one database stay apart.
func (s *Store) mappingKey(valueID string, seq uint64) []byte {
	key := s.valuePrefix(valueID)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return append(key, seqBytes[:]...)
}

// valuePrefix builds the account-scoped key prefix for one value.
func (s *Store) valuePrefix(valueID string) []byte {
	key := append([]byte(s.account), 0x00)
	key = append(key, []byte(valueID)...)
	return append(key, 0x00)
}

// Add records the unit as the next proof for the specified value. A unit
// already present has its reference count incremented instead of being
// stored twice. Re-adding the unit that is already the value's latest
// proof is a no-op, keeping block updates idempotent. The first return
// reports whether a new reference was actually written, so callers
// staging a larger change know what to compensate on failure.
func (s *Store) Add(valueID string, unit ProofUnit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unitID := unit.UnitID()

	last, err := s.lastUnitID(valueID)
	if err != nil {
		return false, err
	}
	if last == unitID {
		return false, nil
	}

	batch := s.store.NewBatch()

	record, err := s.loadUnit(unitID)
	switch {
	case errors.Is(err, ErrNotFound):
		record = unitRecord{Unit: unit, RefCount: 1, CreatedAt: time.Now().UTC().Unix()}
	case err != nil:
		return false, err
	default:
		record.RefCount++
	}

	data, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("marshaling unit: %w: %s", storage.ErrPersistence, err)
	}
	batch.Put(s.units, []byte(unitID), data)

	seq, err := s.nextSeq(valueID)
	if err != nil {
		return false, err
	}
	batch.Put(s.mappings, s.mappingKey(valueID, seq), []byte(unitID))

	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq+1)
	batch.Put(s.counters, s.counterKey(valueID), seqBytes[:])

	if err := batch.Commit(); err != nil {
		return false, err
	}

	return true, nil
}

// Remove drops one reference from the specified value to the unit. The
// unit row is deleted when its reference count reaches zero.
func (s *Store) Remove(valueID string, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.store.NewBatch()
	if err := s.stageRemove(batch, valueID, unitID); err != nil {
		batch.Abort()
		return err
	}

	return batch.Commit()
}

// RemoveValue drops every proof reference held by the specified value,
// decrementing each referenced unit. Used when a spent value's triplet is
// released.
func (s *Store) RemoveValue(valueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unitIDs, err := s.orderedUnitIDs(valueID)
	if err != nil {
		return err
	}

	batch := s.store.NewBatch()
	for _, unitID := range unitIDs {
		if err := s.stageRemove(batch, valueID, unitID); err != nil {
			batch.Abort()
			return err
		}
	}
	batch.Delete(s.counters, s.counterKey(valueID))

	return batch.Commit()
}

// stageRemove stages the removal of one (value, unit) reference into the
// batch. The caller must hold the lock.
func (s *Store) stageRemove(batch *storage.Batch, valueID string, unitID string) error {
	found := false

	it := s.mappings.Iterator()
	defer it.Release()

	prefix := s.valuePrefix(valueID)
	for it.Next() {
		key := s.mappings.StripPrefix(it.Key())
		if len(key) < len(prefix) || string(key[:len(prefix)]) != string(prefix) {
			continue
		}
		if string(it.Value()) != unitID {
			continue
		}

		batch.Delete(s.mappings, append([]byte{}, key...))
		found = true
		break
	}

	if !found {
		return fmt.Errorf("mapping %s -> %s: %w", valueID, unitID, ErrNotFound)
	}

	record, err := s.loadUnit(unitID)
	if err != nil {
		return err
	}

	record.RefCount--
	if record.RefCount == 0 {
		batch.Delete(s.units, []byte(unitID))
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling unit: %w: %s", storage.ErrPersistence, err)
	}
	batch.Put(s.units, []byte(unitID), data)

	return nil
}

// Ordered returns the value's proof units in the order they were added.
func (s *Store) Ordered(valueID string) ([]ProofUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unitIDs, err := s.orderedUnitIDs(valueID)
	if err != nil {
		return nil, err
	}

	units := make([]ProofUnit, 0, len(unitIDs))
	for _, unitID := range unitIDs {
		record, err := s.loadUnit(unitID)
		if err != nil {
			return nil, err
		}
		units = append(units, record.Unit)
	}

	return units, nil
}

// Unit returns the stored unit with the specified id.
func (s *Store) Unit(unitID string) (ProofUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.loadUnit(unitID)
	if err != nil {
		return ProofUnit{}, err
	}

	return record.Unit, nil
}

// RefCount returns the number of value references to the specified unit.
func (s *Store) RefCount(unitID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.loadUnit(unitID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return record.RefCount, nil
}

// =============================================================================

// counterKey builds the account-scoped counter key for one value.
func (s *Store) counterKey(valueID string) []byte {
	key := append([]byte(s.account), 0x00)
	return append(key, []byte(valueID)...)
}

// loadUnit reads one unit row. The caller must hold the lock.
func (s *Store) loadUnit(unitID string) (unitRecord, error) {
	data, err := s.units.Get([]byte(unitID))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return unitRecord{}, fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	case err != nil:
		return unitRecord{}, err
	}

	var record unitRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return unitRecord{}, fmt.Errorf("unmarshaling unit: %w: %s", storage.ErrPersistence, err)
	}

	return record, nil
}

// orderedUnitIDs lists the value's unit ids in sequence order. The
// caller must hold the lock.
func (s *Store) orderedUnitIDs(valueID string) ([]string, error) {
	var unitIDs []string

	prefix := s.valuePrefix(valueID)

	it := s.mappings.Iterator()
	defer it.Release()

	for it.Next() {
		key := s.mappings.StripPrefix(it.Key())
		if len(key) < len(prefix) || string(key[:len(prefix)]) != string(prefix) {
			continue
		}
		unitIDs = append(unitIDs, string(it.Value()))
	}

	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterating mappings: %w: %s", storage.ErrPersistence, err)
	}

	return unitIDs, nil
}

// lastUnitID returns the id of the value's most recent proof unit, or an
// empty string when the value has none. The caller must hold the lock.
func (s *Store) lastUnitID(valueID string) (string, error) {
	unitIDs, err := s.orderedUnitIDs(valueID)
	if err != nil {
		return "", err
	}
	if len(unitIDs) == 0 {
		return "", nil
	}

	return unitIDs[len(unitIDs)-1], nil
}

// nextSeq returns the next mapping sequence number for the value. The
// caller must hold the lock.
func (s *Store) nextSeq(valueID string) (uint64, error) {
	data, err := s.counters.Get(s.counterKey(valueID))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	}

	return binary.BigEndian.Uint64(data), nil
}
