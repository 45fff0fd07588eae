package vpb

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/blockindex"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/proofs"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/storage"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/transaction"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
)

// Key prefixes of the manager tables inside the shared database.
const (
	valuesTable = 'V' // account | value_id -> values.Value
	bilTable    = 'B' // account | value_id -> blockindex.List
)

// =============================================================================

// Manager owns the triplet binding for one account: every held value
// maps to its ordered proof units and its block index list, with the
// length-equality invariant maintained across both.
type Manager struct {
	mu         sync.Mutex
	account    values.Address
	collection *values.Collection
	proofs     *proofs.Store
	bils       map[string]*blockindex.List
	store      *storage.Store
	valuesTbl  storage.Table
	bilTbl     storage.Table
	ev         EventHandler
}

// NewManager constructs the triplet manager for the specified account,
// loading any persisted state from the store.
func NewManager(account values.Address, store *storage.Store, ev EventHandler) (*Manager, error) {
	if ev == nil {
		ev = func(v string, args ...any) {}
	}

	m := Manager{
		account:    account,
		collection: values.NewCollection(),
		proofs:     proofs.NewStore(account, store),
		bils:       make(map[string]*blockindex.List),
		store:      store,
		valuesTbl:  store.Table(valuesTable),
		bilTbl:     store.Table(bilTable),
		ev:         ev,
	}

	if err := m.load(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Account returns the account the manager belongs to.
func (m *Manager) Account() values.Address {
	return m.account
}

// Collection returns the account's value registry.
func (m *Manager) Collection() *values.Collection {
	return m.collection
}

// ProofStore returns the account's proof store.
func (m *Manager) ProofStore() *proofs.Store {
	return m.proofs
}

// =============================================================================

// key builds the account-scoped storage key for one value.
func (m *Manager) key(valueID string) []byte {
	k := append([]byte(m.account), 0x00)
	return append(k, []byte(valueID)...)
}

// load restores the values and block index lists persisted for the
// account.
func (m *Manager) load() error {
	prefix := append([]byte(m.account), 0x00)

	it := m.valuesTbl.Iterator()
	defer it.Release()

	for it.Next() {
		key := m.valuesTbl.StripPrefix(it.Key())
		if len(key) < len(prefix) || string(key[:len(prefix)]) != string(prefix) {
			continue
		}

		var v values.Value
		if err := json.Unmarshal(it.Value(), &v); err != nil {
			return fmt.Errorf("unmarshaling value: %w: %s", storage.ErrPersistence, err)
		}

		if err := m.collection.Add(v); err != nil {
			return err
		}

		bilData, err := m.bilTbl.Get(key)
		if err != nil {
			return fmt.Errorf("value %s has no block index list: %w", v.ID(), err)
		}

		var bil blockindex.List
		if err := json.Unmarshal(bilData, &bil); err != nil {
			return fmt.Errorf("unmarshaling block index list: %w: %s", storage.ErrPersistence, err)
		}
		m.bils[v.ID()] = &bil
	}

	if err := it.Error(); err != nil {
		return fmt.Errorf("loading values: %w: %s", storage.ErrPersistence, err)
	}

	return nil
}

// persistValue stages the value row into the batch.
func (m *Manager) persistValue(batch *storage.Batch, v values.Value) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling value: %w: %s", storage.ErrPersistence, err)
	}
	batch.Put(m.valuesTbl, m.key(v.ID()), data)
	return nil
}

// persistBIL stages the block index list row into the batch.
func (m *Manager) persistBIL(batch *storage.Batch, valueID string, bil *blockindex.List) error {
	data, err := json.Marshal(bil)
	if err != nil {
		return fmt.Errorf("marshaling block index list: %w: %s", storage.ErrPersistence, err)
	}
	batch.Put(m.bilTbl, m.key(valueID), data)
	return nil
}

// =============================================================================

// AddVPB binds a value to its proofs and block index list, persisting
// all three. The proofs and index list must have equal length.
func (m *Manager) AddVPB(v values.Value, units []proofs.ProofUnit, bil *blockindex.List) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(units) != len(bil.IndexLst) {
		return fmt.Errorf("%d proofs for %d index entries: %w", len(units), len(bil.IndexLst), ErrLengthMismatch)
	}
	if err := bil.Validate(); err != nil {
		return err
	}

	if err := m.collection.Add(v); err != nil {
		return err
	}

	for _, unit := range units {
		if _, err := m.proofs.Add(v.ID(), unit); err != nil {
			m.rollbackAdd(v.ID())
			return err
		}
	}

	batch := m.store.NewBatch()
	if err := m.persistValue(batch, v); err != nil {
		m.rollbackAdd(v.ID())
		return err
	}
	if err := m.persistBIL(batch, v.ID(), bil); err != nil {
		m.rollbackAdd(v.ID())
		return err
	}
	if err := batch.Commit(); err != nil {
		m.rollbackAdd(v.ID())
		return err
	}

	m.bils[v.ID()] = bil
	m.ev("vpb: AddVPB: account[%s] value[%s] proofs[%d]", m.account, v.ID(), len(units))

	return nil
}

// rollbackAdd undoes the in-memory and proof-store effects of a failed
// AddVPB. The caller must hold the lock.
func (m *Manager) rollbackAdd(valueID string) {
	m.proofs.RemoveValue(valueID)
	m.collection.Remove(valueID)
	delete(m.bils, valueID)
}

// BlockIndexList returns the block index list bound to the value.
func (m *Manager) BlockIndexList(valueID string) (*blockindex.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bil, exists := m.bils[valueID]
	if !exists {
		return nil, fmt.Errorf("value %s: %w", valueID, ErrNotFound)
	}

	return bil, nil
}

// VPB returns the full triplet for the value.
func (m *Manager) VPB(valueID string) (values.Value, []proofs.ProofUnit, *blockindex.List, error) {
	v, err := m.collection.Get(valueID)
	if err != nil {
		return values.Value{}, nil, nil, err
	}

	units, err := m.proofs.Ordered(valueID)
	if err != nil {
		return values.Value{}, nil, nil, err
	}

	bil, err := m.BlockIndexList(valueID)
	if err != nil {
		return values.Value{}, nil, nil, err
	}

	return v, units, bil.Clone(), nil
}

// =============================================================================

// Selection is the outcome of picking values for a payment: the main
// transaction moving the selected values and, when a split was needed,
// the internal change transaction returning the remainder to the sender.
type Selection struct {
	Main        transaction.Tx
	Change      *transaction.Tx
	Selected    []values.Value
	ChangeValue *values.Value
}

// PickValuesForTransaction selects unspent values greedily by descending
// size until the amount is covered, splitting the last selected value to
// produce exact change. Selected values move to the Selected state; the
// change value is locally committed until the block confirms.
func (m *Manager) PickValuesForTransaction(amount uint64, recipient values.Address, nonce uint64, timeStamp uint64) (Selection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	unspent := m.collection.FindByState(values.Unspent)
	sort.Slice(unspent, func(i, j int) bool {
		return unspent[i].ValueNum > unspent[j].ValueNum
	})

	var picked []values.Value
	var total uint64
	for _, v := range unspent {
		picked = append(picked, v)
		total += v.ValueNum
		if total >= amount {
			break
		}
	}

	if total < amount {
		return Selection{}, fmt.Errorf("balance %d below amount %d: %w", total, amount, ErrInsufficientBalance)
	}

	sel := Selection{}
	batch := m.store.NewBatch()

	// Split the last pick when the total overshoots the amount.
	if excess := total - amount; excess > 0 {
		last := picked[len(picked)-1]
		spend, change, err := m.collection.Split(last.ID(), last.ValueNum-excess)
		if err != nil {
			return Selection{}, err
		}
		picked[len(picked)-1] = spend

		// The change keeps the tail of the original triplet history.
		if bil, exists := m.bils[last.ID()]; exists {
			changeBIL := bil.Clone()
			m.bils[change.ID()] = changeBIL
			units, err := m.proofs.Ordered(last.ID())
			if err != nil {
				return Selection{}, err
			}
			for _, unit := range units {
				if _, err := m.proofs.Add(change.ID(), unit); err != nil {
					return Selection{}, err
				}
			}
			if err := m.persistBIL(batch, change.ID(), changeBIL); err != nil {
				return Selection{}, err
			}
		}

		if err := m.collection.SetState(change.ID(), values.Selected); err != nil {
			return Selection{}, err
		}
		if err := m.collection.SetState(change.ID(), values.LocalCommitted); err != nil {
			return Selection{}, err
		}

		cv, err := m.collection.Get(change.ID())
		if err != nil {
			return Selection{}, err
		}
		sel.ChangeValue = &cv

		changeTx := transaction.NewTx(m.account, m.account, []values.Value{cv}, nonce, timeStamp)
		sel.Change = &changeTx

		if err := m.persistValue(batch, cv); err != nil {
			return Selection{}, err
		}
	}

	for i, v := range picked {
		if err := m.collection.SetState(v.ID(), values.Selected); err != nil {
			return Selection{}, err
		}
		sv, err := m.collection.Get(v.ID())
		if err != nil {
			return Selection{}, err
		}
		picked[i] = sv
		if err := m.persistValue(batch, sv); err != nil {
			return Selection{}, err
		}
	}

	sel.Selected = picked
	sel.Main = transaction.NewTx(m.account, recipient, picked, nonce, timeStamp)

	if err := batch.Commit(); err != nil {
		return Selection{}, err
	}

	m.ev("vpb: Pick: account[%s] amount[%d] picked[%d] change[%v]", m.account, amount, len(picked), sel.ChangeValue != nil)
	return sel, nil
}

// CommitTransaction moves the selected values to the locally committed
// state once their transaction has been handed to the pool.
func (m *Manager) CommitTransaction(valueIDs []string) error {
	return m.transitionAll(valueIDs, values.LocalCommitted)
}

// Confirm finalises spent values: they become confirmed and their
// triplets are released, letting proof unit reference counts fall.
func (m *Manager) Confirm(valueIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := m.store.NewBatch()

	for _, valueID := range valueIDs {
		if err := m.collection.SetState(valueID, values.Confirmed); err != nil {
			return err
		}

		if err := m.proofs.RemoveValue(valueID); err != nil {
			return err
		}

		batch.Delete(m.valuesTbl, m.key(valueID))
		batch.Delete(m.bilTbl, m.key(valueID))
		delete(m.bils, valueID)

		if err := m.collection.Remove(valueID); err != nil {
			return err
		}
	}

	if err := batch.Commit(); err != nil {
		return err
	}

	m.ev("vpb: Confirm: account[%s] released[%d]", m.account, len(valueIDs))
	return nil
}

// ConfirmChange settles a change value back to unspent once its block is
// confirmed.
func (m *Manager) ConfirmChange(valueID string) error {
	return m.transitionAll([]string{valueID}, values.Unspent)
}

// Rollback returns selected or locally committed values to the unspent
// state after a failed or abandoned transaction.
func (m *Manager) Rollback(valueIDs []string) error {
	return m.transitionAll(valueIDs, values.Unspent)
}

// transitionAll applies one state transition to each value and persists
// the new states in one batch.
func (m *Manager) transitionAll(valueIDs []string, to values.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := m.store.NewBatch()

	for _, valueID := range valueIDs {
		if err := m.collection.SetState(valueID, to); err != nil {
			return err
		}

		v, err := m.collection.Get(valueID)
		if err != nil {
			return err
		}
		if err := m.persistValue(batch, v); err != nil {
			return err
		}
	}

	return batch.Commit()
}
