package vpb

import (
	"fmt"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/blockindex"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/merkle"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/proofs"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/transaction"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
)

// BlockUpdate carries everything the updater needs for one account after
// a block commits: the bundle proving the account's participation, its
// inclusion proof against the block's merkle root, and the values the
// account transferred out in that bundle, if any.
type BlockUpdate struct {
	Height      uint64
	Bundle      transaction.MultiTransactions
	BundleProof merkle.Proof

	// Transferred maps each transferred value id to its new owner.
	Transferred map[string]values.Address
}

// ReleasedVPB is a triplet leaving the account after its value was
// transferred, ready for transmission to the new owner.
type ReleasedVPB struct {
	Value    values.Value
	NewOwner values.Address
	Proofs   []proofs.ProofUnit
	Index    *blockindex.List
}

// =============================================================================

// Updater applies the online per-block update path for one account.
type Updater struct {
	manager *Manager
	ev      EventHandler
}

// NewUpdater constructs an updater over the account's triplet manager.
func NewUpdater(manager *Manager, ev EventHandler) *Updater {
	if ev == nil {
		ev = func(v string, args ...any) {}
	}

	return &Updater{
		manager: manager,
		ev:      ev,
	}
}

// Update extends every value the account holds with the new block
// evidence. Transferred values are confirmed spent, their triplets
// extracted for transmission and then released. Re-applying the same
// block is a no-op. Updates within one account are serialised by the
// manager lock; on failure every proof reference written during the
// call is removed again, so no partial update is ever observable.
func (u *Updater) Update(update BlockUpdate) ([]ReleasedVPB, error) {
	m := u.manager

	m.mu.Lock()
	defer m.mu.Unlock()

	pu := proofs.ProofUnit{
		Owner:          m.account,
		OwnerMTProof:   update.BundleProof,
		OwnerMultiTxns: update.Bundle,
	}

	held := m.collection.All()
	batch := m.store.NewBatch()

	// Mutations are staged on clones and swapped in only after the batch
	// commits. The proof store commits its own per-unit batches, so the
	// references written here are compensated on any later failure; the
	// update as a whole either commits fully or leaves nothing behind.
	unitID := pu.UnitID()
	staged := make(map[string]*blockindex.List)
	var addedRefs []string

	undo := func() {
		batch.Abort()
		for _, valueID := range addedRefs {
			m.proofs.Remove(valueID, unitID)
		}
	}

	var released []ReleasedVPB

	for _, v := range held {
		if v.State == values.Confirmed {
			continue
		}

		current, exists := m.bils[v.ID()]
		if !exists {
			undo()
			return nil, fmt.Errorf("value %s: %w", v.ID(), ErrNotFound)
		}

		// Idempotence: a height already recorded as the last entry means
		// this block was applied before.
		if n := len(current.IndexLst); n > 0 && current.IndexLst[n-1] == update.Height {
			continue
		}

		// Extend the index clone first: ordering violations surface
		// before anything durable is written for this value.
		bil := current.Clone()

		if err := bil.AppendIndex(update.Height); err != nil {
			undo()
			return nil, err
		}

		newOwner, transferred := update.Transferred[v.ID()]
		if transferred {
			if err := bil.AppendOwnerTransfer(update.Height, newOwner); err != nil {
				undo()
				return nil, err
			}
		}

		added, err := m.proofs.Add(v.ID(), pu)
		if err != nil {
			undo()
			return nil, err
		}
		if added {
			addedRefs = append(addedRefs, v.ID())
		}

		if err := m.persistBIL(batch, v.ID(), bil); err != nil {
			undo()
			return nil, err
		}
		staged[v.ID()] = bil

		if transferred {
			units, err := m.proofs.Ordered(v.ID())
			if err != nil {
				undo()
				return nil, err
			}

			released = append(released, ReleasedVPB{
				Value:    v,
				NewOwner: newOwner,
				Proofs:   units,
				Index:    bil.Clone(),
			})
		}
	}

	if err := batch.Commit(); err != nil {
		undo()
		return nil, err
	}

	for valueID, bil := range staged {
		m.bils[valueID] = bil
	}

	// Release the transferred triplets now the block evidence is safely
	// recorded: confirm the spend and let the proof references fall.
	for _, rel := range released {
		valueID := rel.Value.ID()

		if rel.Value.State == values.Selected {
			if err := m.collection.SetState(valueID, values.LocalCommitted); err != nil {
				return nil, err
			}
		}
		if err := m.collection.SetState(valueID, values.Confirmed); err != nil {
			return nil, err
		}

		if err := m.proofs.RemoveValue(valueID); err != nil {
			return nil, err
		}

		cleanup := m.store.NewBatch()
		cleanup.Delete(m.valuesTbl, m.key(valueID))
		cleanup.Delete(m.bilTbl, m.key(valueID))
		if err := cleanup.Commit(); err != nil {
			return nil, err
		}

		delete(m.bils, valueID)
		if err := m.collection.Remove(valueID); err != nil {
			return nil, err
		}
	}

	u.ev("vpb: Update: account[%s] height[%d] values[%d] released[%d]", m.account, update.Height, len(held), len(released))
	return released, nil
}
