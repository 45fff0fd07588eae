// Package worker fans a committed block out to every registered account.
// The chain is read under a single writer; account updates run
// concurrently, with updates inside one account serialised by the
// account's own lock.
package worker

import (
	"sync"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/account"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/chain"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/transaction"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/vpb"
)

// EventHandler defines a function that is called when events occur in
// the processing of block fan-outs.
type EventHandler func(v string, args ...any)

// =============================================================================

// Worker dispatches block updates to the accounts hosted on this node.
type Worker struct {
	mu       sync.Mutex
	accounts map[values.Address]*account.Account
	ev       EventHandler
	shut     chan struct{}
}

// New constructs a worker with no accounts; add them with Register.
func New(ev EventHandler) *Worker {
	if ev == nil {
		ev = func(v string, args ...any) {}
	}

	return &Worker{
		accounts: make(map[values.Address]*account.Account),
		ev:       ev,
		shut:     make(chan struct{}),
	}
}

// Register adds an account to the fan-out set.
func (w *Worker) Register(a *account.Account) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.accounts[a.Address()] = a
}

// Shutdown stops the worker from dispatching further blocks.
func (w *Worker) Shutdown() {
	close(w.shut)
}

// =============================================================================

// Released pairs an account with the triplets an update released, for
// transmission to the new owners.
type Released struct {
	Account  values.Address
	Triplets []vpb.ReleasedVPB
}

// DispatchBlock builds the per-account update from the block's bundles
// and applies them concurrently. It returns every released triplet so
// the caller can forward them to their new owners.
func (w *Worker) DispatchBlock(b chain.Block) ([]Released, error) {
	select {
	case <-w.shut:
		return nil, nil
	default:
	}

	w.mu.Lock()
	accounts := make(map[values.Address]*account.Account, len(w.accounts))
	for addr, a := range w.accounts {
		accounts[addr] = a
	}
	w.mu.Unlock()

	type job struct {
		acct   *account.Account
		update vpb.BlockUpdate
	}

	var jobs []job

	for _, bundle := range b.Trans.Values() {
		acct, hosted := accounts[bundle.Sender]
		if !hosted {
			continue
		}

		proof, err := b.BundleProof(bundle)
		if err != nil {
			return nil, err
		}

		update := vpb.BlockUpdate{
			Height:      b.Header.Height,
			Bundle:      bundle,
			BundleProof: proof,
			Transferred: transferredValues(bundle),
		}

		jobs = append(jobs, job{acct: acct, update: update})
	}

	results := make([]Released, len(jobs))
	errs := make([]error, len(jobs))

	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)

		go func(i int, j job) {
			defer wg.Done()

			released, err := j.acct.OnBlockConfirmed(j.update)
			if err != nil {
				errs[i] = err
				return
			}

			results[i] = Released{Account: j.acct.Address(), Triplets: released}
		}(i, j)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	var released []Released
	for _, r := range results {
		if len(r.Triplets) > 0 {
			released = append(released, r)
		}
	}

	w.ev("worker: DispatchBlock: height[%d] accounts[%d] released[%d]", b.Header.Height, len(jobs), len(released))
	return released, nil
}

// transferredValues maps each value leaving the sender to its recipient.
// Change transactions back to the sender are not transfers.
func transferredValues(bundle transaction.MultiTransactions) map[string]values.Address {
	transferred := make(map[string]values.Address)

	for _, tx := range bundle.Txs {
		if tx.Recipient == tx.Sender {
			continue
		}
		for _, v := range tx.Values {
			transferred[v.ID()] = tx.Recipient
		}
	}

	return transferred
}
