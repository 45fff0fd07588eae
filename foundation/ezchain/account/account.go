// Package account wires the value registry, proof store, triplet manager,
// updater, validator and checkpoint store behind one account-level API.
// No transport or CLI concerns live here; transactions leave through an
// injected sink.
package account

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/blockindex"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/checkpoint"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/genesis"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/proofs"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/storage"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/transaction"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/vpb"
)

// Set of errors for account handling.
var (
	ErrRejected = errors.New("vpb verification rejected the value")
	ErrNoKey    = errors.New("account has no private key loaded")
)

// EventHandler defines a function that is called when events occur in
// the processing of account operations.
type EventHandler func(v string, args ...any)

// TxSink is the injected hand-off point for outgoing bundles; transport
// is an external collaborator.
type TxSink interface {
	Submit(bundle transaction.MultiTransactions, fee uint64) error
}

// =============================================================================

// Config represents the configuration required to open an account.
type Config struct {
	Address    values.Address
	PrivateKey *ecdsa.PrivateKey
	Store      *storage.Store
	Chain      vpb.MainChainInfo
	Sink       TxSink
	EvHandler  EventHandler
}

// Pending tracks an in-flight transaction from selection to settlement.
type Pending struct {
	Bundle    transaction.MultiTransactions
	Selection vpb.Selection
}

// Account manages one account's side of the ledger.
type Account struct {
	mu          sync.Mutex
	address     values.Address
	privateKey  *ecdsa.PrivateKey
	manager     *vpb.Manager
	updater     *vpb.Updater
	validator   *vpb.Validator
	checkpoints *checkpoint.Store
	chain       vpb.MainChainInfo
	sink        TxSink
	ev          EventHandler

	pending map[string]Pending
}

// New opens the account over its store and chain view.
func New(cfg Config) (*Account, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	manager, err := vpb.NewManager(cfg.Address, cfg.Store, vpb.EventHandler(ev))
	if err != nil {
		return nil, err
	}

	checkpoints := checkpoint.NewStore(cfg.Address, cfg.Store)

	a := Account{
		address:     cfg.Address,
		privateKey:  cfg.PrivateKey,
		manager:     manager,
		updater:     vpb.NewUpdater(manager, vpb.EventHandler(ev)),
		validator:   vpb.NewValidator(checkpoints, vpb.EventHandler(ev)),
		checkpoints: checkpoints,
		chain:       cfg.Chain,
		sink:        cfg.Sink,
		ev:          ev,
		pending:     make(map[string]Pending),
	}

	return &a, nil
}

// Address returns the account's address.
func (a *Account) Address() values.Address {
	return a.address
}

// Manager exposes the account's triplet manager.
func (a *Account) Manager() *vpb.Manager {
	return a.manager
}

// Checkpoints exposes the account's checkpoint store.
func (a *Account) Checkpoints() *checkpoint.Store {
	return a.checkpoints
}

// Validator exposes the account's VPB validator.
func (a *Account) Validator() *vpb.Validator {
	return a.validator
}

// =============================================================================

// SeedGenesis installs a genesis allocation as the account's first
// triplet.
func (a *Account) SeedGenesis(seed genesis.Seed) error {
	if seed.Account != a.address {
		return fmt.Errorf("seed for %s applied to %s", seed.Account, a.address)
	}

	return a.manager.AddVPB(seed.Value, []proofs.ProofUnit{seed.Unit}, seed.Index)
}

// CreateTransaction selects values covering the amount and produces the
// signed bundle for submission. The bundle carries the payment and, when
// a split was needed, the internal change transaction.
func (a *Account) CreateTransaction(recipient values.Address, amount uint64, nonce uint64, timeStamp uint64) (Pending, error) {
	if a.privateKey == nil {
		return Pending{}, ErrNoKey
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	sel, err := a.manager.PickValuesForTransaction(amount, recipient, nonce, timeStamp)
	if err != nil {
		return Pending{}, err
	}

	mainTx, err := sel.Main.Sign(a.privateKey)
	if err != nil {
		a.rollbackSelection(sel)
		return Pending{}, err
	}

	txs := []transaction.SignedTx{mainTx}
	if sel.Change != nil {
		changeTx, err := sel.Change.Sign(a.privateKey)
		if err != nil {
			a.rollbackSelection(sel)
			return Pending{}, err
		}
		txs = append(txs, changeTx)
	}

	bundle, err := transaction.NewMultiTransactions(a.address, txs)
	if err != nil {
		a.rollbackSelection(sel)
		return Pending{}, err
	}

	p := Pending{Bundle: bundle, Selection: sel}
	a.pending[bundle.Digest()] = p

	a.ev("account: CreateTransaction: %s -> %s amount[%d] values[%d]", a.address, recipient, amount, len(sel.Selected))
	return p, nil
}

// SubmitTransaction hands the bundle to the injected sink and locally
// commits the selected values.
func (a *Account) SubmitTransaction(p Pending, fee uint64) error {
	if a.sink == nil {
		return errors.New("no transaction sink configured")
	}

	if err := a.sink.Submit(p.Bundle, fee); err != nil {
		return err
	}

	return a.manager.CommitTransaction(selectedIDs(p.Selection))
}

// RollbackTransaction abandons an in-flight transaction, returning its
// values to the unspent state.
func (a *Account) RollbackTransaction(p Pending) error {
	a.mu.Lock()
	delete(a.pending, p.Bundle.Digest())
	a.mu.Unlock()

	return a.rollbackSelection(p.Selection)
}

// rollbackSelection reverts a selection's state changes.
func (a *Account) rollbackSelection(sel vpb.Selection) error {
	if err := a.manager.Rollback(selectedIDs(sel)); err != nil {
		return err
	}

	if sel.ChangeValue != nil {
		if err := a.manager.ConfirmChange(sel.ChangeValue.ID()); err != nil {
			return err
		}
	}

	return nil
}

// selectedIDs lists the value ids of a selection.
func selectedIDs(sel vpb.Selection) []string {
	ids := make([]string, 0, len(sel.Selected))
	for _, v := range sel.Selected {
		ids = append(ids, v.ID())
	}
	return ids
}

// =============================================================================

// ReceiveVPB verifies an incoming triplet against the main chain and, on
// success, merges it into the account and records a checkpoint at the
// current tip so future verifications of this range stay bounded.
func (a *Account) ReceiveVPB(v values.Value, units []proofs.ProofUnit, bil *blockindex.List, fromPeer values.Address) (*vpb.Report, error) {
	report := a.validator.Verify(v, units, bil, a.chain, a.address)
	if !report.IsValid {
		a.ev("account: ReceiveVPB: REJECTED: %s from %s", v.ID(), fromPeer)
		return report, ErrRejected
	}

	incoming := values.Value{BeginIndex: v.BeginIndex, ValueNum: v.ValueNum, State: values.Unspent}
	if err := a.manager.AddVPB(incoming, units, bil); err != nil {
		return report, err
	}

	record := checkpoint.NewRecord(incoming, a.address, a.chain.TipHeight())
	if err := a.checkpoints.Put(record); err != nil {
		return report, err
	}

	a.ev("account: ReceiveVPB: accepted %s from %s", v.ID(), fromPeer)
	return report, nil
}

// =============================================================================

// OnBlockConfirmed drives the updater for every value the account holds
// and settles any pending transaction the block committed. It returns
// the triplets released by outgoing transfers, ready for transmission.
func (a *Account) OnBlockConfirmed(update vpb.BlockUpdate) ([]vpb.ReleasedVPB, error) {
	released, err := a.updater.Update(update)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for digest, p := range a.pending {
		if !settledBy(p, update) {
			continue
		}

		if p.Selection.ChangeValue != nil {
			if err := a.manager.ConfirmChange(p.Selection.ChangeValue.ID()); err != nil {
				return released, err
			}
		}

		delete(a.pending, digest)
	}

	return released, nil
}

// settledBy reports whether the update carries the transfer of every
// value the pending transaction selected.
func settledBy(p Pending, update vpb.BlockUpdate) bool {
	for _, v := range p.Selection.Selected {
		if _, exists := update.Transferred[v.ID()]; !exists {
			return false
		}
	}
	return len(p.Selection.Selected) > 0
}

// =============================================================================

// Balance sums the account's values in the specified state.
func (a *Account) Balance(state values.State) uint64 {
	return a.manager.Collection().BalanceByState(state)
}
