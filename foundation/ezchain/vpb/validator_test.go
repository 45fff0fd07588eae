package vpb_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/holiman/uint256"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/blockindex"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/bloom"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/checkpoint"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/merkle"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/proofs"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/storage"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/transaction"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/vpb"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

// fakeChain is an in-memory main-chain view: committed roots, filters and
// sender sets per height.
type fakeChain struct {
	tip     uint64
	roots   map[uint64]string
	blooms  map[uint64]*bloom.Filter
	senders map[uint64][]values.Address
}

func newFakeChain(tip uint64) *fakeChain {
	return &fakeChain{
		tip:     tip,
		roots:   make(map[uint64]string),
		blooms:  make(map[uint64]*bloom.Filter),
		senders: make(map[uint64][]values.Address),
	}
}

func (fc *fakeChain) TipHeight() uint64 {
	return fc.tip
}

func (fc *fakeChain) MerkleRoot(height uint64) (string, error) {
	root, exists := fc.roots[height]
	if !exists {
		return "", fmt.Errorf("no block at height %d", height)
	}
	return root, nil
}

func (fc *fakeChain) Bloom(height uint64) (*bloom.Filter, error) {
	if filter, exists := fc.blooms[height]; exists {
		return filter, nil
	}
	return bloom.New(1), nil
}

func (fc *fakeChain) SenderSet(height uint64) ([]values.Address, error) {
	return fc.senders[height], nil
}

// commit installs a block's evidence at a height and returns the
// inclusion proof for the bundle.
func (fc *fakeChain) commit(t *testing.T, height uint64, bundle transaction.MultiTransactions) merkle.Proof {
	t.Helper()

	tree, err := merkle.NewTree([]transaction.MultiTransactions{bundle})
	if err != nil {
		t.Fatalf("building block tree at %d: %v", height, err)
	}

	filter := bloom.New(1)
	filter.Insert(string(bundle.Sender))

	fc.roots[height] = tree.RootHex()
	fc.blooms[height] = filter
	fc.senders[height] = []values.Address{bundle.Sender}

	proof, err := tree.Proof(bundle)
	if err != nil {
		t.Fatalf("proving bundle at %d: %v", height, err)
	}

	return proof
}

// =============================================================================

// tx builds an unsigned transaction moving the specified values. The
// validator checks content against main-chain evidence, not signatures.
func tx(sender values.Address, recipient values.Address, vs ...values.Value) transaction.SignedTx {
	return transaction.SignedTx{
		Tx: transaction.Tx{
			Recipient: recipient,
			Sender:    sender,
			TxID:      fmt.Sprintf("%s->%s:%s:%d", sender, recipient, vs[0].ID(), len(vs)),
			Values:    vs,
		},
	}
}

// bundleOf wraps transactions into a bundle.
func bundleOf(t *testing.T, sender values.Address, txs ...transaction.SignedTx) transaction.MultiTransactions {
	t.Helper()

	bundle, err := transaction.NewMultiTransactions(sender, txs)
	if err != nil {
		t.Fatalf("building bundle for %s: %v", sender, err)
	}
	return bundle
}

// event is one VPB position: a bundle committed at a height, optionally
// transferring the value.
type event struct {
	height     uint64
	bundle     transaction.MultiTransactions
	transferTo values.Address
}

// buildVPB commits every event to the chain and assembles the value's
// triplet the way consecutive holders would have recorded it.
func buildVPB(t *testing.T, fc *fakeChain, initialOwner values.Address, events []event) ([]proofs.ProofUnit, *blockindex.List) {
	t.Helper()

	bil := blockindex.New(initialOwner)
	var units []proofs.ProofUnit

	for i, ev := range events {
		proof := fc.commit(t, ev.height, ev.bundle)

		units = append(units, proofs.ProofUnit{
			Owner:          ev.bundle.Sender,
			OwnerMTProof:   proof,
			OwnerMultiTxns: ev.bundle,
		})

		if i == 0 {
			// Genesis issuance is already seeded at height zero.
			continue
		}

		if ev.transferTo != "" {
			if err := bil.AppendOwnerTransfer(ev.height, ev.transferTo); err != nil {
				t.Fatalf("appending transfer at %d: %v", ev.height, err)
			}
			continue
		}
		if err := bil.AppendIndex(ev.height); err != nil {
			t.Fatalf("appending index %d: %v", ev.height, err)
		}
	}

	return units, bil
}

// =============================================================================

// simpleTransferScenario builds the shared history: alice holds v from
// genesis, transfers to bob at 15, bob to charlie at 27, charlie to dave
// at 56, dave to the receiver at 58. Non-target sender events happen at
// 8, 16, 25 and 55.
func simpleTransferScenario(t *testing.T, receiver values.Address) (values.Value, []proofs.ProofUnit, *blockindex.List, *fakeChain) {
	t.Helper()

	v, err := values.New(uint256.NewInt(0x1000), 100)
	if err != nil {
		t.Fatalf("constructing value: %v", err)
	}

	other, _ := values.New(uint256.NewInt(0x5000), 10)

	fc := newFakeChain(60)

	events := []event{
		{0, bundleOf(t, values.GOD, tx(values.GOD, "alice", v)), "alice"},
		{8, bundleOf(t, "alice", tx("alice", "xavier", other)), ""},
		{15, bundleOf(t, "alice", tx("alice", "bob", v)), "bob"},
		{16, bundleOf(t, "bob", tx("bob", "xavier", other)), ""},
		{25, bundleOf(t, "bob", tx("bob", "xavier", other)), ""},
		{27, bundleOf(t, "bob", tx("bob", "charlie", v)), "charlie"},
		{55, bundleOf(t, "charlie", tx("charlie", "xavier", other)), ""},
		{56, bundleOf(t, "charlie", tx("charlie", "dave", v)), "dave"},
		{58, bundleOf(t, "dave", tx("dave", receiver, v)), receiver},
	}

	units, bil := buildVPB(t, fc, "alice", events)
	return v, units, bil, fc
}

// openCheckpoints opens a checkpoint store over a scratch database.
func openCheckpoints(t *testing.T, account values.Address) *checkpoint.Store {
	t.Helper()

	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return checkpoint.NewStore(account, store)
}

// =============================================================================

func TestSimpleTransferWithCheckpoint(t *testing.T) {
	t.Log("Given the need to verify a received value using a checkpoint.")
	{
		t.Logf("\tTest 0:\tWhen bob re-receives a value he held at height 26.")
		{
			v, units, bil, fc := simpleTransferScenario(t, "bob")

			cps := openCheckpoints(t, "bob")
			if err := cps.Put(checkpoint.NewRecord(v, "bob", 26)); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to store the checkpoint: %v", failed, err)
			}

			validator := vpb.NewValidator(cps, nil)
			report := validator.Verify(v, units, bil, fc, "bob")

			if !report.IsValid {
				t.Fatalf("\t%s\tTest 0:\tShould pass verification: %v", failed, report.AllErrors())
			}
			t.Logf("\t%s\tTest 0:\tShould pass verification.", success)

			if report.CheckpointUsed == nil || report.CheckpointUsed.BlockHeight != 26 {
				t.Fatalf("\t%s\tTest 0:\tShould have sliced at the checkpoint height.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould have sliced at the checkpoint height.", success)

			// The reported epochs cover the full ownership history.
			wantEpochs := []struct {
				owner values.Address
				start uint64
				end   uint64
			}{
				{"alice", 0, 14}, {"bob", 15, 26}, {"charlie", 27, 55}, {"dave", 56, 57}, {"bob", 58, 60},
			}
			if len(report.Epochs) != len(wantEpochs) {
				t.Fatalf("\t%s\tTest 0:\tShould report %d epochs, got %d.", failed, len(wantEpochs), len(report.Epochs))
			}
			for i, want := range wantEpochs {
				got := report.Epochs[i]
				if got.Owner != want.owner || got.Start != want.start || got.End != want.end {
					t.Fatalf("\t%s\tTest 0:\tShould report epoch %d as %s[%d,%d], got %s[%d,%d].", failed, i, want.owner, want.start, want.end, got.Owner, got.Start, got.End)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould report the expected epochs.", success)
		}
	}
}

func TestSimpleTransferNoCheckpoint(t *testing.T) {
	t.Log("Given the need to verify a full history with no checkpoint.")
	{
		t.Logf("\tTest 0:\tWhen eve receives the value cold.")
		{
			v, units, bil, fc := simpleTransferScenario(t, "eve")

			validator := vpb.NewValidator(nil, nil)
			report := validator.Verify(v, units, bil, fc, "eve")

			if !report.IsValid {
				t.Fatalf("\t%s\tTest 0:\tShould pass all four steps: %v", failed, report.AllErrors())
			}
			t.Logf("\t%s\tTest 0:\tShould pass all four steps.", success)

			if report.CheckpointUsed != nil {
				t.Fatalf("\t%s\tTest 0:\tShould not have used a checkpoint.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not have used a checkpoint.", success)

			for _, name := range []string{vpb.StepStructure, vpb.StepSlice, vpb.StepBloom, vpb.StepProofUnits} {
				if !report.StepPassed(name) {
					t.Fatalf("\t%s\tTest 0:\tShould pass step %s.", failed, name)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould pass every named step.", success)

			// Determinism: the same inputs produce the same report.
			again := validator.Verify(v, units, bil, fc, "eve")
			if fmt.Sprintf("%v", again.AllErrors()) != fmt.Sprintf("%v", report.AllErrors()) || again.IsValid != report.IsValid {
				t.Fatalf("\t%s\tTest 0:\tShould produce the same report on re-verification.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould produce the same report on re-verification.", success)
		}
	}
}

func TestHiddenDoubleSpend(t *testing.T) {
	t.Log("Given the need to detect a sender block omitted from the VPB.")
	{
		t.Logf("\tTest 0:\tWhen dave hides his height 57 spend of the value.")
		{
			v, units, bil, fc := simpleTransferScenario(t, "bob")

			// The main chain records dave spending the value at 57; the
			// VPB dave sends to bob omits it.
			hidden := bundleOf(t, "dave", tx("dave", "xavier", v))
			fc.commit(t, 57, hidden)

			cps := openCheckpoints(t, "bob")
			if err := cps.Put(checkpoint.NewRecord(v, "bob", 26)); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to store the checkpoint: %v", failed, err)
			}

			validator := vpb.NewValidator(cps, nil)
			report := validator.Verify(v, units, bil, fc, "bob")

			if report.IsValid {
				t.Fatalf("\t%s\tTest 0:\tShould fail verification.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould fail verification.", success)

			if report.StepPassed(vpb.StepBloom) {
				t.Fatalf("\t%s\tTest 0:\tShould fail the bloom consistency step.", failed)
			}

			var found bool
			for _, err := range report.AllErrors() {
				var inconsistency *vpb.BloomInconsistencyError
				if errors.As(err, &inconsistency) && inconsistency.Height == 57 && inconsistency.Owner == "dave" {
					found = true
				}
			}
			if !found {
				t.Fatalf("\t%s\tTest 0:\tShould report the inconsistency at height 57 for dave: %v", failed, report.AllErrors())
			}
			t.Logf("\t%s\tTest 0:\tShould report the inconsistency at height 57 for dave.", success)
		}
	}
}

func TestOvertDoubleSpend(t *testing.T) {
	t.Log("Given the need to detect a spend recorded with no transfer.")
	{
		t.Logf("\tTest 0:\tWhen the bundle at a sender height moves the value away.")
		{
			v, err := values.New(uint256.NewInt(0x1000), 100)
			if err != nil {
				t.Fatalf("constructing value: %v", err)
			}

			fc := newFakeChain(20)

			events := []event{
				{0, bundleOf(t, values.GOD, tx(values.GOD, "alice", v)), "alice"},
				{9, bundleOf(t, "alice", tx("alice", "xavier", v)), ""},
				{12, bundleOf(t, "alice", tx("alice", "bob", v)), "bob"},
			}

			units, bil := buildVPB(t, fc, "alice", events)

			validator := vpb.NewValidator(nil, nil)
			report := validator.Verify(v, units, bil, fc, "bob")

			if report.IsValid || report.StepPassed(vpb.StepProofUnits) {
				t.Fatalf("\t%s\tTest 0:\tShould fail the proof unit step.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould fail the proof unit step.", success)

			var found bool
			for _, err := range report.AllErrors() {
				var ds *vpb.DoubleSpendError
				if errors.As(err, &ds) && ds.Height == 9 {
					found = true
				}
			}
			if !found {
				t.Fatalf("\t%s\tTest 0:\tShould report the double spend at height 9: %v", failed, report.AllErrors())
			}
			t.Logf("\t%s\tTest 0:\tShould report the double spend at height 9.", success)

			if validator.Stats().DoubleSpends == 0 {
				t.Fatalf("\t%s\tTest 0:\tShould count the double spend.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould count the double spend.", success)
		}
	}
}

func TestCombinedPaymentPartialDoubleSpend(t *testing.T) {
	t.Log("Given the need to verify a combined payment where one value is dirty.")
	{
		t.Logf("\tTest 0:\tWhen dave pays sun with v1 and v2 but already spent v2.")
		{
			v1, _ := values.New(uint256.NewInt(0x1000), 100)
			v2, _ := values.New(uint256.NewInt(0x3000), 50)

			fc := newFakeChain(60)

			issuance := bundleOf(t, values.GOD, tx(values.GOD, "dave", v1), tx(values.GOD, "dave", v2))
			sideSpend := bundleOf(t, "dave", tx("dave", "xavier", v2))
			combined := bundleOf(t, "dave", tx("dave", "sun", v1, v2))

			// v1's history is honest: it records dave's height 46 send.
			v1Units, v1BIL := buildVPB(t, fc, "dave", []event{
				{0, issuance, "dave"},
				{46, sideSpend, ""},
				{58, combined, "sun"},
			})

			// v2's history hides height 46.
			v2Units, v2BIL := buildVPB(t, fc, "dave", []event{
				{0, issuance, "dave"},
				{58, combined, "sun"},
			})

			cps := openCheckpoints(t, "sun")
			if err := cps.Put(checkpoint.NewRecord(v2, "dave", 39)); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to store the checkpoint: %v", failed, err)
			}

			validator := vpb.NewValidator(cps, nil)

			v1Report := validator.Verify(v1, v1Units, v1BIL, fc, "sun")
			if !v1Report.IsValid {
				t.Fatalf("\t%s\tTest 0:\tShould accept the clean value: %v", failed, v1Report.AllErrors())
			}
			t.Logf("\t%s\tTest 0:\tShould accept the clean value.", success)

			v2Report := validator.Verify(v2, v2Units, v2BIL, fc, "sun")
			if v2Report.IsValid {
				t.Fatalf("\t%s\tTest 0:\tShould reject the hidden spend of v2.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould reject the hidden spend of v2.", success)

			var found bool
			for _, err := range v2Report.AllErrors() {
				var inconsistency *vpb.BloomInconsistencyError
				if errors.As(err, &inconsistency) && inconsistency.Height == 46 {
					found = true
				}
			}
			if !found {
				t.Fatalf("\t%s\tTest 0:\tShould report the inconsistency at height 46: %v", failed, v2Report.AllErrors())
			}
			t.Logf("\t%s\tTest 0:\tShould report the inconsistency at height 46.", success)
		}
	}
}

func TestStructuralRejection(t *testing.T) {
	t.Log("Given the need to reject malformed triplets up front.")
	{
		t.Logf("\tTest 0:\tWhen the proofs and index list disagree in length.")
		{
			v, units, bil, fc := simpleTransferScenario(t, "eve")

			validator := vpb.NewValidator(nil, nil)

			report := validator.Verify(v, units[:len(units)-1], bil, fc, "eve")
			if report.IsValid || report.StepPassed(vpb.StepStructure) {
				t.Fatalf("\t%s\tTest 0:\tShould fail the structure step.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould fail the structure step.", success)

			// A receiver that is not the recorded current owner fails too.
			report = validator.Verify(v, units, bil, fc, "mallory")
			if report.IsValid || report.StepPassed(vpb.StepStructure) {
				t.Fatalf("\t%s\tTest 0:\tShould reject the wrong receiver.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould reject the wrong receiver.", success)
		}
	}
}

func TestMerkleMismatch(t *testing.T) {
	t.Log("Given the need to bind every proof unit to its block root.")
	{
		t.Logf("\tTest 0:\tWhen a proof unit carries a substituted bundle.")
		{
			v, units, bil, fc := simpleTransferScenario(t, "eve")

			// Substitute the bundle at position 1 (height 8) with content
			// the block at height 8 never committed.
			other, _ := values.New(uint256.NewInt(0x7000), 5)
			units[1].OwnerMultiTxns = bundleOf(t, "alice", tx("alice", "yolanda", other))

			validator := vpb.NewValidator(nil, nil)
			report := validator.Verify(v, units, bil, fc, "eve")

			if report.IsValid || report.StepPassed(vpb.StepProofUnits) {
				t.Fatalf("\t%s\tTest 0:\tShould fail the proof unit step.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould fail the proof unit step.", success)

			var found bool
			for _, err := range report.AllErrors() {
				var mismatch *vpb.MerkleMismatchError
				if errors.As(err, &mismatch) && mismatch.Height == 8 {
					found = true
				}
			}
			if !found {
				t.Fatalf("\t%s\tTest 0:\tShould report the mismatch at height 8: %v", failed, report.AllErrors())
			}
			t.Logf("\t%s\tTest 0:\tShould report the mismatch at height 8.", success)
		}
	}
}
