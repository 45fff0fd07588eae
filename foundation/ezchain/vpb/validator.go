package vpb

import (
	"context"
	"fmt"
	"sync"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/blockindex"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/checkpoint"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/proofs"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
)

// VerifyStats counts validator outcomes across the lifetime of the
// validator value.
type VerifyStats struct {
	Verified     uint64
	Failed       uint64
	DoubleSpends uint64
}

// Validator runs the offline verification pipeline a receiver applies to
// every incoming VPB before accepting the value. Steps 1 to 3 short
// circuit on first failure; step 4 collects every failure it finds.
type Validator struct {
	checkpoints *checkpoint.Store
	ev          EventHandler

	mu    sync.Mutex
	stats VerifyStats
}

// NewValidator constructs a validator. The checkpoint store may be nil,
// in which case every verification covers the full history.
func NewValidator(checkpoints *checkpoint.Store, ev EventHandler) *Validator {
	if ev == nil {
		ev = func(v string, args ...any) {}
	}

	return &Validator{
		checkpoints: checkpoints,
		ev:          ev,
	}
}

// Stats returns a copy of the validator counters.
func (val *Validator) Stats() VerifyStats {
	val.mu.Lock()
	defer val.mu.Unlock()

	return val.stats
}

// =============================================================================

// slice bounds the verification work: only positions whose height
// exceeds the checkpoint height are verified. A nil checkpoint keeps the
// full VPB in scope.
type slice struct {
	positions []int
	cpHeight  uint64
	cp        *checkpoint.Record
}

// Verify runs the four-step pipeline and returns the full report. The
// same inputs always produce the same report.
func (val *Validator) Verify(v values.Value, units []proofs.ProofUnit, bil *blockindex.List, info MainChainInfo, account values.Address) *Report {
	return val.VerifyContext(context.Background(), v, units, bil, info, account)
}

// VerifyContext runs the pipeline with cancellation honored at step
// boundaries; a single step always runs to completion.
func (val *Validator) VerifyContext(ctx context.Context, v values.Value, units []proofs.ProofUnit, bil *blockindex.List, info MainChainInfo, account values.Address) *Report {
	report := Report{
		Value:   v,
		Account: account,
	}

	structure := val.verifyStructure(v, units, bil, account)
	report.Steps = append(report.Steps, structure)
	if !structure.Passed || ctx.Err() != nil {
		return val.finish(&report, ctx.Err())
	}

	sl, sliceStep := val.generateSlice(v, units, bil)
	report.Steps = append(report.Steps, sliceStep)
	report.CheckpointUsed = sl.cp
	if !sliceStep.Passed || ctx.Err() != nil {
		return val.finish(&report, ctx.Err())
	}

	bloomStep, epochs := val.verifyBloom(bil, sl, info, account)
	report.Steps = append(report.Steps, bloomStep)
	report.Epochs = epochs
	if !bloomStep.Passed || ctx.Err() != nil {
		return val.finish(&report, ctx.Err())
	}

	proofStep := val.verifyProofUnits(v, units, bil, sl, info)
	report.Steps = append(report.Steps, proofStep)

	return val.finish(&report, nil)
}

// finish computes the overall verdict and updates the counters. A
// cancelled verification is never valid.
func (val *Validator) finish(report *Report, ctxErr error) *Report {
	report.IsValid = ctxErr == nil
	for _, s := range report.Steps {
		if !s.Passed {
			report.IsValid = false
		}
	}

	val.mu.Lock()
	if report.IsValid {
		val.stats.Verified++
	} else {
		val.stats.Failed++
	}
	for _, err := range report.AllErrors() {
		if _, ok := err.(*DoubleSpendError); ok {
			val.stats.DoubleSpends++
		}
	}
	val.mu.Unlock()

	val.ev("vpb: Verify: %s", report)
	return report
}

// =============================================================================
// Step 1 - data-structure validation.

func (val *Validator) verifyStructure(v values.Value, units []proofs.ProofUnit, bil *blockindex.List, account values.Address) StepResult {
	step := StepResult{Name: StepStructure}

	fail := func(reason string) StepResult {
		step.Errors = append(step.Errors, &StructuralError{Reason: reason})
		return step
	}

	if err := v.Check(); err != nil {
		return fail(err.Error())
	}

	if len(units) != len(bil.IndexLst) {
		return fail(fmt.Sprintf("%d proofs for %d index entries", len(units), len(bil.IndexLst)))
	}

	if err := bil.Validate(); err != nil {
		return fail(err.Error())
	}

	if bil.OwnerData[0].Height != 0 {
		return fail(fmt.Sprintf("ownership history starts at height %d, not genesis", bil.OwnerData[0].Height))
	}

	owner, err := bil.CurrentOwner()
	if err != nil {
		return fail(err.Error())
	}
	if owner != account {
		return fail(fmt.Sprintf("current owner %s is not the receiving account %s", owner, account))
	}

	step.Passed = true
	return step
}

// =============================================================================
// Step 2 - slice generation.

// generateSlice bounds verification using the best matching checkpoint
// that names one of the value's earlier owners. Positions at or below the
// checkpoint height were verified when the checkpoint was written and are
// dropped from the work list.
func (val *Validator) generateSlice(v values.Value, units []proofs.ProofUnit, bil *blockindex.List) (slice, StepResult) {
	step := StepResult{Name: StepSlice}

	sl := slice{}

	if val.checkpoints != nil {

		// Walk the prior owners newest first so the tightest bound wins.
		for k := len(bil.OwnerData) - 1; k >= 0; k-- {
			record, err := val.checkpoints.Trigger(v, bil.OwnerData[k].Owner)
			if err != nil {
				continue
			}

			sl.cpHeight = record.BlockHeight
			r := record
			sl.cp = &r
			break
		}
	}

	for i, h := range bil.IndexLst {
		if sl.cp != nil && h <= sl.cpHeight {
			continue
		}
		sl.positions = append(sl.positions, i)
	}

	// The slice must still line up position for position.
	if len(sl.positions) > len(units) {
		step.Errors = append(step.Errors, &StructuralError{Reason: "slice exceeds proof list"})
		return sl, step
	}

	if sl.cp != nil {
		val.ev("vpb: Slice: checkpoint owner[%s] height[%d] kept[%d/%d]", sl.cp.Owner, sl.cpHeight, len(sl.positions), len(bil.IndexLst))
	}

	step.Passed = true
	return sl, step
}

// =============================================================================
// Step 3 - bloom-filter consistency.

// verifyBloom checks every ownership epoch against the per-block
// membership filters: the holder must appear at each claimed sender
// height, and must not truly appear anywhere else inside its epoch. A
// filter hit with no claimed sender event is only a warning unless the
// block's true sender set confirms the hidden participation.
func (val *Validator) verifyBloom(bil *blockindex.List, sl slice, info MainChainInfo, account values.Address) (StepResult, []blockindex.Epoch) {
	step := StepResult{Name: StepBloom}
	tip := info.TipHeight()

	epochs, err := bil.ExtractOwnerEpochs(tip)
	if err != nil {
		step.Errors = append(step.Errors, &StructuralError{Reason: err.Error()})
		return step, nil
	}

	senders, _ := info.(SenderSetReader)

	for i, epoch := range epochs {

		// The receiver's trailing open epoch has produced no evidence
		// yet.
		if epoch.Open && epoch.Owner == account && i == len(epochs)-1 {
			continue
		}

		// Claimed sender events must be present in the filters.
		claimed := append([]uint64{}, epoch.SenderHeights...)
		if !epoch.Open {
			claimed = append(claimed, epoch.TransferHeight)
		}

		for _, h := range claimed {
			if h == 0 || (sl.cp != nil && h <= sl.cpHeight) {
				continue
			}
			if h > tip {
				continue
			}

			filter, err := info.Bloom(h)
			if err != nil {
				step.Errors = append(step.Errors, err)
				return step, epochs
			}
			if !filter.MightContain(string(epoch.Owner)) {
				step.Errors = append(step.Errors, &BloomInconsistencyError{Height: h, Owner: epoch.Owner})
				return step, epochs
			}
		}

		// No unclaimed height inside the epoch may truly record the
		// holder as a sender: a hit here is a hidden block.
		claimedSet := make(map[uint64]bool, len(claimed))
		for _, h := range claimed {
			claimedSet[h] = true
		}

		for h := epoch.Start + 1; h <= epoch.End && h <= tip; h++ {
			if claimedSet[h] {
				continue
			}
			if sl.cp != nil && h <= sl.cpHeight {
				continue
			}

			filter, err := info.Bloom(h)
			if err != nil {
				step.Errors = append(step.Errors, err)
				return step, epochs
			}
			if !filter.MightContain(string(epoch.Owner)) {
				continue
			}

			// Possibly a false positive; settle it against the true
			// sender set when the chain view can provide one.
			if senders == nil {
				step.Warnings = append(step.Warnings, fmt.Sprintf("possible hidden block at height %d for %s", h, epoch.Owner))
				continue
			}

			actual, err := senders.SenderSet(h)
			if err != nil {
				step.Errors = append(step.Errors, err)
				return step, epochs
			}

			hidden := false
			for _, sender := range actual {
				if sender == epoch.Owner {
					hidden = true
					break
				}
			}

			if hidden {
				step.Errors = append(step.Errors, &BloomInconsistencyError{Height: h, Owner: epoch.Owner})
				return step, epochs
			}

			step.Warnings = append(step.Warnings, fmt.Sprintf("filter false positive at height %d for %s", h, epoch.Owner))
		}
	}

	step.Passed = true
	return step, epochs
}

// =============================================================================
// Step 4 - per-proof-unit verification and double-spend detection.

// positionOutcome carries the failures found at one proof position so
// parallel workers report deterministically.
type positionOutcome struct {
	errs []error
}

// verifyProofUnits checks every in-slice proof unit against the committed
// merkle roots, verifies transfer positions carry the expected ownership
// change and scans non-transfer positions for double spends. All failures
// are collected; nothing short circuits.
func (val *Validator) verifyProofUnits(v values.Value, units []proofs.ProofUnit, bil *blockindex.List, sl slice, info MainChainInfo) StepResult {
	step := StepResult{Name: StepProofUnits}

	// Transfer heights keyed to the owner entry they install.
	transferAt := make(map[uint64]int, len(bil.OwnerData))
	for k, entry := range bil.OwnerData {
		transferAt[entry.Height] = k
	}

	outcomes := make([]positionOutcome, len(sl.positions))

	var wg sync.WaitGroup
	for slot, pos := range sl.positions {
		wg.Add(1)

		go func(slot int, pos int) {
			defer wg.Done()

			h := bil.IndexLst[pos]
			pu := units[pos]
			var errs []error

			root, err := info.MerkleRoot(h)
			if err != nil {
				errs = append(errs, err)
			} else if err := pu.Verify(root); err != nil {
				errs = append(errs, &MerkleMismatchError{Height: h})
			}

			if k, isTransfer := transferAt[h]; isTransfer {
				errs = append(errs, val.verifyTransferPosition(v, pu, bil, k, h)...)
			} else {
				errs = append(errs, val.detectDoubleSpend(v, pu, h)...)
			}

			outcomes[slot] = positionOutcome{errs: errs}
		}(slot, pos)
	}
	wg.Wait()

	for _, outcome := range outcomes {
		step.Errors = append(step.Errors, outcome.errs...)
	}

	step.Passed = len(step.Errors) == 0
	return step
}

// verifyTransferPosition checks that the bundle at a transfer height
// contains exactly one transaction moving the value from the previous
// owner to the new one. Every other transaction in the bundle must stay
// clear of the value's range.
func (val *Validator) verifyTransferPosition(v values.Value, pu proofs.ProofUnit, bil *blockindex.List, k int, h uint64) []error {
	var errs []error

	expectedRecipient := bil.OwnerData[k].Owner
	expectedSender := values.GOD
	if k > 0 {
		expectedSender = bil.OwnerData[k-1].Owner
	}

	transferTx, ok := pu.OwnerMultiTxns.TransferOf(v)
	if !ok {
		errs = append(errs, &OwnerTransferError{Height: h, Reason: "no single transaction transfers the value"})
		return errs
	}

	if transferTx.Sender != expectedSender {
		errs = append(errs, &OwnerTransferError{Height: h, Reason: fmt.Sprintf("sender %s, expected %s", transferTx.Sender, expectedSender)})
	}
	if transferTx.Recipient != expectedRecipient {
		errs = append(errs, &OwnerTransferError{Height: h, Reason: fmt.Sprintf("recipient %s, expected %s", transferTx.Recipient, expectedRecipient)})
	}

	// Other transactions in the bundle must not touch the value.
	for _, tx := range pu.OwnerMultiTxns.Txs {
		if tx.TxID == transferTx.TxID {
			continue
		}
		if tx.IntersectsValue(v) {
			errs = append(errs, &DoubleSpendError{Height: h, TxID: tx.TxID})
		}
	}

	return errs
}

// detectDoubleSpend scans a non-transfer bundle: any transaction moving
// units inside the value's range at a height with no recorded transfer is
// a double spend.
func (val *Validator) detectDoubleSpend(v values.Value, pu proofs.ProofUnit, h uint64) []error {
	var errs []error

	for _, tx := range pu.OwnerMultiTxns.Txs {
		if tx.IntersectsValue(v) {
			errs = append(errs, &DoubleSpendError{Height: h, TxID: tx.TxID})
		}
	}

	return errs
}
