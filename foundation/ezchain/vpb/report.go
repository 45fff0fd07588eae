package vpb

import (
	"fmt"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/blockindex"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/checkpoint"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
)

// Step names of the verification pipeline.
const (
	StepStructure  = "data-structure"
	StepSlice      = "slice-generation"
	StepBloom      = "bloom-consistency"
	StepProofUnits = "proof-units"
)

// =============================================================================

// StructuralError reports a violation of the VPB data-structure
// invariants.
type StructuralError struct {
	Reason string
}

// Error implements the error interface.
func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural invalid: %s", e.Reason)
}

// MerkleMismatchError reports a proof unit whose inclusion proof does not
// verify against the committed merkle root.
type MerkleMismatchError struct {
	Height uint64
}

// Error implements the error interface.
func (e *MerkleMismatchError) Error() string {
	return fmt.Sprintf("merkle mismatch at height %d", e.Height)
}

// BloomInconsistencyError reports an owner whose sender record in the main
// chain disagrees with the VPB: missing from the filter at a claimed
// sender height, or truly a sender at a height the VPB does not account
// for.
type BloomInconsistencyError struct {
	Height uint64
	Owner  values.Address
}

// Error implements the error interface.
func (e *BloomInconsistencyError) Error() string {
	return fmt.Sprintf("bloom inconsistency at height %d for %s", e.Height, e.Owner)
}

// DoubleSpendError reports a transaction moving units of the value other
// than the recorded transfer: at a height where no transfer is recorded,
// or beside the transfer transaction in a transfer height's bundle.
type DoubleSpendError struct {
	Height uint64
	TxID   string
}

// Error implements the error interface.
func (e *DoubleSpendError) Error() string {
	return fmt.Sprintf("double spend detected at height %d by transaction %s", e.Height, e.TxID)
}

// OwnerTransferError reports a transfer position whose bundle does not
// carry the expected ownership change.
type OwnerTransferError struct {
	Height uint64
	Reason string
}

// Error implements the error interface.
func (e *OwnerTransferError) Error() string {
	return fmt.Sprintf("owner transfer inconsistent at height %d: %s", e.Height, e.Reason)
}

// =============================================================================

// StepResult records the outcome of one pipeline step.
type StepResult struct {
	Name     string
	Passed   bool
	Errors   []error
	Warnings []string
}

// Report is the full outcome of verifying one received VPB. IsValid is
// the conjunction of all step results.
type Report struct {
	Value          values.Value
	Account        values.Address
	Steps          []StepResult
	Epochs         []blockindex.Epoch
	CheckpointUsed *checkpoint.Record
	IsValid        bool
}

// step returns the result for the named step.
func (r *Report) step(name string) *StepResult {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// StepPassed reports whether the named step passed.
func (r *Report) StepPassed(name string) bool {
	s := r.step(name)
	return s != nil && s.Passed
}

// AllErrors returns every error collected across the steps.
func (r *Report) AllErrors() []error {
	var errs []error
	for _, s := range r.Steps {
		errs = append(errs, s.Errors...)
	}
	return errs
}

// String implements the fmt.Stringer interface for logging.
func (r *Report) String() string {
	status := "VALID"
	if !r.IsValid {
		status = "INVALID"
	}
	return fmt.Sprintf("vpb[%s] for %s: %s (%d errors)", r.Value.ID(), r.Account, status, len(r.AllErrors()))
}
