// Package proofs implements the content-addressed, reference-counted
// proof units that form the P of the VPB triplet. Units are shared across
// every value that cites the same block evidence; a unit is physically
// removed only when its last reference is dropped.
package proofs

import (
	"errors"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/merkle"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/signature"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/transaction"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
)

// Set of errors for proof handling.
var (
	ErrNotFound       = errors.New("proof unit not found")
	ErrMerkleMismatch = errors.New("merkle proof does not match committed root")
)

// =============================================================================

// ProofUnit is one piece of block evidence: a transaction bundle together
// with the inclusion proof binding it to a block's merkle root, recorded
// by the account that held the value at that height. Field order matches
// the canonical lexicographic key order used for the unit id.
type ProofUnit struct {
	Owner          values.Address                `json:"owner"`
	OwnerMTProof   merkle.Proof                  `json:"owner_mt_proof"`
	OwnerMultiTxns transaction.MultiTransactions `json:"owner_multi_txns"`
}

// UnitID returns the deterministic content hash identifying the unit.
func (pu ProofUnit) UnitID() string {
	return signature.Hash(pu)
}

// Verify checks the unit's inclusion proof against the merkle root
// committed at the unit's block height.
func (pu ProofUnit) Verify(merkleRoot string) error {
	leaf, err := pu.OwnerMultiTxns.Hash()
	if err != nil {
		return err
	}

	if err := merkle.VerifyProof(leaf, pu.OwnerMTProof, merkleRoot); err != nil {
		return ErrMerkleMismatch
	}

	return nil
}
