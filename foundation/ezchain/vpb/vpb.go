// Package vpb binds the value-proofs-blockindex triplet for one account
// and implements its lifecycle: the manager that owns the binding, the
// updater that extends it on every committed block and the validator a
// receiver runs against main-chain evidence before accepting a value.
package vpb

import (
	"errors"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/bloom"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
)

// Set of errors for triplet handling.
var (
	ErrLengthMismatch      = errors.New("proofs and index list lengths differ")
	ErrNotFound            = errors.New("triplet not found")
	ErrInsufficientBalance = errors.New("unspent balance below requested amount")
)

// EventHandler defines a function that is called when events occur in
// the processing of triplets.
type EventHandler func(v string, args ...any)

// =============================================================================

// MainChainInfo is the narrow main-chain capability set the VPB
// components read from. chain.Chain implements it, together with
// SenderSetReader.
type MainChainInfo interface {
	MerkleRoot(height uint64) (string, error)
	Bloom(height uint64) (*bloom.Filter, error)
	TipHeight() uint64
}

// SenderSetReader is the optional capability to read a block's true
// sender set, used to settle suspected bloom false positives.
type SenderSetReader interface {
	SenderSet(height uint64) ([]values.Address, error)
}
