package transaction

import (
	"encoding/hex"
	"fmt"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/signature"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
)

// MultiTransactions is an ordered bundle of transactions sharing one
// sender. Exactly one bundle per sender is committed per block; the
// bundle's digest is its leaf in the block's merkle tree.
type MultiTransactions struct {
	Sender values.Address `json:"sender"`
	Txs    []SignedTx     `json:"txs"`
}

// NewMultiTransactions constructs a bundle from the specified transactions,
// all of which must name the same sender.
func NewMultiTransactions(sender values.Address, txs []SignedTx) (MultiTransactions, error) {
	for i, tx := range txs {
		if tx.Sender != sender {
			return MultiTransactions{}, fmt.Errorf("transaction %d from %s: %w", i, tx.Sender, ErrMixedSenders)
		}
	}

	return MultiTransactions{
		Sender: sender,
		Txs:    txs,
	}, nil
}

// Validate verifies every transaction in the bundle.
func (mt MultiTransactions) Validate() error {
	for i, tx := range mt.Txs {
		if tx.Sender != mt.Sender {
			return fmt.Errorf("transaction %d from %s: %w", i, tx.Sender, ErrMixedSenders)
		}
		if err := tx.Validate(); err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
	}

	return nil
}

// Digest returns the content hash of the bundle.
func (mt MultiTransactions) Digest() string {
	return signature.Hash(mt)
}

// Hash implements the merkle Hashable interface for providing a hash of
// the bundle as a block leaf.
func (mt MultiTransactions) Hash() ([]byte, error) {
	return hex.DecodeString(mt.Digest()[2:])
}

// Equals implements the merkle Hashable interface for providing an
// equality check between two bundles.
func (mt MultiTransactions) Equals(other MultiTransactions) bool {
	return mt.Digest() == other.Digest()
}

// TransferOf returns the single transaction in the bundle that moves a
// value equal to or fully containing v. The second return is false when
// no transaction, or more than one, qualifies.
func (mt MultiTransactions) TransferOf(v values.Value) (SignedTx, bool) {
	var found SignedTx
	var count int

	for _, tx := range mt.Txs {
		if tx.TransfersValue(v) {
			found = tx
			count++
		}
	}

	return found, count == 1
}

// String implements the fmt.Stringer interface for logging.
func (mt MultiTransactions) String() string {
	return fmt.Sprintf("%s[%d txs]", mt.Sender, len(mt.Txs))
}
