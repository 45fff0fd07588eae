// Package transaction defines the transactional information exchanged
// between two accounts and the per-sender bundle committed into a block.
package transaction

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/signature"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
	"github.com/google/uuid"
)

// Set of errors for transaction handling.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMixedSenders     = errors.New("bundle transactions must share one sender")
)

// =============================================================================

// Tx is the transactional information between two parties. Field order
// matches the canonical lexicographic key order used for hashing and
// signing.
type Tx struct {
	Nonce     uint64         `json:"nonce"`
	Recipient values.Address `json:"recipient"`
	Sender    values.Address `json:"sender"`
	TimeStamp uint64         `json:"timestamp"`
	TxID      string         `json:"tx_id"`
	Values    []values.Value `json:"values"`
}

// NewTx constructs a new transaction transferring the specified values.
func NewTx(sender values.Address, recipient values.Address, vs []values.Value, nonce uint64, timeStamp uint64) Tx {
	return Tx{
		Nonce:     nonce,
		Recipient: recipient,
		Sender:    sender,
		TimeStamp: timeStamp,
		TxID:      uuid.NewString(),
		Values:    vs,
	}
}

// Sign uses the specified private key to sign the transaction.
func (tx Tx) Sign(privateKey *ecdsa.PrivateKey) (SignedTx, error) {
	sig, err := signature.Sign(tx, privateKey)
	if err != nil {
		return SignedTx{}, err
	}

	return SignedTx{Tx: tx, Signature: sig}, nil
}

// TransfersValue reports whether the transaction moves a value equal to or
// fully containing the specified value.
func (tx Tx) TransfersValue(v values.Value) bool {
	for _, tv := range tx.Values {
		if tv.Equals(v) || tv.Contains(v) {
			return true
		}
	}
	return false
}

// IntersectsValue reports whether any value moved by the transaction
// overlaps the specified value's range.
func (tx Tx) IntersectsValue(v values.Value) bool {
	for _, tv := range tx.Values {
		if tv.Intersects(v) {
			return true
		}
	}
	return false
}

// =============================================================================

// SignedTx is a signed version of the transaction. This is how accounts
// provide transactions for inclusion into the ledger.
type SignedTx struct {
	Tx
	signature.Signature
}

// Validate verifies the transaction has a proper signature that conforms
// to our standards and that the signer matches the declared sender. The
// genesis issuer and sender-less system transactions are exempt from
// signature checks.
func (tx SignedTx) Validate() error {
	if tx.Sender == values.GOD || tx.Sender == "" {
		return nil
	}

	address, err := signature.RecoverAddress(tx.Tx, tx.Signature)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}

	if address != tx.Sender {
		return fmt.Errorf("signer %s is not the declared sender %s: %w", address, tx.Sender, ErrInvalidSignature)
	}

	return nil
}

// FromAccount extracts the address that signed the transaction.
func (tx SignedTx) FromAccount() (values.Address, error) {
	return signature.RecoverAddress(tx.Tx, tx.Signature)
}

// String implements the fmt.Stringer interface for logging.
func (tx SignedTx) String() string {
	return fmt.Sprintf("%s:%d", tx.Sender, tx.Nonce)
}
