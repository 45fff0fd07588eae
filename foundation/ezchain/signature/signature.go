// Package signature provides content hashing and account signatures for
// the ledger. Everything signed or hashed here is the canonical JSON of a
// domain record: structs declare their fields in lexicographic key order
// and hashes run over that serialisation (signing digests under a domain
// tag, content hashes without one), so two
// nodes always derive the same bytes for the same record.
package signature

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
)

// ZeroHash represents a hash code of zeros.
const ZeroHash string = "0x0000000000000000000000000000000000000000000000000000000000000000"

// domainTag separates EZchain signing digests from any other use of the
// same key material.
const domainTag = "EZchain/v1\x00"

// sigLength is the [R|S|V] encoding length: two 32 byte coordinates plus
// one recovery id byte.
const sigLength = 65

// Set of errors for signature handling.
var (
	ErrIncomplete = errors.New("signature is incomplete")
	ErrInvalid    = errors.New("signature values are invalid")
)

// =============================================================================

// Hash returns a unique string for the value.
func Hash(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return ZeroHash
	}

	hash := sha256.Sum256(data)
	return hexutil.Encode(hash[:])
}

// digest produces the 32 bytes that are actually signed: the sha256 of
// the domain tag and the record's canonical JSON.
func digest(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	h.Write([]byte(domainTag))
	h.Write(data)

	return h.Sum(nil), nil
}

// =============================================================================

// Signature is a secp256k1 signature over a record's digest. V carries
// the raw recovery id (0 or 1); together with the digest it identifies
// the signing account without any stored public key.
type Signature struct {
	R *big.Int `json:"r"`
	S *big.Int `json:"s"`
	V *big.Int `json:"v"`
}

// Sign signs the record's digest with the private key.
func Sign(value any, privateKey *ecdsa.PrivateKey) (Signature, error) {
	d, err := digest(value)
	if err != nil {
		return Signature{}, err
	}

	raw, err := crypto.Sign(d, privateKey)
	if err != nil {
		return Signature{}, err
	}

	sig := Signature{
		R: new(big.Int).SetBytes(raw[:32]),
		S: new(big.Int).SetBytes(raw[32:64]),
		V: new(big.Int).SetBytes(raw[64:]),
	}

	// Recover immediately: a signature that does not resolve back to the
	// signing key must never leave this function.
	address, err := RecoverAddress(value, sig)
	if err != nil {
		return Signature{}, err
	}
	if address != values.Address(crypto.PubkeyToAddress(privateKey.PublicKey).String()) {
		return Signature{}, ErrInvalid
	}

	return sig, nil
}

// Validate checks the signature is well formed: both coordinates in
// range and a recovery id of 0 or 1.
func (sig Signature) Validate() error {
	if sig.R == nil || sig.S == nil || sig.V == nil {
		return ErrIncomplete
	}

	v := sig.V.Uint64()
	if v > 1 {
		return fmt.Errorf("recovery id %d: %w", v, ErrInvalid)
	}

	if !crypto.ValidateSignatureValues(byte(v), sig.R, sig.S, false) {
		return ErrInvalid
	}

	return nil
}

// Bytes renders the signature in [R|S|V] form.
func (sig Signature) Bytes() []byte {
	raw := make([]byte, sigLength)

	sig.R.FillBytes(raw[:32])
	sig.S.FillBytes(raw[32:64])
	raw[64] = byte(sig.V.Uint64())

	return raw
}

// String implements the fmt.Stringer interface, rendering the signature
// as a hex string.
func (sig Signature) String() string {
	return hexutil.Encode(sig.Bytes())
}

// Parse decodes a hex [R|S|V] signature string.
func Parse(sigStr string) (Signature, error) {
	raw, err := hexutil.Decode(sigStr)
	if err != nil {
		return Signature{}, err
	}
	if len(raw) != sigLength {
		return Signature{}, fmt.Errorf("signature is %d bytes, need %d: %w", len(raw), sigLength, ErrInvalid)
	}

	return Signature{
		R: new(big.Int).SetBytes(raw[:32]),
		S: new(big.Int).SetBytes(raw[32:64]),
		V: new(big.Int).SetBytes(raw[64:]),
	}, nil
}

// =============================================================================

// RecoverAddress extracts the account that signed the record. The record
// must serialise to the exact bytes that were signed or a different
// address comes back.
func RecoverAddress(value any, sig Signature) (values.Address, error) {
	if err := sig.Validate(); err != nil {
		return "", err
	}

	d, err := digest(value)
	if err != nil {
		return "", err
	}

	publicKey, err := crypto.SigToPub(d, sig.Bytes())
	if err != nil {
		return "", err
	}

	return values.Address(crypto.PubkeyToAddress(*publicKey).String()), nil
}
