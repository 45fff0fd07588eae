// Package bloom implements the per-block membership filter over sender
// addresses. The filter is deterministic across nodes: the same inserts in
// any order always produce the same bit array.
package bloom

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Network-wide filter parameters: 10 bits per expected item with 7 hash
// functions, giving roughly a 1% false positive rate at capacity.
const (
	BitsPerItem = 10
	DefaultK    = 7
)

// minItems keeps tiny blocks from degenerating into an all-ones filter.
const minItems = 8

// =============================================================================

// Filter represents a fixed-size bloom filter with k hash functions using
// enhanced double hashing over the two halves of a sha256 digest.
type Filter struct {
	bits []byte
	m    uint64
	k    uint8
}

// New constructs a filter sized for the expected number of items.
func New(expectedItems int) *Filter {
	items := expectedItems
	if items < minItems {
		items = minItems
	}

	m := uint64(items * BitsPerItem)
	return &Filter{
		bits: make([]byte, (m+7)/8),
		m:    m,
		k:    DefaultK,
	}
}

// NewWithParams constructs a filter with an explicit bit size and hash
// count, for callers that need to deviate from the network defaults.
func NewWithParams(mBits uint64, k uint8) (*Filter, error) {
	if mBits == 0 || k == 0 {
		return nil, errors.New("filter parameters must be non-zero")
	}

	return &Filter{
		bits: make([]byte, (mBits+7)/8),
		m:    mBits,
		k:    k,
	}, nil
}

// Insert adds an address to the filter.
func (f *Filter) Insert(address string) {
	h1, h2 := hashPair(address)

	for i := uint8(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.m
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MightContain reports whether the address may have been inserted. False
// means definitely not present; true may be a false positive.
func (f *Filter) MightContain(address string) bool {
	h1, h2 := hashPair(address)

	for i := uint8(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.m
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}

	return true
}

// M returns the filter size in bits.
func (f *Filter) M() uint64 {
	return f.m
}

// K returns the number of hash functions.
func (f *Filter) K() uint8 {
	return f.k
}

// hashPair derives the two base hashes for double hashing from the sha256
// digest of the address.
func hashPair(address string) (uint64, uint64) {
	sum := sha256.Sum256([]byte(address))

	h1 := binary.BigEndian.Uint64(sum[:8])
	h2 := binary.BigEndian.Uint64(sum[8:16])

	// An even h2 would cycle over a subset of the bits; force it odd.
	h2 |= 1

	return h1, h2
}

// =============================================================================

// filterRecord is the wire shape of the filter serialised with its block.
type filterRecord struct {
	Bits string `json:"bits"`
	K    uint8  `json:"k"`
	M    uint64 `json:"m"`
}

// MarshalJSON implements the json.Marshaler interface.
func (f Filter) MarshalJSON() ([]byte, error) {
	record := filterRecord{
		Bits: hex.EncodeToString(f.bits),
		K:    f.k,
		M:    f.m,
	}

	return json.Marshal(record)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var record filterRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return err
	}

	bits, err := hex.DecodeString(record.Bits)
	if err != nil {
		return fmt.Errorf("decoding filter bits: %w", err)
	}

	if record.M == 0 {
		return errors.New("filter has zero bits")
	}
	if uint64(len(bits)) != (record.M+7)/8 {
		return fmt.Errorf("filter bits length %d does not match m %d", len(bits), record.M)
	}

	f.bits = bits
	f.m = record.M
	f.k = record.K

	return nil
}
