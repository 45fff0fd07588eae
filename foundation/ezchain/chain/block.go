// Package chain implements the main-chain side of the ledger: blocks, the
// fork tree with longest-chain resolution, k-confirmation and the
// persistent chain store the VPB components read from.
package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/bloom"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/merkle"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/signature"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/transaction"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
)

// Version of the block format produced by this node.
const Version = "1.0"

// Set of errors for block handling.
var (
	ErrBlockValidation = errors.New("block validation failed")
	ErrParentNotFound  = errors.New("parent block not found")
	ErrNotFound        = errors.New("block not found")
	ErrChecksum        = errors.New("chain store checksum mismatch")
)

// =============================================================================

// BlockHeader represents common information required for each block. Field
// order matches the canonical lexicographic key order used for hashing.
type BlockHeader struct {
	Height    uint64         `json:"height"`
	TransRoot string         `json:"m_tree_root"`
	Miner     values.Address `json:"miner"`
	Nonce     uint64         `json:"nonce"`
	PrevHash  string         `json:"pre_hash"`
	TimeStamp uint64         `json:"time"`
	Version   string         `json:"version"`
}

// Block represents a group of transaction bundles batched together with
// the membership filter over their senders.
type Block struct {
	Header BlockHeader
	Bloom  *bloom.Filter
	Trans  *merkle.Tree[transaction.MultiTransactions]

	// Miner signature over the hashable content.
	Sig signature.Signature
}

// hashable is the canonical shape the block hash and signature cover:
// every field except the signature itself.
type hashable struct {
	Bloom  *bloom.Filter `json:"bloom"`
	Header BlockHeader   `json:"header"`
}

// NewBlock constructs a block on top of the specified parent from the
// packed bundle list and signs it with the miner's key.
func NewBlock(miner values.Address, privateKey *ecdsa.PrivateKey, parent Block, bundles []transaction.MultiTransactions, nonce uint64, timeStamp uint64) (Block, error) {
	tree, err := merkle.NewTree(bundles)
	if err != nil {
		return Block{}, err
	}

	filter := bloom.New(len(bundles))
	for _, mt := range bundles {
		filter.Insert(string(mt.Sender))
	}

	b := Block{
		Header: BlockHeader{
			Height:    parent.Header.Height + 1,
			TransRoot: tree.RootHex(),
			Miner:     miner,
			Nonce:     nonce,
			PrevHash:  parent.Hash(),
			TimeStamp: timeStamp,
			Version:   Version,
		},
		Bloom: filter,
		Trans: tree,
	}

	sig, err := signature.Sign(hashable{Bloom: b.Bloom, Header: b.Header}, privateKey)
	if err != nil {
		return Block{}, err
	}
	b.Sig = sig

	return b, nil
}

// Hash returns the unique hash for the block, covering every field except
// the signature.
func (b Block) Hash() string {
	return signature.Hash(hashable{Bloom: b.Bloom, Header: b.Header})
}

// Validate takes a block and validates it to be included into the chain
// after the specified parent.
func (b Block) Validate(parent Block) error {
	if b.Header.Height != parent.Header.Height+1 {
		return fmt.Errorf("height %d is not parent height %d plus one: %w", b.Header.Height, parent.Header.Height, ErrBlockValidation)
	}

	if b.Header.PrevHash != parent.Hash() {
		return fmt.Errorf("previous hash does not match parent: %w", ErrBlockValidation)
	}

	if b.Trans == nil {
		return fmt.Errorf("block carries no bundles: %w", ErrBlockValidation)
	}

	if b.Header.TransRoot != b.Trans.RootHex() {
		return fmt.Errorf("merkle root does not match bundles, got %s, exp %s: %w", b.Trans.RootHex(), b.Header.TransRoot, ErrBlockValidation)
	}

	if b.Bloom == nil {
		return fmt.Errorf("block carries no bloom filter: %w", ErrBlockValidation)
	}
	for _, mt := range b.Trans.Values() {
		if !b.Bloom.MightContain(string(mt.Sender)) {
			return fmt.Errorf("bloom filter is missing sender %s: %w", mt.Sender, ErrBlockValidation)
		}
	}

	if err := b.verifySignature(); err != nil {
		return err
	}

	return nil
}

// verifySignature checks the miner signature against the declared miner
// address. The genesis issuer is exempt.
func (b Block) verifySignature() error {
	if b.Header.Miner == values.GOD {
		return nil
	}

	address, err := signature.RecoverAddress(hashable{Bloom: b.Bloom, Header: b.Header}, b.Sig)
	if err != nil {
		return fmt.Errorf("block signature recovery: %w", ErrBlockValidation)
	}

	if address != b.Header.Miner {
		return fmt.Errorf("block signed by %s, miner is %s: %w", address, b.Header.Miner, ErrBlockValidation)
	}

	return nil
}

// Senders returns the set of sender addresses appearing in the block's
// bundles.
func (b Block) Senders() []values.Address {
	var senders []values.Address
	for _, mt := range b.Trans.Values() {
		senders = append(senders, mt.Sender)
	}

	return senders
}

// BundleProof produces the inclusion proof for the specified bundle
// against the block's merkle root.
func (b Block) BundleProof(mt transaction.MultiTransactions) (merkle.Proof, error) {
	return b.Trans.Proof(mt)
}

// =============================================================================

// BlockData represents what is written to the chain store for one block.
type BlockData struct {
	Hash  string                          `json:"hash"`
	Block BlockHeader                     `json:"block"`
	Bloom *bloom.Filter                   `json:"bloom"`
	Trans []transaction.MultiTransactions `json:"trans"`
	Sig   signature.Signature             `json:"sig"`
}

// NewBlockData constructs the value to serialize to the store.
func NewBlockData(block Block) BlockData {
	return BlockData{
		Hash:  block.Hash(),
		Block: block.Header,
		Bloom: block.Bloom,
		Trans: block.Trans.Values(),
		Sig:   block.Sig,
	}
}

// ToBlock converts a BlockData into a Block.
func ToBlock(blockData BlockData) (Block, error) {
	tree, err := merkle.NewTree(blockData.Trans)
	if err != nil {
		return Block{}, err
	}

	b := Block{
		Header: blockData.Block,
		Bloom:  blockData.Bloom,
		Trans:  tree,
		Sig:    blockData.Sig,
	}

	return b, nil
}
