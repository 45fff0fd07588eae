// Package genesis maintains access to the genesis file and builds the
// issuance block that seeds every initial holder's VPB.
package genesis

import (
	"encoding/json"
	"os"
	"time"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/blockindex"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/bloom"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/chain"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/merkle"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/proofs"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/signature"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/transaction"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
	"github.com/holiman/uint256"
)

// Allocation is one initial value issuance from the genesis issuer.
type Allocation struct {
	Account    string `json:"account"`
	BeginIndex string `json:"begin_index"`
	ValueNum   uint64 `json:"value_num"`
}

// Genesis represents the genesis file.
type Genesis struct {
	Date        time.Time    `json:"date"`
	ChainID     uint16       `json:"chain_id"` // The chain id represents an unique id for this running instance.
	Allocations []Allocation `json:"allocations"`
}

// =============================================================================

// Load opens and consumes the genesis file.
func Load(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, err
	}

	var genesis Genesis
	err = json.Unmarshal(content, &genesis)
	if err != nil {
		return Genesis{}, err
	}

	return genesis, nil
}

// =============================================================================

// Seed is one account's starting triplet produced by the issuance block.
type Seed struct {
	Account values.Address
	Value   values.Value
	Unit    proofs.ProofUnit
	Index   *blockindex.List
}

// IssueBlock builds block zero carrying one issuance transaction per
// allocation, all bundled under the genesis issuer, and derives the seed
// triplet for every initial holder.
func IssueBlock(g Genesis) (chain.Block, []Seed, error) {
	var txs []transaction.SignedTx

	seeds := make([]Seed, 0, len(g.Allocations))

	for _, alloc := range g.Allocations {
		begin, err := uint256.FromHex(alloc.BeginIndex)
		if err != nil {
			return chain.Block{}, nil, err
		}

		v, err := values.New(begin, alloc.ValueNum)
		if err != nil {
			return chain.Block{}, nil, err
		}

		tx := transaction.NewTx(values.GOD, values.Address(alloc.Account), []values.Value{v}, 0, uint64(g.Date.Unix()))
		txs = append(txs, transaction.SignedTx{Tx: tx})

		seeds = append(seeds, Seed{
			Account: values.Address(alloc.Account),
			Value:   v,
			Index:   blockindex.New(values.Address(alloc.Account)),
		})
	}

	bundle, err := transaction.NewMultiTransactions(values.GOD, txs)
	if err != nil {
		return chain.Block{}, nil, err
	}

	tree, err := merkle.NewTree([]transaction.MultiTransactions{bundle})
	if err != nil {
		return chain.Block{}, nil, err
	}

	filter := bloom.New(1)
	filter.Insert(string(values.GOD))

	block := chain.Block{
		Header: chain.BlockHeader{
			Height:    0,
			TransRoot: tree.RootHex(),
			Miner:     values.GOD,
			PrevHash:  signature.ZeroHash,
			TimeStamp: uint64(g.Date.Unix()),
			Version:   chain.Version,
		},
		Bloom: filter,
		Trans: tree,
	}

	proof, err := tree.Proof(bundle)
	if err != nil {
		return chain.Block{}, nil, err
	}

	for i := range seeds {
		seeds[i].Unit = proofs.ProofUnit{
			Owner:          seeds[i].Account,
			OwnerMTProof:   proof,
			OwnerMultiTxns: bundle,
		}
	}

	return block, seeds, nil
}
