// Package wire defines the peer-to-peer record shapes for transactions,
// blocks and VPB triplets, with field validation of everything arriving
// from the network.
package wire

import (
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/blockindex"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/merkle"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/proofs"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/signature"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/transaction"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
	"github.com/holiman/uint256"
)

// ValueRecord is the wire shape of one value range.
type ValueRecord struct {
	BeginIndex string `json:"begin_index" validate:"required"`
	ValueNum   uint64 `json:"value_num" validate:"required,min=1"`
}

// TxRecord is the wire shape of one signed transaction.
type TxRecord struct {
	Sender    string        `json:"sender" validate:"required"`
	Recipient string        `json:"recipient" validate:"required"`
	Values    []ValueRecord `json:"values" validate:"required,min=1,dive"`
	Nonce     uint64        `json:"nonce"`
	Timestamp uint64        `json:"timestamp"`
	TxID      string        `json:"tx_id" validate:"required"`
	Signature string        `json:"signature"`
}

// BundleRecord is the wire shape of a per-sender transaction bundle.
type BundleRecord struct {
	Sender string     `json:"sender"`
	Txs    []TxRecord `json:"txs" validate:"required,min=1,dive"`
}

// ProofStepRecord is one level of a merkle inclusion proof.
type ProofStepRecord struct {
	Sibling string `json:"sibling" validate:"required"`
	IsRight bool   `json:"is_right"`
}

// ProofRecord is the wire shape of a merkle inclusion proof.
type ProofRecord struct {
	Path []ProofStepRecord `json:"path"`
	Root string            `json:"root" validate:"required"`
}

// ProofUnitRecord is the wire shape of one proof unit.
type ProofUnitRecord struct {
	Owner          string       `json:"owner" validate:"required"`
	OwnerMultiTxns BundleRecord `json:"owner_multi_txns" validate:"required"`
	OwnerMTProof   ProofRecord  `json:"owner_mt_proof" validate:"required"`
}

// OwnerEntryRecord is one ownership transfer entry.
type OwnerEntryRecord struct {
	Height uint64 `json:"h"`
	Owner  string `json:"owner" validate:"required"`
}

// BlockIndexRecord is the wire shape of a block index list.
type BlockIndexRecord struct {
	IndexLst  []uint64           `json:"index_lst" validate:"required,min=1"`
	OwnerData []OwnerEntryRecord `json:"owner_data" validate:"required,min=1,dive"`
}

// VPBRecord is the record sent peer-to-peer for one value.
type VPBRecord struct {
	Value          ValueRecord       `json:"value" validate:"required"`
	Proofs         []ProofUnitRecord `json:"proofs" validate:"required,min=1,dive"`
	BlockIndexList BlockIndexRecord  `json:"block_index_list" validate:"required"`
}

// =============================================================================
// Conversions from wire records into domain types.

// ToValue converts a value record into its domain type.
func ToValue(r ValueRecord) (values.Value, error) {
	begin, err := uint256.FromHex(r.BeginIndex)
	if err != nil {
		return values.Value{}, err
	}

	return values.New(begin, r.ValueNum)
}

// ToProof converts a proof record into its domain type.
func ToProof(r ProofRecord) (merkle.Proof, error) {
	proof := merkle.Proof{Root: r.Root}

	for _, step := range r.Path {
		sibling, err := hexutil.Decode(step.Sibling)
		if err != nil {
			return merkle.Proof{}, err
		}
		proof.Steps = append(proof.Steps, merkle.Step{Sibling: sibling, IsRight: step.IsRight})
	}

	return proof, nil
}

// ToVPB converts a VPB record into the triplet domain types after
// validating the record's fields.
func ToVPB(r VPBRecord) (values.Value, []proofs.ProofUnit, *blockindex.List, error) {
	if err := Check(r); err != nil {
		return values.Value{}, nil, nil, err
	}

	v, err := ToValue(r.Value)
	if err != nil {
		return values.Value{}, nil, nil, err
	}

	units := make([]proofs.ProofUnit, 0, len(r.Proofs))
	for _, pr := range r.Proofs {
		bundle, err := toBundle(pr.OwnerMultiTxns)
		if err != nil {
			return values.Value{}, nil, nil, err
		}

		proof, err := ToProof(pr.OwnerMTProof)
		if err != nil {
			return values.Value{}, nil, nil, err
		}

		units = append(units, proofs.ProofUnit{
			Owner:          values.Address(pr.Owner),
			OwnerMTProof:   proof,
			OwnerMultiTxns: bundle,
		})
	}

	bil := blockindex.List{
		IndexLst: append([]uint64{}, r.BlockIndexList.IndexLst...),
	}
	for _, entry := range r.BlockIndexList.OwnerData {
		bil.OwnerData = append(bil.OwnerData, blockindex.OwnerEntry{
			Height: entry.Height,
			Owner:  values.Address(entry.Owner),
		})
	}

	return v, units, &bil, nil
}

// toBundle converts a bundle record into its domain type.
func toBundle(r BundleRecord) (transaction.MultiTransactions, error) {
	var txs []transaction.SignedTx

	for _, txr := range r.Txs {
		var vs []values.Value
		for _, vr := range txr.Values {
			v, err := ToValue(vr)
			if err != nil {
				return transaction.MultiTransactions{}, err
			}
			vs = append(vs, v)
		}

		tx := transaction.SignedTx{
			Tx: transaction.Tx{
				Nonce:     txr.Nonce,
				Recipient: values.Address(txr.Recipient),
				Sender:    values.Address(txr.Sender),
				TimeStamp: txr.Timestamp,
				TxID:      txr.TxID,
				Values:    vs,
			},
		}

		if txr.Signature != "" {
			sig, err := signature.Parse(txr.Signature)
			if err != nil {
				return transaction.MultiTransactions{}, err
			}
			tx.Signature = sig
		}

		txs = append(txs, tx)
	}

	return transaction.NewMultiTransactions(values.Address(r.Sender), txs)
}
