package wire

import (
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/blockindex"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/merkle"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/proofs"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/transaction"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
)

// FromValue converts a value into its wire record.
func FromValue(v values.Value) ValueRecord {
	return ValueRecord{
		BeginIndex: v.BeginIndex.Hex(),
		ValueNum:   v.ValueNum,
	}
}

// FromProof converts a merkle proof into its wire record.
func FromProof(p merkle.Proof) ProofRecord {
	record := ProofRecord{Root: p.Root}
	for _, step := range p.Steps {
		record.Path = append(record.Path, ProofStepRecord{
			Sibling: hexutil.Encode(step.Sibling),
			IsRight: step.IsRight,
		})
	}
	return record
}

// fromBundle converts a bundle into its wire record.
func fromBundle(mt transaction.MultiTransactions) BundleRecord {
	record := BundleRecord{Sender: string(mt.Sender)}

	for _, tx := range mt.Txs {
		txr := TxRecord{
			Sender:    string(tx.Sender),
			Recipient: string(tx.Recipient),
			Nonce:     tx.Nonce,
			Timestamp: tx.TimeStamp,
			TxID:      tx.TxID,
		}
		for _, v := range tx.Values {
			txr.Values = append(txr.Values, FromValue(v))
		}
		if tx.R != nil {
			txr.Signature = tx.Signature.String()
		}
		record.Txs = append(record.Txs, txr)
	}

	return record
}

// FromVPB converts a triplet into the record sent peer-to-peer.
func FromVPB(v values.Value, units []proofs.ProofUnit, bil *blockindex.List) VPBRecord {
	record := VPBRecord{Value: FromValue(v)}

	for _, unit := range units {
		record.Proofs = append(record.Proofs, ProofUnitRecord{
			Owner:          string(unit.Owner),
			OwnerMultiTxns: fromBundle(unit.OwnerMultiTxns),
			OwnerMTProof:   FromProof(unit.OwnerMTProof),
		})
	}

	record.BlockIndexList.IndexLst = append([]uint64{}, bil.IndexLst...)
	for _, entry := range bil.OwnerData {
		record.BlockIndexList.OwnerData = append(record.BlockIndexList.OwnerData, OwnerEntryRecord{
			Height: entry.Height,
			Owner:  string(entry.Owner),
		})
	}

	return record
}
