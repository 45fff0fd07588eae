package proofs_test

import (
	"testing"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/merkle"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/proofs"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/storage"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/transaction"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
	"github.com/holiman/uint256"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

// makeUnit builds a distinct proof unit keyed off the seed.
func makeUnit(t *testing.T, owner values.Address, seed string) proofs.ProofUnit {
	t.Helper()

	v, err := values.New(uint256.NewInt(0x9000), 10)
	if err != nil {
		t.Fatalf("constructing value: %v", err)
	}

	tx := transaction.Tx{
		Recipient: "0xRecipient",
		Sender:    owner,
		TxID:      seed,
		Values:    []values.Value{v},
	}

	bundle, err := transaction.NewMultiTransactions(owner, []transaction.SignedTx{{Tx: tx}})
	if err != nil {
		t.Fatalf("building bundle: %v", err)
	}

	return proofs.ProofUnit{
		Owner:          owner,
		OwnerMTProof:   merkle.Proof{Root: "0xroot-" + seed},
		OwnerMultiTxns: bundle,
	}
}

func TestRefCounting(t *testing.T) {
	t.Log("Given the need to share proof units across values by reference.")
	{
		t.Logf("\tTest 0:\tWhen two values cite the same evidence.")
		{
			store, err := storage.Open(t.TempDir())
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open the store: %v", failed, err)
			}
			defer store.Close()

			ps := proofs.NewStore("0xAlice", store)
			unit := makeUnit(t, "0xAlice", "shared")

			if _, err := ps.Add("0x01", unit); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to add the first reference: %v", failed, err)
			}
			if _, err := ps.Add("0x02", unit); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to add the second reference: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to add both references.", success)

			count, err := ps.RefCount(unit.UnitID())
			if err != nil || count != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould have a reference count of 2, got %d.", failed, count)
			}
			t.Logf("\t%s\tTest 0:\tShould have a reference count of 2.", success)

			if err := ps.Remove("0x01", unit.UnitID()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to drop one reference: %v", failed, err)
			}

			count, _ = ps.RefCount(unit.UnitID())
			if count != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould have a reference count of 1, got %d.", failed, count)
			}
			t.Logf("\t%s\tTest 0:\tShould have a reference count of 1 after removal.", success)

			if err := ps.Remove("0x02", unit.UnitID()); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to drop the last reference: %v", failed, err)
			}

			count, _ = ps.RefCount(unit.UnitID())
			if count != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould delete the unit at zero references.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould delete the unit at zero references.", success)
		}
	}
}

func TestOrderedRetrieval(t *testing.T) {
	t.Log("Given the need to return a value's proofs in insertion order.")
	{
		t.Logf("\tTest 0:\tWhen adding a sequence of units.")
		{
			store, err := storage.Open(t.TempDir())
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open the store: %v", failed, err)
			}
			defer store.Close()

			ps := proofs.NewStore("0xAlice", store)

			seeds := []string{"one", "two", "three", "four"}
			var unitIDs []string
			for _, seed := range seeds {
				unit := makeUnit(t, "0xAlice", seed)
				unitIDs = append(unitIDs, unit.UnitID())
				if _, err := ps.Add("0x01", unit); err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to add unit %s: %v", failed, seed, err)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould be able to add the sequence.", success)

			ordered, err := ps.Ordered("0x01")
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to read the sequence: %v", failed, err)
			}

			if len(ordered) != len(seeds) {
				t.Fatalf("\t%s\tTest 0:\tShould have %d units, got %d.", failed, len(seeds), len(ordered))
			}
			for i, unit := range ordered {
				if unit.UnitID() != unitIDs[i] {
					t.Fatalf("\t%s\tTest 0:\tShould keep insertion order at position %d.", failed, i)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould keep insertion order.", success)
		}
	}
}

func TestIdempotentAdd(t *testing.T) {
	t.Log("Given the need for block re-application to be a no-op.")
	{
		t.Logf("\tTest 0:\tWhen re-adding the latest unit for a value.")
		{
			store, err := storage.Open(t.TempDir())
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open the store: %v", failed, err)
			}
			defer store.Close()

			ps := proofs.NewStore("0xAlice", store)
			unit := makeUnit(t, "0xAlice", "repeat")

			added, err := ps.Add("0x01", unit)
			if err != nil || !added {
				t.Fatalf("\t%s\tTest 0:\tShould write the first reference: %v", failed, err)
			}
			added, err = ps.Add("0x01", unit)
			if err != nil || added {
				t.Fatalf("\t%s\tTest 0:\tShould report the repeat as a no-op: %v", failed, err)
			}

			ordered, err := ps.Ordered("0x01")
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to read the sequence: %v", failed, err)
			}

			if len(ordered) != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould hold a single entry, got %d.", failed, len(ordered))
			}
			t.Logf("\t%s\tTest 0:\tShould hold a single entry.", success)

			count, _ := ps.RefCount(unit.UnitID())
			if count != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould keep the reference count at 1, got %d.", failed, count)
			}
			t.Logf("\t%s\tTest 0:\tShould keep the reference count at 1.", success)
		}
	}
}
