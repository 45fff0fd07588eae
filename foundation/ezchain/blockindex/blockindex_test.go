package blockindex_test

import (
	"errors"
	"testing"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/blockindex"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

// seededList builds the history used across the tests: alice receives the
// value at genesis, sends at 8, transfers to bob at 15; bob sends at 16
// and 25 and transfers to charlie at 27.
func seededList(t *testing.T) *blockindex.List {
	t.Helper()

	l := blockindex.New("alice")

	steps := []struct {
		height   uint64
		transfer values.Address
	}{
		{8, ""}, {15, "bob"}, {16, ""}, {25, ""}, {27, "charlie"},
	}

	for _, step := range steps {
		if step.transfer != "" {
			if err := l.AppendOwnerTransfer(step.height, step.transfer); err != nil {
				t.Fatalf("appending transfer at %d: %v", step.height, err)
			}
			continue
		}
		if err := l.AppendIndex(step.height); err != nil {
			t.Fatalf("appending index %d: %v", step.height, err)
		}
	}

	return l
}

func TestOrdering(t *testing.T) {
	t.Log("Given the need to keep index heights strictly increasing.")
	{
		t.Logf("\tTest 0:\tWhen appending heights out of order.")
		{
			l := blockindex.New("alice")

			if err := l.AppendIndex(10); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould append an increasing height: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould append an increasing height.", success)

			if err := l.AppendIndex(10); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould treat the repeated last height as a no-op: %v", failed, err)
			}
			if len(l.IndexLst) != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould not duplicate the height, got %v.", failed, l.IndexLst)
			}
			t.Logf("\t%s\tTest 0:\tShould treat the repeated last height as a no-op.", success)

			if err := l.AppendIndex(5); !errors.Is(err, blockindex.ErrIndexOutOfOrder) {
				t.Fatalf("\t%s\tTest 0:\tShould reject a lower height: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject a lower height.", success)

			if err := l.AppendOwnerTransfer(0, "bob"); !errors.Is(err, blockindex.ErrOwnerTransferInconsistent) {
				t.Fatalf("\t%s\tTest 0:\tShould reject a transfer at a past height: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject a transfer at a past height.", success)
		}
	}
}

func TestOwnerTracking(t *testing.T) {
	t.Log("Given the need to answer who held the value at any height.")
	{
		t.Logf("\tTest 0:\tWhen walking a two-transfer history.")
		{
			l := seededList(t)

			if err := l.Validate(); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould hold the structural invariants: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould hold the structural invariants.", success)

			checks := []struct {
				height uint64
				owner  values.Address
			}{
				{0, "alice"}, {14, "alice"}, {15, "bob"}, {26, "bob"}, {27, "charlie"}, {99, "charlie"},
			}

			for _, check := range checks {
				owner, found := l.OwnerAt(check.height)
				if !found || owner != check.owner {
					t.Fatalf("\t%s\tTest 0:\tShould resolve owner at %d to %s, got %s.", failed, check.height, check.owner, owner)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould resolve the owner at every height.", success)

			current, err := l.CurrentOwner()
			if err != nil || current != "charlie" {
				t.Fatalf("\t%s\tTest 0:\tShould resolve the current owner to charlie.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould resolve the current owner.", success)
		}
	}
}

func TestEpochExtraction(t *testing.T) {
	t.Log("Given the need to derive ownership epochs with sender heights.")
	{
		t.Logf("\tTest 0:\tWhen extracting epochs at tip 60.")
		{
			l := seededList(t)

			epochs, err := l.ExtractOwnerEpochs(60)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to extract epochs: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to extract epochs.", success)

			if len(epochs) != 3 {
				t.Fatalf("\t%s\tTest 0:\tShould have three epochs, got %d.", failed, len(epochs))
			}

			alice := epochs[0]
			if alice.Owner != "alice" || alice.Start != 0 || alice.End != 14 || alice.TransferHeight != 15 {
				t.Fatalf("\t%s\tTest 0:\tShould bound alice's epoch [0,14] with transfer 15, got %+v.", failed, alice)
			}
			if len(alice.SenderHeights) != 1 || alice.SenderHeights[0] != 8 {
				t.Fatalf("\t%s\tTest 0:\tShould have alice's sender heights [8], got %v.", failed, alice.SenderHeights)
			}
			t.Logf("\t%s\tTest 0:\tShould bound alice's epoch.", success)

			bob := epochs[1]
			if bob.Owner != "bob" || bob.Start != 15 || bob.End != 26 || bob.TransferHeight != 27 {
				t.Fatalf("\t%s\tTest 0:\tShould bound bob's epoch [15,26] with transfer 27, got %+v.", failed, bob)
			}
			if len(bob.SenderHeights) != 2 || bob.SenderHeights[0] != 16 || bob.SenderHeights[1] != 25 {
				t.Fatalf("\t%s\tTest 0:\tShould have bob's sender heights [16 25], got %v.", failed, bob.SenderHeights)
			}
			t.Logf("\t%s\tTest 0:\tShould bound bob's epoch.", success)

			charlie := epochs[2]
			if charlie.Owner != "charlie" || !charlie.Open || charlie.End != 60 {
				t.Fatalf("\t%s\tTest 0:\tShould leave charlie's epoch open to the tip, got %+v.", failed, charlie)
			}
			t.Logf("\t%s\tTest 0:\tShould leave charlie's epoch open.", success)
		}
	}
}

// =============================================================================

// chainStub answers bloom membership from a fixed table.
type chainStub struct {
	tip     uint64
	members map[uint64][]values.Address
}

func (c chainStub) TipHeight() uint64 {
	return c.tip
}

func (c chainStub) BloomContains(height uint64, address values.Address) (bool, error) {
	for _, member := range c.members[height] {
		if member == address {
			return true, nil
		}
	}
	return false, nil
}

func TestVerifyAgainstChain(t *testing.T) {
	t.Log("Given the need to check the index list against committed filters.")
	{
		t.Logf("\tTest 0:\tWhen the chain records every sender event.")
		{
			l := seededList(t)

			stub := chainStub{
				tip: 60,
				members: map[uint64][]values.Address{
					8:  {"alice"},
					15: {"alice"},
					16: {"bob"},
					25: {"bob"},
					27: {"bob"},
				},
			}

			if err := l.VerifyAgainstChain(stub); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould verify the complete history: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould verify the complete history.", success)

			// Remove bob from the filter at 25 and the claim must fail.
			delete(stub.members, 25)
			if err := l.VerifyAgainstChain(stub); !errors.Is(err, blockindex.ErrOwnerTransferInconsistent) {
				t.Fatalf("\t%s\tTest 0:\tShould fail when a sender event is missing: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould fail when a sender event is missing.", success)
		}
	}
}
