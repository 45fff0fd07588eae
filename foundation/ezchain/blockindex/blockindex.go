// Package blockindex maintains the per-value record of sender
// participation heights and ownership transfers that travels with a value
// as the B of its VPB triplet.
package blockindex

import (
	"errors"
	"fmt"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
)

// Set of errors for block index handling.
var (
	ErrIndexOutOfOrder           = errors.New("block index out of order")
	ErrOwnerTransferInconsistent = errors.New("owner transfer inconsistent")
	ErrStructuralInvalid         = errors.New("block index list structurally invalid")
)

// =============================================================================

// OwnerEntry records one ownership transfer: the block height at which
// the new owner took the value.
type OwnerEntry struct {
	Height uint64         `json:"h"`
	Owner  values.Address `json:"owner"`
}

// List carries the two aligned structures for one value: the strictly
// increasing heights at which the then-current holder appeared as a
// sender, and the ownership transfer history. Every owner height also
// appears in the index list.
type List struct {
	IndexLst  []uint64     `json:"index_lst"`
	OwnerData []OwnerEntry `json:"owner_data"`
}

// New seeds a list for a value issued at genesis to the initial owner.
func New(initialOwner values.Address) *List {
	return &List{
		IndexLst:  []uint64{0},
		OwnerData: []OwnerEntry{{Height: 0, Owner: initialOwner}},
	}
}

// Clone returns a deep copy of the list.
func (l *List) Clone() *List {
	clone := List{
		IndexLst:  append([]uint64{}, l.IndexLst...),
		OwnerData: append([]OwnerEntry{}, l.OwnerData...),
	}
	return &clone
}

// AppendIndex records a new sender-participation height. The height must
// exceed the last recorded height; re-appending the current last height
// is a no-op so block updates stay idempotent.
func (l *List) AppendIndex(height uint64) error {
	if n := len(l.IndexLst); n > 0 {
		last := l.IndexLst[n-1]
		if height == last {
			return nil
		}
		if height < last {
			return fmt.Errorf("height %d after %d: %w", height, last, ErrIndexOutOfOrder)
		}
	}

	l.IndexLst = append(l.IndexLst, height)
	return nil
}

// AppendOwnerTransfer records a change of ownership at the specified
// height. The height must already be, or becomes, the last index entry.
func (l *List) AppendOwnerTransfer(height uint64, newOwner values.Address) error {
	if n := len(l.OwnerData); n > 0 {
		last := l.OwnerData[n-1]
		if height <= last.Height {
			return fmt.Errorf("transfer at %d after transfer at %d: %w", height, last.Height, ErrOwnerTransferInconsistent)
		}
	}

	if err := l.AppendIndex(height); err != nil {
		return err
	}

	l.OwnerData = append(l.OwnerData, OwnerEntry{Height: height, Owner: newOwner})
	return nil
}

// CurrentOwner returns the holder recorded by the last transfer.
func (l *List) CurrentOwner() (values.Address, error) {
	if len(l.OwnerData) == 0 {
		return "", fmt.Errorf("no ownership history: %w", ErrStructuralInvalid)
	}

	return l.OwnerData[len(l.OwnerData)-1].Owner, nil
}

// OwnerAt returns the holder of the value at the specified height.
func (l *List) OwnerAt(height uint64) (values.Address, bool) {
	var owner values.Address
	var found bool

	for _, entry := range l.OwnerData {
		if entry.Height > height {
			break
		}
		owner = entry.Owner
		found = true
	}

	return owner, found
}

// Validate checks the structural invariants: non-empty strictly
// increasing index list, non-empty owner history with strictly
// increasing heights, every owner height present in the index list.
func (l *List) Validate() error {
	if len(l.IndexLst) == 0 {
		return fmt.Errorf("empty index list: %w", ErrStructuralInvalid)
	}
	if len(l.OwnerData) == 0 {
		return fmt.Errorf("empty owner history: %w", ErrStructuralInvalid)
	}

	for i := 1; i < len(l.IndexLst); i++ {
		if l.IndexLst[i] <= l.IndexLst[i-1] {
			return fmt.Errorf("index %d not after %d: %w", l.IndexLst[i], l.IndexLst[i-1], ErrIndexOutOfOrder)
		}
	}

	indexSet := make(map[uint64]struct{}, len(l.IndexLst))
	for _, h := range l.IndexLst {
		indexSet[h] = struct{}{}
	}

	var lastHeight uint64
	for i, entry := range l.OwnerData {
		if i > 0 && entry.Height <= lastHeight {
			return fmt.Errorf("owner height %d not after %d: %w", entry.Height, lastHeight, ErrOwnerTransferInconsistent)
		}
		lastHeight = entry.Height

		if _, exists := indexSet[entry.Height]; !exists {
			return fmt.Errorf("owner height %d missing from index list: %w", entry.Height, ErrStructuralInvalid)
		}
	}

	return nil
}

// =============================================================================

// Epoch describes a maximal span during which one account held the value.
// SenderHeights are the in-epoch heights at which the holder appeared as
// a sender without transferring the value; TransferHeight is the height
// of the outgoing transfer for closed epochs.
type Epoch struct {
	Owner          values.Address
	Start          uint64
	End            uint64
	Open           bool
	SenderHeights  []uint64
	TransferHeight uint64
}

// ExtractOwnerEpochs derives the ownership epochs. The final owner's
// epoch is open-ended and carries no transfer height; tip bounds its
// end for reporting.
func (l *List) ExtractOwnerEpochs(tip uint64) ([]Epoch, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	epochs := make([]Epoch, 0, len(l.OwnerData))

	for i, entry := range l.OwnerData {
		epoch := Epoch{
			Owner: entry.Owner,
			Start: entry.Height,
		}

		if i+1 < len(l.OwnerData) {
			next := l.OwnerData[i+1]
			epoch.End = next.Height - 1
			epoch.TransferHeight = next.Height
		} else {
			epoch.Open = true
			epoch.End = tip
		}

		for _, h := range l.IndexLst {
			if h <= epoch.Start {
				continue
			}
			if !epoch.Open && h > epoch.End {
				break
			}
			if epoch.Open && h > tip {
				break
			}
			epoch.SenderHeights = append(epoch.SenderHeights, h)
		}

		epochs = append(epochs, epoch)
	}

	return epochs, nil
}

// =============================================================================

// ChainReader is the narrow main-chain capability set needed to verify a
// list against committed evidence.
type ChainReader interface {
	TipHeight() uint64
	BloomContains(height uint64, address values.Address) (bool, error)
}

// VerifyAgainstChain confirms that for every index entry the then-current
// holder appears in that block's membership filter. Height zero is the
// genesis issuance and carries no filter evidence.
func (l *List) VerifyAgainstChain(reader ChainReader) error {
	if err := l.Validate(); err != nil {
		return err
	}

	for _, h := range l.IndexLst {
		if h == 0 {
			continue
		}
		if h > reader.TipHeight() {
			return fmt.Errorf("index %d beyond chain tip %d: %w", h, reader.TipHeight(), ErrIndexOutOfOrder)
		}

		owner, found := l.OwnerAt(h)
		if !found {
			return fmt.Errorf("no owner at height %d: %w", h, ErrOwnerTransferInconsistent)
		}

		// At a transfer height the sender was the previous holder.
		sender := owner
		for i, entry := range l.OwnerData {
			if entry.Height == h && i > 0 {
				sender = l.OwnerData[i-1].Owner
			}
		}

		contains, err := reader.BloomContains(h, sender)
		if err != nil {
			return err
		}
		if !contains {
			return fmt.Errorf("filter at height %d does not contain %s: %w", h, sender, ErrOwnerTransferInconsistent)
		}
	}

	return nil
}
