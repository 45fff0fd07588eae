package chain

import (
	"fmt"
)

// Set of consensus states a block moves through inside the fork tree.
// Once confirmed, a block is either still confirmed or orphaned; it never
// returns to pending.
type Status uint8

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusOrphaned
)

// String implements the fmt.Stringer interface.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusConfirmed:
		return "CONFIRMED"
	case StatusOrphaned:
		return "ORPHANED"
	}
	return "UNKNOWN"
}

// =============================================================================

// treeNode is one block inside the fork tree. Parents own their children;
// the parent reference is a weak back-pointer.
type treeNode struct {
	block    Block
	hash     string
	parent   *treeNode
	children []*treeNode
	depth    uint64
	status   Status
	onMain   bool
}

// ForkTree maintains every known branch of the chain and selects the main
// chain by longest path, retaining the current main chain on ties.
type ForkTree struct {
	nodes    map[string]*treeNode
	byHeight map[uint64]*treeNode
	root     *treeNode
	mainTip  *treeNode
	k        uint64
	maxFork  uint64
}

// NewForkTree constructs a fork tree rooted at the genesis block.
func NewForkTree(genesis Block, k uint64, maxForkHeight uint64) *ForkTree {
	root := treeNode{
		block:  genesis,
		hash:   genesis.Hash(),
		depth:  genesis.Header.Height,
		onMain: true,
	}

	ft := ForkTree{
		nodes:    map[string]*treeNode{root.hash: &root},
		byHeight: map[uint64]*treeNode{root.depth: &root},
		root:     &root,
		mainTip:  &root,
		k:        k,
		maxFork:  maxForkHeight,
	}
	ft.refreshConfirmations()

	return &ft
}

// AddBlock validates the block against its parent, attaches it and
// recomputes the main chain. The return reports whether the main chain
// tip changed to the new block's branch.
func (ft *ForkTree) AddBlock(b Block) (bool, error) {
	parent, exists := ft.nodes[b.Header.PrevHash]
	if !exists {
		return false, fmt.Errorf("parent %s: %w", b.Header.PrevHash, ErrParentNotFound)
	}

	if err := b.Validate(parent.block); err != nil {
		return false, err
	}

	hash := b.Hash()
	if _, exists := ft.nodes[hash]; exists {
		return false, nil
	}

	n := treeNode{
		block:  b,
		hash:   hash,
		parent: parent,
		depth:  parent.depth + 1,
		status: StatusPending,
	}
	parent.children = append(parent.children, &n)
	ft.nodes[hash] = &n

	// Longest chain wins; on equal depth the current main chain is
	// retained (first seen wins).
	updated := false
	if n.depth > ft.mainTip.depth {
		ft.relabelMainChain(&n)
		updated = true
	}

	ft.refreshConfirmations()
	ft.prune()

	return updated, nil
}

// relabelMainChain re-labels the main chain to end at the new tip,
// demoting the abandoned branch.
func (ft *ForkTree) relabelMainChain(tip *treeNode) {

	// Demote the old main chain entirely; the new path re-marks the
	// shared prefix below.
	for n := ft.mainTip; n != nil; n = n.parent {
		n.onMain = false
	}

	ft.byHeight = make(map[uint64]*treeNode)
	for n := tip; n != nil; n = n.parent {
		n.onMain = true
		ft.byHeight[n.depth] = n
	}

	oldTip := ft.mainTip
	ft.mainTip = tip

	// Blocks left off the main chain are orphaned along with their
	// subtrees.
	for n := oldTip; n != nil && !n.onMain; n = n.parent {
		ft.orphanSubtree(n)
	}
}

// orphanSubtree marks the node and every descendant not on the main
// chain as orphaned.
func (ft *ForkTree) orphanSubtree(n *treeNode) {
	if n.onMain {
		return
	}

	n.status = StatusOrphaned
	for _, child := range n.children {
		ft.orphanSubtree(child)
	}
}

// refreshConfirmations advances pending main-chain blocks to confirmed
// once they sit at least k deep below the tip.
func (ft *ForkTree) refreshConfirmations() {
	tipDepth := ft.mainTip.depth

	for n := ft.mainTip; n != nil; n = n.parent {
		if !n.onMain || n.status == StatusOrphaned {
			continue
		}
		if tipDepth-n.depth+1 >= ft.k {
			n.status = StatusConfirmed
		}
	}
}

// prune drops every block off the main chain whose own depth lies more
// than maxFork blocks below the tip.
func (ft *ForkTree) prune() {
	if ft.mainTip.depth <= ft.maxFork {
		return
	}
	cutoff := ft.mainTip.depth - ft.maxFork

	for hash, n := range ft.nodes {
		if n.onMain {
			continue
		}
		if n.depth < cutoff {
			if n.parent != nil {
				n.parent.children = removeChild(n.parent.children, n)
			}
			delete(ft.nodes, hash)
		}
	}
}

// removeChild drops a node from a children list.
func removeChild(children []*treeNode, target *treeNode) []*treeNode {
	for i, c := range children {
		if c == target {
			return append(children[:i], children[i+1:]...)
		}
	}
	return children
}

// =============================================================================

// TipHeight returns the height of the main chain tip.
func (ft *ForkTree) TipHeight() uint64 {
	return ft.mainTip.depth
}

// TipHash returns the hash of the main chain tip.
func (ft *ForkTree) TipHash() string {
	return ft.mainTip.hash
}

// BlockByHeight returns the main chain block at the specified height.
func (ft *ForkTree) BlockByHeight(height uint64) (Block, error) {
	n, exists := ft.byHeight[height]
	if !exists {
		return Block{}, fmt.Errorf("height %d: %w", height, ErrNotFound)
	}

	return n.block, nil
}

// BlockByHash returns the block with the specified hash from any branch.
func (ft *ForkTree) BlockByHash(hash string) (Block, error) {
	n, exists := ft.nodes[hash]
	if !exists {
		return Block{}, fmt.Errorf("hash %s: %w", hash, ErrNotFound)
	}

	return n.block, nil
}

// IsInMainChain reports whether the block with the specified hash sits on
// the main chain.
func (ft *ForkTree) IsInMainChain(hash string) bool {
	n, exists := ft.nodes[hash]
	return exists && n.onMain
}

// StatusOf returns the consensus status of the block with the specified
// hash.
func (ft *ForkTree) StatusOf(hash string) (Status, error) {
	n, exists := ft.nodes[hash]
	if !exists {
		return StatusPending, fmt.Errorf("hash %s: %w", hash, ErrNotFound)
	}

	return n.status, nil
}

// IsConfirmed reports whether the main chain block at the specified
// height has k confirmations.
func (ft *ForkTree) IsConfirmed(height uint64) bool {
	n, exists := ft.byHeight[height]
	return exists && n.status == StatusConfirmed
}

// MainChain returns the main chain blocks from genesis to tip.
func (ft *ForkTree) MainChain() []Block {
	var blocks []Block
	for n := ft.mainTip; n != nil; n = n.parent {
		blocks = append(blocks, n.block)
	}

	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}

	return blocks
}
