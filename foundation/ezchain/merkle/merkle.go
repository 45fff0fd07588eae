// Copyright 2017 Cameron Bergoon
// https://github.com/cbergoon/merkletree
// Licensed under the MIT License, see LICENCE file for details.
// This code has been cleaned up, refactored, and turned into generics.

// Package merkle provides an implementation of a merkle tree over ordered
// transaction bundles, with inclusion proofs that can travel on the wire.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Hashable represents the behavior concrete data must exhibit to be used in
// the merkle tree.
type Hashable[T any] interface {
	Hash() ([]byte, error)
	Equals(other T) bool
}

// =============================================================================

// Tree represents a merkle tree that uses data of some type T that exhibits
// the behavior defined by the Hashable constraint.
type Tree[T Hashable[T]] struct {
	Root         *Node[T]
	Leafs        []*Node[T]
	MerkleRoot   []byte
	hashStrategy func() hash.Hash
}

// WithHashStrategy is used to change the default hash strategy of using
// sha256 when constructing a new tree.
func WithHashStrategy[T Hashable[T]](hashStrategy func() hash.Hash) func(t *Tree[T]) {
	return func(t *Tree[T]) {
		t.hashStrategy = hashStrategy
	}
}

// NewTree constructs a new merkle tree that uses data of some type T that
// exhibits the behavior defined by the Hashable interface.
func NewTree[T Hashable[T]](values []T, options ...func(t *Tree[T])) (*Tree[T], error) {
	var defaultHashStrategy = sha256.New

	t := Tree[T]{
		hashStrategy: defaultHashStrategy,
	}

	for _, option := range options {
		option(&t)
	}

	if err := t.Generate(values); err != nil {
		return nil, err
	}

	return &t, nil
}

// Generate constructs the leafs and nodes of the tree from the specified
// data. If the tree has been generated previously, the tree is re-generated
// from scratch. An odd leaf list is evened by duplicating the last leaf.
func (t *Tree[T]) Generate(values []T) error {
	if len(values) == 0 {
		return errors.New("cannot construct tree with no content")
	}

	var leafs []*Node[T]
	for _, value := range values {
		hash, err := value.Hash()
		if err != nil {
			return err
		}

		leafs = append(leafs, &Node[T]{
			Hash:  hash,
			Value: value,
			leaf:  true,
			Tree:  t,
		})
	}

	// A single leaf is its own root and carries an empty proof path.
	if len(leafs) == 1 {
		t.Root = leafs[0]
		t.Leafs = leafs
		t.MerkleRoot = leafs[0].Hash
		return nil
	}

	if len(leafs)%2 == 1 {
		duplicate := &Node[T]{
			Hash:  leafs[len(leafs)-1].Hash,
			Value: leafs[len(leafs)-1].Value,
			leaf:  true,
			dup:   true,
			Tree:  t,
		}
		leafs = append(leafs, duplicate)
	}

	root, err := buildIntermediate(leafs, t)
	if err != nil {
		return err
	}

	t.Root = root
	t.Leafs = leafs
	t.MerkleRoot = root.Hash

	return nil
}

// Proof produces the inclusion proof for the leaf holding the specified
// data. The proof carries the sibling hash and side for every level from
// the leaf to the root.
func (t *Tree[T]) Proof(data T) (Proof, error) {
	for _, node := range t.Leafs {
		if !node.Value.Equals(data) {
			continue
		}
		return t.proofFrom(node), nil
	}

	return Proof{}, errors.New("unable to find data in tree")
}

// ProofForLeaf produces the inclusion proof for the leaf at index i of the
// original (unduplicated) leaf list.
func (t *Tree[T]) ProofForLeaf(i int) (Proof, error) {
	n := len(t.Leafs)
	if n >= 2 && t.Leafs[n-1].dup {
		n--
	}
	if i < 0 || i >= n {
		return Proof{}, fmt.Errorf("leaf index %d out of range", i)
	}
	return t.proofFrom(t.Leafs[i]), nil
}

// proofFrom walks from the specified leaf to the root collecting siblings.
func (t *Tree[T]) proofFrom(node *Node[T]) Proof {
	var steps []Step
	nodeParent := node.Parent

	for nodeParent != nil {
		if bytes.Equal(nodeParent.Left.Hash, node.Hash) {
			steps = append(steps, Step{Sibling: nodeParent.Right.Hash, IsRight: true})
		} else {
			steps = append(steps, Step{Sibling: nodeParent.Left.Hash, IsRight: false})
		}
		node = nodeParent
		nodeParent = nodeParent.Parent
	}

	return Proof{Steps: steps, Root: hexutil.Encode(t.MerkleRoot)}
}

// Verify validates the hashes at each level of the tree and returns an
// error if the resulting hash at the root of the tree does not match the
// stored root hash.
func (t *Tree[T]) Verify() error {
	calculatedMerkleRoot, err := t.Root.verify()
	if err != nil {
		return err
	}

	if !bytes.Equal(t.MerkleRoot, calculatedMerkleRoot) {
		return errors.New("root hash invalid")
	}

	return nil
}

// Values returns a slice of unique values stored in the tree.
func (t *Tree[T]) Values() []T {
	var values []T
	for _, tx := range t.Leafs {
		values = append(values, tx.Value)
	}

	l := len(t.Leafs)
	if l >= 2 && t.Leafs[l-1].dup {
		return values[:l-1]
	}

	return values
}

// RootHex converts the merkle root byte hash to a hex encoded string.
func (t *Tree[T]) RootHex() string {
	return hexutil.Encode(t.MerkleRoot)
}

// =============================================================================

// Step represents one level of an inclusion proof: the sibling hash and
// whether that sibling sits to the right of the running hash.
type Step struct {
	Sibling []byte `json:"sibling"`
	IsRight bool   `json:"is_right"`
}

// Proof represents an inclusion proof from a leaf to the merkle root. The
// root is carried hex encoded so the proof can be checked without the tree.
type Proof struct {
	Steps []Step `json:"path"`
	Root  string `json:"root"`
}

// VerifyProof recomputes the root from the specified leaf hash and proof
// path and compares it against the expected root.
func VerifyProof(leafHash []byte, proof Proof, expectedRoot string) error {
	running := leafHash

	for _, step := range proof.Steps {
		h := sha256.New()
		if step.IsRight {
			h.Write(append(append([]byte{}, running...), step.Sibling...))
		} else {
			h.Write(append(append([]byte{}, step.Sibling...), running...))
		}
		running = h.Sum(nil)
	}

	if hexutil.Encode(running) != expectedRoot {
		return fmt.Errorf("proof root %s does not match expected root %s", hexutil.Encode(running), expectedRoot)
	}

	return nil
}

// =============================================================================

// Node represents a node, root, or leaf in the tree. It stores pointers to
// its immediate relationships, a hash, the data if it is a leaf, and other
// metadata.
type Node[T Hashable[T]] struct {
	Tree   *Tree[T]
	Parent *Node[T]
	Left   *Node[T]
	Right  *Node[T]
	Hash   []byte
	Value  T
	leaf   bool
	dup    bool
}

// verify walks down the tree until hitting a leaf, calculating the hash at
// each level and returning the resulting hash of the node.
func (n *Node[T]) verify() ([]byte, error) {
	if n.leaf {
		return n.Value.Hash()
	}

	rightBytes, err := n.Right.verify()
	if err != nil {
		return nil, err
	}

	leftBytes, err := n.Left.verify()
	if err != nil {
		return nil, err
	}

	h := n.Tree.hashStrategy()
	if _, err := h.Write(append(leftBytes, rightBytes...)); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}

// =============================================================================

// buildIntermediate is a helper function that for a given list of leaf
// nodes, constructs the intermediate and root levels of the tree. Returns
// the resulting root node of the tree.
func buildIntermediate[T Hashable[T]](nl []*Node[T], t *Tree[T]) (*Node[T], error) {
	var nodes []*Node[T]

	for i := 0; i < len(nl); i += 2 {
		left, right := i, i+1
		if i+1 == len(nl) {
			right = i
		}

		h := t.hashStrategy()
		chash := append(nl[left].Hash, nl[right].Hash...)
		if _, err := h.Write(chash); err != nil {
			return nil, err
		}

		n := Node[T]{
			Left:  nl[left],
			Right: nl[right],
			Hash:  h.Sum(nil),
			Tree:  t,
		}

		nodes = append(nodes, &n)
		nl[left].Parent = &n
		nl[right].Parent = &n

		if len(nl) == 2 {
			return &n, nil
		}
	}

	return buildIntermediate(nodes, t)
}
