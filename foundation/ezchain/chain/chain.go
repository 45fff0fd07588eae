package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/bloom"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/storage"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
	cache "github.com/patrickmn/go-cache"
)

// Defaults for confirmation depth and fork retention.
const (
	DefaultK             = 6
	DefaultMaxForkHeight = 6
)

// Storage keys inside the chain store table.
var (
	keySnapshot = []byte("snapshot")
	keyChecksum = []byte("checksum")
)

// chainTable is the key prefix of the chain store inside the shared
// leveldb database.
const chainTable = 'C'

// =============================================================================

// EventHandler defines a function that is called when events occur in the
// processing of blocks.
type EventHandler func(v string, args ...any)

// Config represents the configuration required to construct a chain.
type Config struct {
	Genesis          Block
	Store            *storage.Store
	K                uint64
	MaxForkHeight    uint64
	AutoSaveInterval int
	EvHandler        EventHandler
}

// Chain manages the fork tree with single-writer many-reader access and
// flushes a recoverable snapshot on block commits.
type Chain struct {
	mu        sync.RWMutex
	tree      *ForkTree
	table     storage.Table
	store     *storage.Store
	blocks    *cache.Cache
	ev        EventHandler
	saveEvery int
	sinceSave int

	// addOrder retains every accepted block in arrival order so recovery
	// reproduces first-seen tie-breaks.
	addOrder []BlockData
}

// New constructs a chain from the configuration, recovering persisted
// state when the store already holds a snapshot.
func New(cfg Config) (*Chain, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	k := cfg.K
	if k == 0 {
		k = DefaultK
	}
	maxFork := cfg.MaxForkHeight
	if maxFork == 0 {
		maxFork = DefaultMaxForkHeight
	}
	saveEvery := cfg.AutoSaveInterval
	if saveEvery <= 0 {
		saveEvery = 1
	}

	c := Chain{
		tree:      NewForkTree(cfg.Genesis, k, maxFork),
		store:     cfg.Store,
		blocks:    cache.New(5*time.Minute, 10*time.Minute),
		ev:        ev,
		saveEvery: saveEvery,
	}
	if cfg.Store != nil {
		c.table = cfg.Store.Table(chainTable)
	}

	if err := c.recover(); err != nil {
		return nil, err
	}

	return &c, nil
}

// AddBlock validates and attaches a block, persists the snapshot and
// reports whether the main chain switched to the new block's branch.
func (c *Chain) AddBlock(b Block) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	updated, err := c.tree.AddBlock(b)
	if err != nil {
		return false, err
	}

	c.addOrder = append(c.addOrder, NewBlockData(b))
	c.ev("chain: AddBlock: height[%d] hash[%s] mainChainUpdated[%v]", b.Header.Height, b.Hash(), updated)

	// A main chain switch invalidates every height-keyed cache entry.
	if updated {
		c.blocks.Flush()
	}

	c.sinceSave++
	if c.store != nil && c.sinceSave >= c.saveEvery {
		if err := c.flush(); err != nil {
			return updated, err
		}
		c.sinceSave = 0
	}

	return updated, nil
}

// =============================================================================
// Read API used by the VPB components.

// TipHeight returns the height of the main chain tip.
func (c *Chain) TipHeight() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.tree.TipHeight()
}

// TipHash returns the hash of the main chain tip.
func (c *Chain) TipHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.tree.TipHash()
}

// GetBlockByHeight returns the main chain block at the specified height.
func (c *Chain) GetBlockByHeight(height uint64) (Block, error) {
	key := fmt.Sprintf("h%d", height)
	if b, found := c.blocks.Get(key); found {
		return b.(Block), nil
	}

	c.mu.RLock()
	b, err := c.tree.BlockByHeight(height)
	c.mu.RUnlock()
	if err != nil {
		return Block{}, err
	}

	c.blocks.SetDefault(key, b)
	return b, nil
}

// GetBlockByHash returns the block with the specified hash from any
// branch.
func (c *Chain) GetBlockByHash(hash string) (Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.tree.BlockByHash(hash)
}

// IsInMainChain reports whether the block with the specified hash sits on
// the main chain.
func (c *Chain) IsInMainChain(hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.tree.IsInMainChain(hash)
}

// IsConfirmed reports whether the main chain block at the specified
// height has k confirmations.
func (c *Chain) IsConfirmed(height uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.tree.IsConfirmed(height)
}

// StatusOf returns the consensus status of the specified block.
func (c *Chain) StatusOf(hash string) (Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.tree.StatusOf(hash)
}

// MerkleRoot returns the merkle root committed at the specified height.
func (c *Chain) MerkleRoot(height uint64) (string, error) {
	b, err := c.GetBlockByHeight(height)
	if err != nil {
		return "", err
	}

	return b.Header.TransRoot, nil
}

// Bloom returns the membership filter committed at the specified height.
func (c *Chain) Bloom(height uint64) (*bloom.Filter, error) {
	b, err := c.GetBlockByHeight(height)
	if err != nil {
		return nil, err
	}

	return b.Bloom, nil
}

// SenderSet returns the true sender set of the main chain block at the
// specified height. It backs the strict cross-check for suspected bloom
// false positives.
func (c *Chain) SenderSet(height uint64) ([]values.Address, error) {
	b, err := c.GetBlockByHeight(height)
	if err != nil {
		return nil, err
	}

	return b.Senders(), nil
}

// MainChain returns the main chain blocks from genesis to tip.
func (c *Chain) MainChain() []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.tree.MainChain()
}

// =============================================================================

// RangeIterator walks a span of main-chain blocks one page at a time so
// long scans never hold the whole span in memory.
type RangeIterator struct {
	chain   *Chain
	current uint64
	end     uint64
	done    bool
}

// BlocksRange returns an iterator over count main chain blocks starting
// at the specified height.
func (c *Chain) BlocksRange(from uint64, count uint64) *RangeIterator {
	return &RangeIterator{
		chain:   c,
		current: from,
		end:     from + count,
		done:    count == 0,
	}
}

// Next returns the next block in the range.
func (it *RangeIterator) Next() (Block, error) {
	if it.done {
		return Block{}, ErrNotFound
	}

	b, err := it.chain.GetBlockByHeight(it.current)
	if err != nil {
		it.done = true
		return Block{}, err
	}

	it.current++
	if it.current >= it.end || it.current > it.chain.TipHeight() {
		it.done = true
	}

	return b, nil
}

// Done reports whether the iterator is exhausted.
func (it *RangeIterator) Done() bool {
	return it.done
}

// =============================================================================
// Persistence.

// snapshot is the persisted shape of the chain: every accepted block in
// arrival order plus the tip hash for recovery verification.
type snapshot struct {
	Blocks  []BlockData `json:"blocks"`
	TipHash string      `json:"tip_hash"`
}

// flush writes the snapshot and its content checksum atomically. The
// caller must hold the write lock.
func (c *Chain) flush() error {
	snap := snapshot{
		Blocks:  c.addOrder,
		TipHash: c.tree.TipHash(),
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w: %s", storage.ErrPersistence, err)
	}

	sum := sha256.Sum256(data)

	batch := c.store.NewBatch()
	batch.Put(c.table, keySnapshot, data)
	batch.Put(c.table, keyChecksum, []byte(hex.EncodeToString(sum[:])))

	return batch.Commit()
}

// recover rebuilds the fork tree from a persisted snapshot, re-verifying
// the checksum and replaying blocks in arrival order so the first-seen
// tie-break resolves identically.
func (c *Chain) recover() error {
	if c.store == nil {
		return nil
	}

	data, err := c.table.Get(keySnapshot)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return err
	}

	sumData, err := c.table.Get(keyChecksum)
	if err != nil {
		return fmt.Errorf("snapshot present without checksum: %w", ErrChecksum)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != string(sumData) {
		return ErrChecksum
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshaling snapshot: %w: %s", storage.ErrPersistence, err)
	}

	for _, blockData := range snap.Blocks {
		b, err := ToBlock(blockData)
		if err != nil {
			return err
		}

		if _, err := c.tree.AddBlock(b); err != nil {
			return fmt.Errorf("replaying block %d: %w", b.Header.Height, err)
		}
		c.addOrder = append(c.addOrder, blockData)
	}

	if snap.TipHash != c.tree.TipHash() {
		return fmt.Errorf("recovered tip %s does not match snapshot tip %s: %w", c.tree.TipHash(), snap.TipHash, ErrChecksum)
	}

	c.ev("chain: recover: blocks[%d] tip[%d]", len(snap.Blocks), c.tree.TipHeight())
	return nil
}
