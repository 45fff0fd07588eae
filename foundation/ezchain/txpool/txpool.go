// Package txpool maintains the pool of transaction bundles waiting to be
// packed into a block. Admission enforces signatures, strictly increasing
// nonces per sender and bundle dedup; packing enforces at most one bundle
// per sender per block.
package txpool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/transaction"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/txpool/selector"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
)

// Set of errors for pool handling.
var (
	ErrDuplicate = errors.New("bundle already admitted")
	ErrBadNonce  = errors.New("nonce must strictly increase per sender")
)

// =============================================================================

// entry is one admitted bundle with its admission metadata.
type entry struct {
	bundle   transaction.MultiTransactions
	fee      uint64
	seq      uint64
	admitted time.Time
}

// Stats summarises the pool contents.
type Stats struct {
	Bundles int
	Senders int
}

// Pool represents the admitted bundles organized by digest.
type Pool struct {
	mu       sync.Mutex
	pool     map[string]entry
	nonces   map[values.Address]uint64
	selectFn selector.Func
	nextSeq  uint64
}

// New constructs a pool using the FIFO packing strategy.
func New() (*Pool, error) {
	return NewWithStrategy(selector.StrategyFIFO)
}

// NewWithStrategy constructs a pool with the specified packing strategy.
func NewWithStrategy(strategy string) (*Pool, error) {
	selectFn, err := selector.Retrieve(strategy)
	if err != nil {
		return nil, err
	}

	p := Pool{
		pool:     make(map[string]entry),
		nonces:   make(map[values.Address]uint64),
		selectFn: selectFn,
	}

	return &p, nil
}

// Count returns the current number of bundles in the pool.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.pool)
}

// Add admits a bundle into the pool after running the admission checks.
func (p *Pool) Add(bundle transaction.MultiTransactions, fee uint64) (int, error) {
	if err := bundle.Validate(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	digest := bundle.Digest()
	if _, exists := p.pool[digest]; exists {
		return len(p.pool), fmt.Errorf("bundle %s: %w", digest, ErrDuplicate)
	}

	// A sender-less bundle carries system issuance and skips nonce
	// accounting. Transactions inside one bundle may share a nonce (a
	// payment and its change travel together); across bundles the
	// sender's nonce must strictly increase.
	if bundle.Sender != "" && bundle.Sender != values.GOD {
		high, seen := p.nonces[bundle.Sender]
		newHigh := high
		for _, tx := range bundle.Txs {
			if seen && tx.Nonce <= high {
				return len(p.pool), fmt.Errorf("sender %s nonce %d not above %d: %w", bundle.Sender, tx.Nonce, high, ErrBadNonce)
			}
			if tx.Nonce > newHigh {
				newHigh = tx.Nonce
			}
		}
		p.nonces[bundle.Sender] = newHigh
	}

	p.pool[digest] = entry{
		bundle:   bundle,
		fee:      fee,
		seq:      p.nextSeq,
		admitted: time.Now().UTC(),
	}
	p.nextSeq++

	return len(p.pool), nil
}

// Remove drops a bundle from the pool by digest, typically after it was
// committed in a block.
func (p *Pool) Remove(digest string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.pool, digest)
}

// Truncate clears all the bundles from the pool.
func (p *Pool) Truncate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pool = make(map[string]entry)
	p.nonces = make(map[values.Address]uint64)
}

// Pack returns the ordered bundle list for the next block: the strategy
// fixes the order, then only the first bundle per sender is kept. Bundles
// with an empty sender are never filtered. A howMany of -1 packs as many
// as pass the filter.
func (p *Pool) Pack(howMany int) []transaction.MultiTransactions {
	p.mu.Lock()
	items := make([]selector.Item, 0, len(p.pool))
	for _, ent := range p.pool {
		items = append(items, selector.Item{Bundle: ent.bundle, Fee: ent.fee, Seq: ent.seq})
	}
	p.mu.Unlock()

	ordered := p.selectFn(items, -1)

	seen := make(map[values.Address]bool)
	var packed []transaction.MultiTransactions

	for _, item := range ordered {
		sender := item.Bundle.Sender
		if sender != "" {
			if seen[sender] {
				continue
			}
			seen[sender] = true
		}

		packed = append(packed, item.Bundle)
		if howMany != -1 && len(packed) >= howMany {
			break
		}
	}

	return packed
}

// PoolStats returns a summary of the pool contents.
func (p *Pool) PoolStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	senders := make(map[values.Address]bool)
	for _, ent := range p.pool {
		senders[ent.bundle.Sender] = true
	}

	return Stats{Bundles: len(p.pool), Senders: len(senders)}
}

// Prune drops bundles admitted longer ago than the retention window and
// returns how many were removed.
func (p *Pool) Prune(retention time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	var removed int

	for digest, ent := range p.pool {
		if ent.admitted.Before(cutoff) {
			delete(p.pool, digest)
			removed++
		}
	}

	return removed
}
