package values

import (
	"errors"
	"fmt"
	"sync"
)

// Set of errors for collection handling.
var (
	ErrOverlapDetected = errors.New("value overlaps an existing value")
	ErrNotFound        = errors.New("value not found")
)

// =============================================================================

// node is one entry in the doubly-linked list of held values.
type node struct {
	value Value
	prev  *node
	next  *node
}

// Collection maintains the set of values held by one account. The values
// are kept on a doubly-linked list with secondary indices by state and by
// begin index. Merging of adjacent ranges is intentionally not performed.
type Collection struct {
	mu      sync.RWMutex
	head    *node
	tail    *node
	byBegin map[string]*node
	byState map[State]map[string]*node
}

// NewCollection constructs an empty collection.
func NewCollection() *Collection {
	return &Collection{
		byBegin: make(map[string]*node),
		byState: make(map[State]map[string]*node),
	}
}

// Add appends a value to the collection. The value is rejected when its
// range overlaps any existing value that has not been confirmed spent.
func (c *Collection) Add(v Value) error {
	if err := v.Check(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byBegin[v.ID()]; exists {
		return fmt.Errorf("value %s already held: %w", v.ID(), ErrOverlapDetected)
	}

	for n := c.head; n != nil; n = n.next {
		if n.value.State == Confirmed {
			continue
		}
		if n.value.Intersects(v) {
			return fmt.Errorf("value %s intersects held value %s: %w", v, n.value, ErrOverlapDetected)
		}
	}

	c.append(v)
	return nil
}

// append links a new node at the tail and indexes it. The caller must
// hold the write lock.
func (c *Collection) append(v Value) *node {
	n := node{value: v}

	if c.tail == nil {
		c.head = &n
		c.tail = &n
	} else {
		n.prev = c.tail
		c.tail.next = &n
		c.tail = &n
	}

	c.index(&n)
	return &n
}

// index adds the node to the secondary indices. The caller must hold the
// write lock.
func (c *Collection) index(n *node) {
	c.byBegin[n.value.ID()] = n

	stateIdx, exists := c.byState[n.value.State]
	if !exists {
		stateIdx = make(map[string]*node)
		c.byState[n.value.State] = stateIdx
	}
	stateIdx[n.value.ID()] = n
}

// unindex removes the node from the secondary indices. The caller must
// hold the write lock.
func (c *Collection) unindex(n *node) {
	delete(c.byBegin, n.value.ID())
	if stateIdx, exists := c.byState[n.value.State]; exists {
		delete(stateIdx, n.value.ID())
	}
}

// Get returns the value with the specified id.
func (c *Collection) Get(valueID string) (Value, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n, exists := c.byBegin[valueID]
	if !exists {
		return Value{}, fmt.Errorf("value %s: %w", valueID, ErrNotFound)
	}

	return n.value, nil
}

// Split replaces the value with the specified id by the two values
// produced from splitting at amount, preserving list order.
func (c *Collection) Split(valueID string, amount uint64) (Value, Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, exists := c.byBegin[valueID]
	if !exists {
		return Value{}, Value{}, fmt.Errorf("value %s: %w", valueID, ErrNotFound)
	}

	first, second, err := n.value.Split(amount)
	if err != nil {
		return Value{}, Value{}, err
	}

	// Replace the node in place by the first half and link the second
	// half directly behind it.
	c.unindex(n)
	n.value = first
	c.index(n)

	sn := node{value: second, prev: n, next: n.next}
	if n.next != nil {
		n.next.prev = &sn
	} else {
		c.tail = &sn
	}
	n.next = &sn
	c.index(&sn)

	return first, second, nil
}

// SetState transitions the value with the specified id to the new state
// and keeps the state index coherent.
func (c *Collection) SetState(valueID string, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, exists := c.byBegin[valueID]
	if !exists {
		return fmt.Errorf("value %s: %w", valueID, ErrNotFound)
	}

	if stateIdx, ok := c.byState[n.value.State]; ok {
		delete(stateIdx, valueID)
	}

	if err := n.value.Transition(to); err != nil {
		c.index(n)
		return err
	}

	c.index(n)
	return nil
}

// Remove deletes the value with the specified id from the collection.
func (c *Collection) Remove(valueID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, exists := c.byBegin[valueID]
	if !exists {
		return fmt.Errorf("value %s: %w", valueID, ErrNotFound)
	}

	c.unindex(n)

	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}

	return nil
}

// FindByState returns the values currently in the specified state, in
// list order.
func (c *Collection) FindByState(s State) []Value {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var vs []Value
	for n := c.head; n != nil; n = n.next {
		if n.value.State == s {
			vs = append(vs, n.value)
		}
	}

	return vs
}

// BalanceByState sums the value numbers of all values in the specified
// state.
func (c *Collection) BalanceByState(s State) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var balance uint64
	if stateIdx, exists := c.byState[s]; exists {
		for _, n := range stateIdx {
			balance += n.value.ValueNum
		}
	}

	return balance
}

// All returns every value in the collection in list order.
func (c *Collection) All() []Value {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var vs []Value
	for n := c.head; n != nil; n = n.next {
		vs = append(vs, n.value)
	}

	return vs
}

// Count returns the number of values in the collection.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.byBegin)
}

// ValidateIntegrity checks link consistency, index coherence and the
// no-overlap invariant across all non-confirmed values.
func (c *Collection) ValidateIntegrity() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var count int
	var live []Value

	for n := c.head; n != nil; n = n.next {
		count++

		if n.next != nil && n.next.prev != n {
			return fmt.Errorf("broken link at value %s", n.value.ID())
		}

		idx, exists := c.byBegin[n.value.ID()]
		if !exists || idx != n {
			return fmt.Errorf("begin index incoherent for value %s", n.value.ID())
		}

		stateIdx, exists := c.byState[n.value.State]
		if !exists || stateIdx[n.value.ID()] != n {
			return fmt.Errorf("state index incoherent for value %s", n.value.ID())
		}

		if n.value.State == Confirmed {
			continue
		}
		for _, lv := range live {
			if lv.Intersects(n.value) {
				return fmt.Errorf("values %s and %s overlap: %w", lv, n.value, ErrOverlapDetected)
			}
		}
		live = append(live, n.value)
	}

	if count != len(c.byBegin) {
		return fmt.Errorf("list holds %d values, index holds %d", count, len(c.byBegin))
	}

	return nil
}
