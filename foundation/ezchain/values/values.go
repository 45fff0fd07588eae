// Package values implements the contiguous-integer value model. A Value
// represents the closed range [BeginIndex, BeginIndex+ValueNum-1] of
// spendable units and carries its spend state.
package values

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Address represents an account address on the ledger, hex rendered.
type Address string

// GOD denotes the conceptual genesis issuer address.
const GOD Address = "GOD"

// =============================================================================

// Set of errors for value handling.
var (
	ErrInvalidAmount          = errors.New("split amount must be greater than zero and less than the value number")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidValue           = errors.New("value number must be at least one")
)

// =============================================================================

// State represents the spend state of a value on the holder's side.
type State uint8

// Set of value states. A value advances monotonically through
// Selected -> LocalCommitted -> Confirmed and returns to Unspent only
// on rollback or when a change value settles.
const (
	Unspent State = iota
	Selected
	LocalCommitted
	Confirmed
)

// String implements the fmt.Stringer interface.
func (s State) String() string {
	switch s {
	case Unspent:
		return "UNSPENT"
	case Selected:
		return "SELECTED"
	case LocalCommitted:
		return "LOCAL_COMMITTED"
	case Confirmed:
		return "CONFIRMED"
	}
	return "UNKNOWN"
}

// canTransition reports whether moving from state s to state to is legal.
func (s State) canTransition(to State) bool {
	switch s {
	case Unspent:
		return to == Selected
	case Selected:
		return to == LocalCommitted || to == Unspent
	case LocalCommitted:
		return to == Confirmed || to == Unspent
	case Confirmed:
		return false
	}
	return false
}

// =============================================================================

// Value represents a contiguous range of spendable units. The range is
// closed: [BeginIndex, BeginIndex+ValueNum-1].
type Value struct {
	BeginIndex *uint256.Int `json:"begin_index"`
	ValueNum   uint64       `json:"value_num"`
	State      State        `json:"state"`
}

// New constructs a value in the Unspent state.
func New(beginIndex *uint256.Int, valueNum uint64) (Value, error) {
	v := Value{
		BeginIndex: beginIndex.Clone(),
		ValueNum:   valueNum,
		State:      Unspent,
	}

	if err := v.Check(); err != nil {
		return Value{}, err
	}

	return v, nil
}

// Check asserts the value invariants hold.
func (v Value) Check() error {
	if v.BeginIndex == nil {
		return fmt.Errorf("value has no begin index: %w", ErrInvalidValue)
	}
	if v.ValueNum < 1 {
		return ErrInvalidValue
	}
	return nil
}

// ID returns the identifier used to bind this value to its proofs and
// block index list. The begin index is the identity of a value.
func (v Value) ID() string {
	return v.BeginIndex.Hex()
}

// EndIndex returns the last unit index covered by the value.
func (v Value) EndIndex() *uint256.Int {
	end := new(uint256.Int).AddUint64(v.BeginIndex, v.ValueNum-1)
	return end
}

// Equals reports whether two values cover the identical range. State is
// not part of value identity.
func (v Value) Equals(other Value) bool {
	return v.BeginIndex.Eq(other.BeginIndex) && v.ValueNum == other.ValueNum
}

// Intersects reports whether the ranges of two values overlap.
func (v Value) Intersects(other Value) bool {
	if v.BeginIndex.Gt(other.EndIndex()) {
		return false
	}
	if other.BeginIndex.Gt(v.EndIndex()) {
		return false
	}
	return true
}

// Intersection returns the overlap of the two ranges. The second return
// is false when the ranges do not overlap.
func (v Value) Intersection(other Value) (Value, bool) {
	if !v.Intersects(other) {
		return Value{}, false
	}

	begin := v.BeginIndex
	if other.BeginIndex.Gt(begin) {
		begin = other.BeginIndex
	}

	end := v.EndIndex()
	if otherEnd := other.EndIndex(); otherEnd.Lt(end) {
		end = otherEnd
	}

	num := new(uint256.Int).Sub(end, begin)
	return Value{
		BeginIndex: begin.Clone(),
		ValueNum:   num.Uint64() + 1,
		State:      Unspent,
	}, true
}

// Contains reports whether the range of other lies fully inside v's range.
func (v Value) Contains(other Value) bool {
	if other.BeginIndex.Lt(v.BeginIndex) {
		return false
	}
	if other.EndIndex().Gt(v.EndIndex()) {
		return false
	}
	return true
}

// Split divides an unspent value at the specified amount. The first value
// keeps the begin index with amount units, the second carries the
// remainder. The receiver is not mutated.
func (v Value) Split(amount uint64) (Value, Value, error) {
	if v.State != Unspent {
		return Value{}, Value{}, fmt.Errorf("split of a %s value: %w", v.State, ErrInvalidStateTransition)
	}
	if amount == 0 || amount >= v.ValueNum {
		return Value{}, Value{}, ErrInvalidAmount
	}

	first := Value{
		BeginIndex: v.BeginIndex.Clone(),
		ValueNum:   amount,
		State:      Unspent,
	}

	second := Value{
		BeginIndex: new(uint256.Int).AddUint64(v.BeginIndex, amount),
		ValueNum:   v.ValueNum - amount,
		State:      Unspent,
	}

	return first, second, nil
}

// Transition moves the value to the specified state, failing on any
// transition the lifecycle does not allow.
func (v *Value) Transition(to State) error {
	if !v.State.canTransition(to) {
		return fmt.Errorf("%s -> %s: %w", v.State, to, ErrInvalidStateTransition)
	}

	v.State = to
	return nil
}

// String implements the fmt.Stringer interface for logging.
func (v Value) String() string {
	return fmt.Sprintf("[%s+%d:%s]", v.BeginIndex.Hex(), v.ValueNum, v.State)
}
