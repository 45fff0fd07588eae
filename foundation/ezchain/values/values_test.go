package values_test

import (
	"errors"
	"testing"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
	"github.com/holiman/uint256"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

// =============================================================================

func TestSplit(t *testing.T) {
	type table struct {
		name     string
		begin    uint64
		num      uint64
		amount   uint64
		err      error
		firstNum uint64
		lastNum  uint64
	}

	tt := []table{
		{name: "middle", begin: 0x1000, num: 100, amount: 40, firstNum: 40, lastNum: 60},
		{name: "minimum", begin: 0x1000, num: 100, amount: 1, firstNum: 1, lastNum: 99},
		{name: "maximum", begin: 0x1000, num: 100, amount: 99, firstNum: 99, lastNum: 1},
		{name: "zero", begin: 0x1000, num: 100, amount: 0, err: values.ErrInvalidAmount},
		{name: "whole", begin: 0x1000, num: 100, amount: 100, err: values.ErrInvalidAmount},
	}

	t.Log("Given the need to split values into exact amounts.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen handling a value of %d units split at %d.", testID, tst.num, tst.amount)
			{
				f := func(t *testing.T) {
					v, err := values.New(uint256.NewInt(tst.begin), tst.num)
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to construct the value: %v", failed, testID, err)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to construct the value.", success, testID)

					first, second, err := v.Split(tst.amount)
					if tst.err != nil {
						if !errors.Is(err, tst.err) {
							t.Fatalf("\t%s\tTest %d:\tShould get the expected split error: %v", failed, testID, err)
						}
						t.Logf("\t%s\tTest %d:\tShould get the expected split error.", success, testID)
						return
					}
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to split the value: %v", failed, testID, err)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to split the value.", success, testID)

					if first.ValueNum != tst.firstNum || second.ValueNum != tst.lastNum {
						t.Fatalf("\t%s\tTest %d:\tShould get sizes %d and %d, got %d and %d.", failed, testID, tst.firstNum, tst.lastNum, first.ValueNum, second.ValueNum)
					}
					t.Logf("\t%s\tTest %d:\tShould get the expected sizes.", success, testID)

					// The two halves together must cover exactly the
					// original range with no gap and no overlap.
					expectedSecondBegin := new(uint256.Int).AddUint64(v.BeginIndex, tst.amount)
					if !second.BeginIndex.Eq(expectedSecondBegin) {
						t.Fatalf("\t%s\tTest %d:\tShould have the remainder begin where the first half ends.", failed, testID)
					}
					if first.Intersects(second) {
						t.Fatalf("\t%s\tTest %d:\tShould not have overlapping halves.", failed, testID)
					}
					if !second.EndIndex().Eq(v.EndIndex()) {
						t.Fatalf("\t%s\tTest %d:\tShould have the remainder end at the original end.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould have the halves union to the original range.", success, testID)
				}

				t.Run(tst.name, f)
			}
		}
	}
}

func TestIntersection(t *testing.T) {
	t.Log("Given the need to detect range overlap between values.")
	{
		t.Logf("\tTest 0:\tWhen handling adjacent and overlapping ranges.")
		{
			a, _ := values.New(uint256.NewInt(100), 50)
			b, _ := values.New(uint256.NewInt(150), 50)
			c, _ := values.New(uint256.NewInt(140), 20)

			if a.Intersects(b) {
				t.Fatalf("\t%s\tTest 0:\tShould not intersect adjacent ranges.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould not intersect adjacent ranges.", success)

			if !a.Intersects(c) || !b.Intersects(c) {
				t.Fatalf("\t%s\tTest 0:\tShould intersect overlapping ranges.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould intersect overlapping ranges.", success)

			overlap, ok := a.Intersection(c)
			if !ok || !overlap.BeginIndex.Eq(uint256.NewInt(140)) || overlap.ValueNum != 10 {
				t.Fatalf("\t%s\tTest 0:\tShould compute the overlap [140,149], got %v.", failed, overlap)
			}
			t.Logf("\t%s\tTest 0:\tShould compute the overlap.", success)

			if !a.Contains(overlap) {
				t.Fatalf("\t%s\tTest 0:\tShould contain the computed overlap.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould contain the computed overlap.", success)
		}
	}
}

func TestStateTransitions(t *testing.T) {
	type table struct {
		name string
		path []values.State
		err  bool
	}

	tt := []table{
		{name: "spend", path: []values.State{values.Selected, values.LocalCommitted, values.Confirmed}},
		{name: "rollback-selected", path: []values.State{values.Selected, values.Unspent}},
		{name: "rollback-committed", path: []values.State{values.Selected, values.LocalCommitted, values.Unspent}},
		{name: "skip-selected", path: []values.State{values.LocalCommitted}, err: true},
		{name: "revive-confirmed", path: []values.State{values.Selected, values.LocalCommitted, values.Confirmed, values.Unspent}, err: true},
	}

	t.Log("Given the need to enforce the value state lifecycle.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen walking the %s path.", testID, tst.name)
			{
				f := func(t *testing.T) {
					v, _ := values.New(uint256.NewInt(0x1000), 10)

					var err error
					for _, state := range tst.path {
						if err = v.Transition(state); err != nil {
							break
						}
					}

					if tst.err {
						if !errors.Is(err, values.ErrInvalidStateTransition) {
							t.Fatalf("\t%s\tTest %d:\tShould reject the illegal transition: %v", failed, testID, err)
						}
						t.Logf("\t%s\tTest %d:\tShould reject the illegal transition.", success, testID)
						return
					}

					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould walk the legal path: %v", failed, testID, err)
					}
					t.Logf("\t%s\tTest %d:\tShould walk the legal path.", success, testID)
				}

				t.Run(tst.name, f)
			}
		}
	}
}
