// Package selector provides the different transaction packing strategies.
package selector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/transaction"
)

// Set of packing strategies.
const (
	StrategyFIFO = "fifo"
	StrategyFee  = "fee"
)

// Item is one admitted bundle with its packing metadata.
type Item struct {
	Bundle transaction.MultiTransactions
	Fee    uint64
	Seq    uint64
}

// Func defines a function that takes the admitted bundles and returns
// the howMany to pack, in packing order. A howMany of -1 returns all.
type Func func(items []Item, howMany int) []Item

// strategies holds the set of known packing strategies.
var strategies = map[string]Func{
	StrategyFIFO: fifoSelect,
	StrategyFee:  feeSelect,
}

// Retrieve returns the specified strategy function.
func Retrieve(strategy string) (Func, error) {
	fn, exists := strategies[strings.ToLower(strategy)]
	if !exists {
		return nil, fmt.Errorf("strategy %q does not exist", strategy)
	}
	return fn, nil
}

// =============================================================================

// fifoSelect packs bundles in admission order.
func fifoSelect(items []Item, howMany int) []Item {
	sorted := append([]Item{}, items...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Seq < sorted[j].Seq
	})

	if howMany == -1 || howMany > len(sorted) {
		howMany = len(sorted)
	}

	return sorted[:howMany]
}

// feeSelect packs the highest paying bundles first, breaking ties by
// admission order.
func feeSelect(items []Item, howMany int) []Item {
	sorted := append([]Item{}, items...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Fee != sorted[j].Fee {
			return sorted[i].Fee > sorted[j].Fee
		}
		return sorted[i].Seq < sorted[j].Seq
	})

	if howMany == -1 || howMany > len(sorted) {
		howMany = len(sorted)
	}

	return sorted[:howMany]
}
