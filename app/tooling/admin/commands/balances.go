package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/storage"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/vpb"
)

var balancesCmd = &cobra.Command{
	Use:   "balances <account>",
	Short: "Print the value balances for an account, broken down by state.",
	Args:  cobra.ExactArgs(1),
	RunE:  balancesRun,
}

func init() {
	rootCmd.AddCommand(balancesCmd)
}

func balancesRun(cmd *cobra.Command, args []string) error {
	store, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	manager, err := vpb.NewManager(values.Address(args[0]), store, nil)
	if err != nil {
		return err
	}

	states := []values.State{values.Unspent, values.Selected, values.LocalCommitted, values.Confirmed}
	for _, state := range states {
		fmt.Printf("%-16s %d\n", state, manager.Collection().BalanceByState(state))
	}

	fmt.Println("values held:    ", manager.Collection().Count())
	return nil
}
