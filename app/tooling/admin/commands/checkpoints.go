package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/checkpoint"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/storage"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
)

var exportPath string

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <account>",
	Short: "List the checkpoint records held by an account.",
	Args:  cobra.ExactArgs(1),
	RunE:  checkpointsRun,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.Flags().StringVarP(&exportPath, "export", "e", "", "Write the records to a JSON file.")
}

func checkpointsRun(cmd *cobra.Command, args []string) error {
	store, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	cps := checkpoint.NewStore(values.Address(args[0]), store)

	if exportPath != "" {
		data, err := cps.Export()
		if err != nil {
			return err
		}
		return os.WriteFile(exportPath, data, 0644)
	}

	records, err := cps.All()
	if err != nil {
		return err
	}

	for _, r := range records {
		fmt.Printf("owner[%s] range[%s+%d] height[%d]\n", r.Owner, r.ValueBeginIndex.Hex(), r.ValueNum, r.BlockHeight)
	}
	fmt.Println("records:", len(records))

	return nil
}
