// Package commands contains the admin command tree.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	dbPath      string
	genesisPath string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "zblock/node.db", "Path to the node database.")
	rootCmd.PersistentFlags().StringVarP(&genesisPath, "genesis", "g", "zblock/genesis.json", "Path to the genesis file.")
}

var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "EZchain node administration",
}

// Execute runs the selected command.
func Execute() error {
	return rootCmd.Execute()
}
