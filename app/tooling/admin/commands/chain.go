package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/chain"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/genesis"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/storage"
)

var chainCmd = &cobra.Command{
	Use:   "chain [height]",
	Short: "Print the chain tip, or the block at the specified height.",
	RunE:  chainRun,
}

func init() {
	rootCmd.AddCommand(chainCmd)
}

// openChain recovers the persisted chain state for read-only inspection.
func openChain() (*chain.Chain, *storage.Store, error) {
	gen, err := genesis.Load(genesisPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading genesis: %w", err)
	}

	genesisBlock, _, err := genesis.IssueBlock(gen)
	if err != nil {
		return nil, nil, fmt.Errorf("building issuance block: %w", err)
	}

	store, err := storage.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}

	mainChain, err := chain.New(chain.Config{Genesis: genesisBlock, Store: store})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	return mainChain, store, nil
}

func chainRun(cmd *cobra.Command, args []string) error {
	mainChain, store, err := openChain()
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 0 {
		fmt.Println("tip height:", mainChain.TipHeight())
		fmt.Println("tip hash:  ", mainChain.TipHash())
		fmt.Println("confirmed: ", mainChain.IsConfirmed(mainChain.TipHeight()))
		return nil
	}

	height, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing height: %w", err)
	}

	b, err := mainChain.GetBlockByHeight(height)
	if err != nil {
		return err
	}

	fmt.Println("height:     ", b.Header.Height)
	fmt.Println("hash:       ", b.Hash())
	fmt.Println("pre hash:   ", b.Header.PrevHash)
	fmt.Println("merkle root:", b.Header.TransRoot)
	fmt.Println("miner:      ", b.Header.Miner)
	fmt.Println("bundles:    ", len(b.Trans.Values()))
	fmt.Println("senders:    ", b.Senders())
	fmt.Println("confirmed:  ", mainChain.IsConfirmed(height))

	return nil
}
