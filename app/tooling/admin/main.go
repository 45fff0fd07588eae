// This program performs administrative tasks for an EZchain node's local
// state: chain inspection, balances and checkpoint listings.
package main

import (
	"fmt"
	"os"

	"github.com/ezchainlabs/ezchain/app/tooling/admin/commands"
	"github.com/ezchainlabs/ezchain/foundation/logger"
)

func main() {

	// Construct the application logger.
	log, err := logger.New("ADMIN")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := commands.Execute(); err != nil {
		log.Errorw("admin", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}
