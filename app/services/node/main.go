// This program runs an EZchain account node: it hosts the local accounts,
// maintains the main-chain view and drives the VPB update fan-out on
// every committed block. Peer transport is an external collaborator and
// is not wired here.
package main

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/account"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/chain"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/genesis"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/storage"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/transaction"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/txpool"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/worker"
	"github.com/ezchainlabs/ezchain/foundation/logger"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Node struct {
			DBPath         string        `conf:"default:zblock/node.db"`
			GenesisPath    string        `conf:"default:zblock/genesis.json"`
			AccountsFolder string        `conf:"default:zblock/accounts/"`
			MinerName      string        `conf:"default:miner1"`
			SelectStrategy string        `conf:"default:fifo"`
			BlockInterval  time.Duration `conf:"default:12s"`
			Confirmations  uint64        `conf:"default:6"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "copyright information here",
		},
	}

	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// Bind core events to the log.
	ev := func(v string, args ...any) {
		log.Infow(fmt.Sprintf(v, args...))
	}

	// =========================================================================
	// Chain Support

	gen, err := genesis.Load(cfg.Node.GenesisPath)
	if err != nil {
		return fmt.Errorf("loading genesis: %w", err)
	}

	genesisBlock, seeds, err := genesis.IssueBlock(gen)
	if err != nil {
		return fmt.Errorf("building issuance block: %w", err)
	}

	store, err := storage.Open(cfg.Node.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	mainChain, err := chain.New(chain.Config{
		Genesis:   genesisBlock,
		Store:     store,
		K:         cfg.Node.Confirmations,
		EvHandler: ev,
	})
	if err != nil {
		return fmt.Errorf("opening chain: %w", err)
	}

	// =========================================================================
	// Pool and Accounts Support

	pool, err := txpool.NewWithStrategy(cfg.Node.SelectStrategy)
	if err != nil {
		return fmt.Errorf("constructing pool: %w", err)
	}

	sink := poolSink{pool: pool}
	fanout := worker.New(ev)

	entries, err := os.ReadDir(cfg.Node.AccountsFolder)
	if err != nil {
		return fmt.Errorf("reading accounts folder: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := cfg.Node.AccountsFolder + entry.Name()
		privateKey, err := crypto.LoadECDSA(path)
		if err != nil {
			return fmt.Errorf("loading key %s: %w", path, err)
		}

		address := values.Address(crypto.PubkeyToAddress(privateKey.PublicKey).String())

		acct, err := account.New(account.Config{
			Address:    address,
			PrivateKey: privateKey,
			Store:      store,
			Chain:      mainChain,
			Sink:       sink,
			EvHandler:  account.EventHandler(ev),
		})
		if err != nil {
			return fmt.Errorf("opening account %s: %w", address, err)
		}

		// Install the genesis allocation unless the account already
		// recovered state from the store.
		for _, seed := range seeds {
			if seed.Account != address || acct.Balance(values.Unspent) > 0 {
				continue
			}
			if err := acct.SeedGenesis(seed); err != nil {
				return fmt.Errorf("seeding account %s: %w", address, err)
			}
		}

		fanout.Register(acct)
		log.Infow("startup", "status", "account loaded", "account", address, "unspent", acct.Balance(values.Unspent))
	}

	// Load the miner key for signing blocks.
	minerPath := fmt.Sprintf("%s%s.ecdsa", cfg.Node.AccountsFolder, cfg.Node.MinerName)
	minerKey, err := crypto.LoadECDSA(minerPath)
	if err != nil {
		return fmt.Errorf("loading miner key: %w", err)
	}
	minerAddress := values.Address(crypto.PubkeyToAddress(minerKey.PublicKey).String())

	// =========================================================================
	// Block Production

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Node.BlockInterval)
	defer ticker.Stop()

	log.Infow("startup", "status", "node running", "miner", minerAddress, "tip", mainChain.TipHeight())

	for {
		select {
		case <-shutdown:
			log.Infow("shutdown", "status", "shutdown started")
			fanout.Shutdown()
			return nil

		case <-ticker.C:
			if err := produceBlock(log, pool, mainChain, fanout, minerAddress, minerKey); err != nil {
				log.Errorw("block production", "ERROR", err)
			}
		}
	}
}

// produceBlock packs the pool, commits the block and fans the update out
// to every hosted account.
func produceBlock(log *zap.SugaredLogger, pool *txpool.Pool, mainChain *chain.Chain, fanout *worker.Worker, miner values.Address, minerKey *ecdsa.PrivateKey) error {
	bundles := pool.Pack(-1)
	if len(bundles) == 0 {
		return nil
	}

	parent, err := mainChain.GetBlockByHeight(mainChain.TipHeight())
	if err != nil {
		return err
	}

	b, err := chain.NewBlock(miner, minerKey, parent, bundles, 0, uint64(time.Now().UTC().Unix()))
	if err != nil {
		return err
	}

	if _, err := mainChain.AddBlock(b); err != nil {
		return err
	}

	for _, bundle := range bundles {
		pool.Remove(bundle.Digest())
	}

	released, err := fanout.DispatchBlock(b)
	if err != nil {
		return err
	}

	// Released triplets are handed to the transport layer by the external
	// collaborator; log them here.
	for _, rel := range released {
		log.Infow("block fanout", "account", rel.Account, "released", len(rel.Triplets))
	}

	return nil
}

// =============================================================================

// poolSink submits account bundles straight into the local pool.
type poolSink struct {
	pool *txpool.Pool
}

// Submit implements the account.TxSink interface.
func (s poolSink) Submit(bundle transaction.MultiTransactions, fee uint64) error {
	_, err := s.pool.Add(bundle, fee)
	return err
}
