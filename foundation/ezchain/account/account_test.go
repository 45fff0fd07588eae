package account_test

import (
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ezchainlabs/ezchain/foundation/ezchain/account"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/chain"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/genesis"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/storage"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/transaction"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/txpool"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/values"
	"github.com/ezchainlabs/ezchain/foundation/ezchain/worker"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

// Fixed private keys so the test accounts are reproducible.
const (
	aliceKeyHex = "fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959"
	bobKeyHex   = "0000000000000000000000000000000000000000000000000000000000000042"
	minerKeyHex = "0000000000000000000000000000000000000000000000000000000000000077"
)

// poolSink feeds bundles straight into a local pool.
type poolSink struct {
	pool *txpool.Pool
}

func (s poolSink) Submit(bundle transaction.MultiTransactions, fee uint64) error {
	_, err := s.pool.Add(bundle, fee)
	return err
}

// loadKey parses a fixed test key.
func loadKey(t *testing.T, hex string) (*ecdsa.PrivateKey, values.Address) {
	t.Helper()

	key, err := crypto.HexToECDSA(hex)
	if err != nil {
		t.Fatalf("loading key: %v", err)
	}

	return key, values.Address(crypto.PubkeyToAddress(key.PublicKey).String())
}

// =============================================================================

func TestTransferEndToEnd(t *testing.T) {
	t.Log("Given the need to move value between accounts through a block.")
	{
		t.Logf("\tTest 0:\tWhen alice pays bob 30 of her 100 genesis units.")
		{
			aliceKey, aliceAddr := loadKey(t, aliceKeyHex)
			bobKey, bobAddr := loadKey(t, bobKeyHex)
			minerKey, minerAddr := loadKey(t, minerKeyHex)

			// One genesis allocation to alice.
			gen := genesis.Genesis{
				Date:    time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
				ChainID: 7,
				Allocations: []genesis.Allocation{
					{Account: string(aliceAddr), BeginIndex: "0x1000", ValueNum: 100},
				},
			}

			genesisBlock, seeds, err := genesis.IssueBlock(gen)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to build the issuance block: %v", failed, err)
			}

			mainChain, err := chain.New(chain.Config{Genesis: genesisBlock})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open the chain: %v", failed, err)
			}

			pool, err := txpool.New()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to construct the pool: %v", failed, err)
			}
			sink := poolSink{pool: pool}

			aliceStore, err := storage.Open(t.TempDir())
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open alice's store: %v", failed, err)
			}
			defer aliceStore.Close()

			alice, err := account.New(account.Config{
				Address:    aliceAddr,
				PrivateKey: aliceKey,
				Store:      aliceStore,
				Chain:      mainChain,
				Sink:       sink,
			})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open alice's account: %v", failed, err)
			}

			if err := alice.SeedGenesis(seeds[0]); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to seed alice: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to seed alice from genesis.", success)

			bobStore, err := storage.Open(t.TempDir())
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open bob's store: %v", failed, err)
			}
			defer bobStore.Close()

			bob, err := account.New(account.Config{
				Address:    bobAddr,
				PrivateKey: bobKey,
				Store:      bobStore,
				Chain:      mainChain,
				Sink:       sink,
			})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open bob's account: %v", failed, err)
			}

			// Alice creates and submits the payment.
			pending, err := alice.CreateTransaction(bobAddr, 30, 1, uint64(time.Now().UTC().Unix()))
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to create the transaction: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to create the transaction.", success)

			if err := alice.SubmitTransaction(pending, 0); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to submit the transaction: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to submit the transaction.", success)

			// The miner packs the pool and commits the block.
			bundles := pool.Pack(-1)
			if len(bundles) != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould pack one bundle, got %d.", failed, len(bundles))
			}

			b, err := chain.NewBlock(minerAddr, minerKey, genesisBlock, bundles, 0, genesisBlock.Header.TimeStamp+10)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to build the block: %v", failed, err)
			}
			if _, err := mainChain.AddBlock(b); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to commit the block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to commit the block.", success)

			// The fan-out drives alice's update and releases the triplet.
			fanout := worker.New(nil)
			fanout.Register(alice)

			released, err := fanout.DispatchBlock(b)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to dispatch the block: %v", failed, err)
			}
			if len(released) != 1 || len(released[0].Triplets) != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould release one triplet from alice.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould release one triplet from alice.", success)

			if bal := alice.Balance(values.Unspent); bal != 70 {
				t.Fatalf("\t%s\tTest 0:\tShould leave alice 70 unspent units, got %d.", failed, bal)
			}
			t.Logf("\t%s\tTest 0:\tShould leave alice her change.", success)

			// Bob verifies the received triplet against the chain.
			triplet := released[0].Triplets[0]
			report, err := bob.ReceiveVPB(triplet.Value, triplet.Proofs, triplet.Index, aliceAddr)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould accept the triplet: %v (%v)", failed, err, report.AllErrors())
			}
			t.Logf("\t%s\tTest 0:\tShould accept the triplet.", success)

			if bal := bob.Balance(values.Unspent); bal != 30 {
				t.Fatalf("\t%s\tTest 0:\tShould credit bob 30 unspent units, got %d.", failed, bal)
			}
			t.Logf("\t%s\tTest 0:\tShould credit bob the payment.", success)

			// The receipt left bob a checkpoint bounding future work.
			if _, err := bob.Checkpoints().Trigger(triplet.Value, bobAddr); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould have recorded a checkpoint: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould have recorded a checkpoint.", success)
		}
	}
}
