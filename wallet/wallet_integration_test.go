//go:build integration

package wallet_test

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"
	"testing"

	btcdocker "github.com/elnosh/btc-docker-test"
	"github.com/elnosh/btc-docker-test/lnd"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut05"
	"github.com/nutmint/nutmint/mint"
	"github.com/nutmint/nutmint/testutils"
	"github.com/nutmint/nutmint/wallet"
)

var (
	ctx      context.Context
	bitcoind *btcdocker.Bitcoind
	lnd1     *testutils.LndBackend
	lnd2     *testutils.LndBackend
	mintURL  string
	testDir  string
)

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	flag.Parse()

	ctx = context.Background()
	var err error
	bitcoind, err = btcdocker.NewBitcoind(ctx)
	if err != nil {
		log.Println(err)
		return 1
	}
	if _, err = bitcoind.Client.CreateWallet(""); err != nil {
		log.Println(err)
		return 1
	}

	lndContainer1, err := lnd.NewLnd(ctx, bitcoind)
	if err != nil {
		log.Println(err)
		return 1
	}
	lndContainer2, err := lnd.NewLnd(ctx, bitcoind)
	if err != nil {
		log.Println(err)
		return 1
	}
	defer func() {
		bitcoind.Terminate(ctx)
		lndContainer1.Terminate(ctx)
		lndContainer2.Terminate(ctx)
	}()
	lnd1 = &testutils.LndBackend{Lnd: lndContainer1}
	lnd2 = &testutils.LndBackend{Lnd: lndContainer2}

	if err := testutils.FundNode(bitcoind, lnd1); err != nil {
		log.Println(err)
		return 1
	}
	if err := testutils.OpenChannel(bitcoind, lnd1, lnd2, 15000000); err != nil {
		log.Println(err)
		return 1
	}

	lndClient, err := testutils.LndClient(lnd1)
	if err != nil {
		log.Println(err)
		return 1
	}

	testDir, err = os.MkdirTemp("", "wallet-integration")
	if err != nil {
		log.Println(err)
		return 1
	}
	defer os.RemoveAll(testDir)

	var mintServer *mint.MintServer
	mintServer, mintURL, err = testutils.CreateTestMintServer(lndClient, filepath.Join(testDir, "mint"), 0)
	if err != nil {
		log.Println(err)
		return 1
	}
	defer mintServer.Shutdown()

	return m.Run()
}

func TestLndFundSendMelt(t *testing.T) {
	sender, err := testutils.CreateTestWallet(filepath.Join(testDir, "sender"), mintURL)
	if err != nil {
		t.Fatalf("error creating wallet: %v", err)
	}
	defer sender.Shutdown()
	receiver, err := testutils.CreateTestWallet(filepath.Join(testDir, "receiver"), mintURL)
	if err != nil {
		t.Fatalf("error creating wallet: %v", err)
	}
	defer receiver.Shutdown()

	if err := testutils.FundCashuWallet(sender, lnd2, 30000); err != nil {
		t.Fatalf("error funding wallet: %v", err)
	}

	proofs, err := sender.Send(10000, mintURL, false)
	if err != nil {
		t.Fatalf("unexpected error sending: %v", err)
	}
	token, err := cashu.NewTokenV4(proofs, mintURL, cashu.Sat, true)
	if err != nil {
		t.Fatalf("error creating token: %v", err)
	}
	if _, err := receiver.Receive(token, false); err != nil {
		t.Fatalf("unexpected error receiving: %v", err)
	}

	invoice, err := lnd2.CreateInvoice(5000)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}
	meltResponse, err := receiver.Melt(invoice, mintURL)
	if err != nil {
		t.Fatalf("unexpected error in melt: %v", err)
	}
	if meltResponse.State != nut05.Paid {
		t.Fatalf("expected state '%v' but got '%v'", nut05.Paid, meltResponse.State)
	}
	// unused fee reserve comes back as change
	expectedBalance := 5000 - meltResponse.FeePaid
	if receiver.GetBalance() != expectedBalance {
		t.Fatalf("expected balance '%v' but got '%v'", expectedBalance, receiver.GetBalance())
	}

	restored, err := wallet.Restore(filepath.Join(testDir, "restored"), receiver.Mnemonic(), []string{mintURL})
	if err != nil {
		t.Fatalf("unexpected error restoring: %v", err)
	}
	if restored != expectedBalance {
		t.Fatalf("expected restored amount '%v' but got '%v'", expectedBalance, restored)
	}
}
