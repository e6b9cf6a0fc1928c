//go:build integration

package mint_test

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"testing"

	btcdocker "github.com/elnosh/btc-docker-test"
	"github.com/elnosh/btc-docker-test/lnd"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut03"
	"github.com/nutmint/nutmint/cashu/nuts/nut04"
	"github.com/nutmint/nutmint/cashu/nuts/nut05"
	"github.com/nutmint/nutmint/mint"
	"github.com/nutmint/nutmint/testutils"
)

var (
	ctx      context.Context
	bitcoind *btcdocker.Bitcoind
	lnd1     *testutils.LndBackend
	lnd2     *testutils.LndBackend
	lndMint  *mint.Mint
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

	mintPath, err := os.MkdirTemp("", "lndmint")
	if err != nil {
		log.Println(err)
		return 1
	}
	defer os.RemoveAll(mintPath)

	lndMint, err = testutils.CreateTestMint(lndClient, mintPath, 0, mint.MintLimits{})
	if err != nil {
		log.Println(err)
		return 1
	}
	defer lndMint.Shutdown()

	return m.Run()
}

func TestLndMintAndSwap(t *testing.T) {
	keyset := lndMint.ActiveKeyset()

	proofs, err := testutils.GetValidProofsForAmount(5000, lndMint, lnd2)
	if err != nil {
		t.Fatalf("error getting proofs: %v", err)
	}

	outputs, _, _, _ := testutils.CreateBlindedMessages(5000, keyset.Id)
	signatures, err := lndMint.Swap(nut03.PostSwapRequest{Inputs: proofs, Outputs: outputs})
	if err != nil {
		t.Fatalf("unexpected error in swap: %v", err)
	}
	if signatures.Amount() != 5000 {
		t.Fatalf("expected amount '%v' but got '%v'", 5000, signatures.Amount())
	}
}

func TestLndMintQuoteSettles(t *testing.T) {
	mintQuote, err := lndMint.RequestMintQuote(nut04.PostMintQuoteBolt11Request{Amount: 2100, Unit: cashu.Sat.String()})
	if err != nil {
		t.Fatalf("unexpected error requesting mint quote: %v", err)
	}
	if err := lnd2.PayInvoice(mintQuote.PaymentRequest); err != nil {
		t.Fatalf("error paying invoice: %v", err)
	}

	quoteState, err := lndMint.GetMintQuoteState(mintQuote.Id)
	if err != nil {
		t.Fatalf("unexpected error getting quote state: %v", err)
	}
	if quoteState.State != nut04.Paid {
		t.Fatalf("expected state '%v' but got '%v'", nut04.Paid, quoteState.State)
	}
}

func TestLndMelt(t *testing.T) {
	proofs, err := testutils.GetValidProofsForAmount(6500, lndMint, lnd2)
	if err != nil {
		t.Fatalf("error getting proofs: %v", err)
	}

	invoice, err := lnd2.CreateInvoice(6000)
	if err != nil {
		t.Fatalf("error creating invoice: %v", err)
	}
	meltQuote, err := lndMint.RequestMeltQuote(nut05.PostMeltQuoteBolt11Request{Request: invoice, Unit: cashu.Sat.String()})
	if err != nil {
		t.Fatalf("unexpected error requesting melt quote: %v", err)
	}

	paidQuote, _, err := lndMint.MeltTokens(ctx, nut05.PostMeltBolt11Request{Quote: meltQuote.Id, Inputs: proofs})
	if err != nil {
		t.Fatalf("unexpected error melting tokens: %v", err)
	}
	if paidQuote.State != nut05.Paid {
		t.Fatalf("expected state '%v' but got '%v'", nut05.Paid, paidQuote.State)
	}

	_, _, err = lndMint.MeltTokens(ctx, nut05.PostMeltBolt11Request{Quote: meltQuote.Id, Inputs: proofs})
	if !errors.Is(err, cashu.MeltQuoteAlreadyPaid) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.MeltQuoteAlreadyPaid, err)
	}
}
