package main

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut05"
	"github.com/nutmint/nutmint/wallet"
	"github.com/urfave/cli/v2"
)

const (
	DEFAULT_MINT_URL = "http://127.0.0.1:3338"

	quoteFlag       = "quote"
	waitFlag        = "wait"
	mintFlag        = "mint"
	includeFeesFlag = "include-fees"
	noSwapFlag      = "no-swap"
)

var nutw *wallet.Wallet

func walletPath() string {
	if path := os.Getenv("WALLET_PATH"); len(path) > 0 {
		return path
	}
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}
	return filepath.Join(homedir, ".nutmint", "wallet")
}

func loadEnv() {
	// .env next to the wallet takes precedence over the one in the working directory
	homedir, _ := os.UserHomeDir()
	envPath := filepath.Join(homedir, ".nutmint", "wallet", ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			return
		}
		envPath = filepath.Join(wd, ".env")
	}
	godotenv.Load(envPath)
}

func getMintURL() string {
	if mintURL := os.Getenv("MINT_URL"); len(mintURL) > 0 {
		return mintURL
	}

	mintHost := os.Getenv("MINT_HOST")
	mintPort := os.Getenv("MINT_PORT")
	if len(mintHost) == 0 || len(mintPort) == 0 {
		return DEFAULT_MINT_URL
	}
	url := &url.URL{
		Scheme: "http",
		Host:   mintHost + ":" + mintPort,
	}
	return url.String()
}

func setupWallet(ctx *cli.Context) error {
	loadEnv()
	config := wallet.Config{
		WalletPath:     walletPath(),
		CurrentMintURL: getMintURL(),
	}

	var err error
	nutw, err = wallet.LoadWallet(config)
	if err != nil {
		printErr(err)
	}
	return nil
}

func shutdownWallet(ctx *cli.Context) error {
	if nutw != nil {
		return nutw.Shutdown()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "nutw",
		Usage: "cashu wallet",
		Commands: []*cli.Command{
			balanceCmd,
			mintCmd,
			sendCmd,
			receiveCmd,
			payCmd,
			quotesCmd,
			mnemonicCmd,
			restoreCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Usage:  "Wallet balance by mint",
	Before: setupWallet,
	After:  shutdownWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	balanceByMints := nutw.GetBalanceByMints()
	fmt.Printf("Balance by mint:\n\n")
	for i, mintURL := range nutw.TrustedMints() {
		fmt.Printf("Mint %v: %v ---- balance: %v sats\n", i+1, mintURL, balanceByMints[mintURL])
	}

	fmt.Printf("\nTotal balance: %v sats\n", nutw.GetBalance())
	if pending := nutw.PendingBalance(); pending > 0 {
		fmt.Printf("Pending balance: %v sats\n", pending)
	}
	return nil
}

var mintCmd = &cli.Command{
	Name:      "mint",
	Usage:     "Request an invoice to mint ecash or mint ecash for a paid quote",
	ArgsUsage: "[AMOUNT]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  quoteFlag,
			Usage: "Mint ecash for a paid quote",
		},
		&cli.BoolFlag{
			Name:  waitFlag,
			Usage: "Wait for the invoice to be paid and mint the ecash",
		},
	},
	Action: mint,
}

func mint(ctx *cli.Context) error {
	if ctx.IsSet(quoteFlag) {
		quoteId := ctx.String(quoteFlag)
		if ctx.Bool(waitFlag) {
			if err := nutw.WaitForMintQuotePaid(quoteId, 10*time.Minute); err != nil {
				printErr(err)
			}
		}
		if err := mintTokens(quoteId); err != nil {
			printErr(err)
		}
		return nil
	}

	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to mint"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	mintResponse, err := nutw.RequestMint(amount, nutw.CurrentMint())
	if err != nil {
		printErr(err)
	}
	fmt.Printf("invoice: %v\n\n", mintResponse.Request)

	if ctx.Bool(waitFlag) {
		fmt.Println("waiting for invoice to be paid...")
		if err := nutw.WaitForMintQuotePaid(mintResponse.Quote, 10*time.Minute); err != nil {
			printErr(err)
		}
		if err := mintTokens(mintResponse.Quote); err != nil {
			printErr(err)
		}
		return nil
	}

	fmt.Printf("after paying the invoice you can redeem the ecash with: nutw mint --quote %v\n", mintResponse.Quote)
	return nil
}

func mintTokens(quoteId string) error {
	minted, err := nutw.MintTokens(quoteId)
	if err != nil {
		if errors.Is(err, cashu.MintQuoteRequestNotPaid) {
			return errors.New("invoice has not been paid")
		}
		return err
	}
	fmt.Printf("%v sats successfully minted\n", minted)
	return nil
}

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "Create a token to send",
	ArgsUsage: "[AMOUNT]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  mintFlag,
			Usage: "Mint to send from. Defaults to the current mint",
		},
		&cli.BoolFlag{
			Name:  includeFeesFlag,
			Usage: "Include the fees the receiver pays to redeem the token",
		},
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to send"))
	}
	sendAmount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	mintURL := nutw.CurrentMint()
	if ctx.IsSet(mintFlag) {
		mintURL = strings.TrimSuffix(ctx.String(mintFlag), "/")
	}

	proofs, err := nutw.Send(sendAmount, mintURL, ctx.Bool(includeFeesFlag))
	if err != nil {
		printErr(err)
	}

	token, err := cashu.NewTokenV4(proofs, mintURL, cashu.Sat, true)
	if err != nil {
		printErr(err)
	}
	serialized, err := token.Serialize()
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v\n", serialized)
	return nil
}

var receiveCmd = &cli.Command{
	Name:      "receive",
	Usage:     "Receive a token",
	ArgsUsage: "[TOKEN]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  noSwapFlag,
			Usage: "Trust the token's mint instead of swapping to the current mint",
		},
	},
	Action: receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	token, err := cashu.DecodeTokenV4(args.First())
	if err != nil {
		printErr(err)
	}

	received, err := nutw.Receive(*token, !ctx.Bool(noSwapFlag))
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v sats received\n", received)
	return nil
}

var payCmd = &cli.Command{
	Name:      "pay",
	Usage:     "Pay a lightning invoice",
	ArgsUsage: "[INVOICE]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  mintFlag,
			Usage: "Mint to pay from. Defaults to the current mint",
		},
		&cli.StringFlag{
			Name:  quoteFlag,
			Usage: "Check the state of a melt quote",
		},
	},
	Action: pay,
}

func pay(ctx *cli.Context) error {
	if ctx.IsSet(quoteFlag) {
		quoteState, err := nutw.CheckMeltQuoteState(ctx.String(quoteFlag))
		if err != nil {
			printErr(err)
		}
		fmt.Printf("quote state: %v\n", quoteState.State)
		return nil
	}

	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}

	mintURL := nutw.CurrentMint()
	if ctx.IsSet(mintFlag) {
		mintURL = strings.TrimSuffix(ctx.String(mintFlag), "/")
	}

	meltResponse, err := nutw.Melt(args.First(), mintURL)
	if err != nil {
		if errors.Is(err, cashu.LightningPaymentTimeout) {
			printErr(errors.New("payment is still in flight. Check the quote later with: nutw pay --quote <id>"))
		}
		printErr(err)
	}

	switch meltResponse.State {
	case nut05.Paid:
		fmt.Printf("invoice paid. Preimage: %v\n", meltResponse.Preimage)
	case nut05.Pending, nut05.Unknown:
		fmt.Printf("payment pending. Check the state later with: nutw pay --quote %v\n", meltResponse.Quote)
	default:
		fmt.Println("invoice was not paid")
	}
	return nil
}

var quotesCmd = &cli.Command{
	Name:   "quotes",
	Usage:  "List mint and melt quotes",
	Before: setupWallet,
	After:  shutdownWallet,
	Action: quotes,
}

func quotes(ctx *cli.Context) error {
	fmt.Println("Mint quotes:")
	for _, quote := range nutw.MintQuotes() {
		fmt.Printf("  %v  %v sats  %v  %v\n", quote.QuoteId, quote.Amount, quote.State, quote.Mint)
	}
	fmt.Println("Melt quotes:")
	for _, quote := range nutw.MeltQuotes() {
		fmt.Printf("  %v  %v sats  %v  %v\n", quote.QuoteId, quote.Amount, quote.State, quote.Mint)
	}
	return nil
}

var mnemonicCmd = &cli.Command{
	Name:   "mnemonic",
	Usage:  "Mnemonic to restore wallet",
	Before: setupWallet,
	After:  shutdownWallet,
	Action: mnemonic,
}

func mnemonic(ctx *cli.Context) error {
	fmt.Println(nutw.Mnemonic())
	return nil
}

var restoreCmd = &cli.Command{
	Name:      "restore",
	Usage:     "Restore wallet from mnemonic",
	ArgsUsage: "[MINT URLS]",
	Action:    restore,
}

func restore(ctx *cli.Context) error {
	loadEnv()
	path := walletPath()

	mintsToRestore := ctx.Args().Slice()
	if len(mintsToRestore) == 0 {
		mintsToRestore = []string{getMintURL()}
	}

	fmt.Printf("enter mnemonic: ")
	var words []string
	for range 12 {
		var word string
		if _, err := fmt.Scan(&word); err != nil {
			printErr(err)
		}
		words = append(words, word)
	}

	restored, err := wallet.Restore(path, strings.Join(words, " "), mintsToRestore)
	if err != nil {
		printErr(fmt.Errorf("error restoring wallet: %v", err))
	}
	fmt.Printf("wallet restored with %v sats\n", restored)
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(0)
}
