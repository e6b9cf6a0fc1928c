package wallet

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut03"
	"github.com/nutmint/nutmint/cashu/nuts/nut04"
	"github.com/nutmint/nutmint/cashu/nuts/nut05"
	"github.com/nutmint/nutmint/cashu/nuts/nut12"
	"github.com/nutmint/nutmint/cashu/nuts/nut13"
	"github.com/nutmint/nutmint/cashu/nuts/nut17"
	"github.com/nutmint/nutmint/cashu/nuts/nut20"
	"github.com/nutmint/nutmint/crypto"
	"github.com/nutmint/nutmint/wallet/client"
	"github.com/nutmint/nutmint/wallet/storage"
	"github.com/nutmint/nutmint/wallet/submanager"
	"github.com/tyler-smith/go-bip39"
)

var (
	ErrMintNotExist            = errors.New("mint does not exist")
	ErrInsufficientMintBalance = errors.New("not enough funds in selected mint")
	ErrQuoteNotFound           = errors.New("quote not found")
)

type Config struct {
	WalletPath     string
	CurrentMintURL string
}

// Wallet holds ecash from one or more trusted mints.
// A Wallet is not safe for concurrent use.
type Wallet struct {
	db        storage.WalletDB
	masterKey *hdkeychain.ExtendedKey
	unit      cashu.Unit

	// default mint
	currentMint string
	// list of mints that have been trusted
	mints map[string]*walletMint
}

type walletMint struct {
	mintURL         string
	activeKeyset    crypto.WalletKeyset
	inactiveKeysets map[string]crypto.WalletKeyset
}

func InitStorage(path string) (storage.WalletDB, error) {
	return storage.InitBolt(path)
}

func LoadWallet(config Config) (*Wallet, error) {
	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return nil, err
	}
	db, err := InitStorage(config.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %v", err)
	}

	// create a new seed if there is not one already
	seed := db.GetSeed()
	if len(seed) == 0 {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, fmt.Errorf("error generating seed: %v", err)
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, fmt.Errorf("error generating seed: %v", err)
		}
		seed = bip39.NewSeed(mnemonic, "")
		if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
			return nil, err
		}
	}

	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	wallet := &Wallet{
		db:        db,
		masterKey: masterKey,
		unit:      cashu.Sat,
	}
	wallet.mints = wallet.loadWalletMints()

	mintURL, err := normalizeURL(config.CurrentMintURL)
	if err != nil {
		return nil, err
	}
	if _, ok := wallet.mints[mintURL]; ok {
		// check if the mint rotated its keyset since last load
		if _, err := wallet.getActiveKeyset(mintURL); err != nil {
			return nil, fmt.Errorf("error getting active keyset from mint: %v", err)
		}
	} else {
		if _, err := wallet.addMint(mintURL); err != nil {
			return nil, err
		}
	}
	wallet.currentMint = mintURL

	return wallet, nil
}

func normalizeURL(mintURL string) (string, error) {
	parsedURL, err := url.Parse(mintURL)
	if err != nil || len(parsedURL.Host) == 0 {
		return "", fmt.Errorf("invalid mint url '%v'", mintURL)
	}
	return strings.TrimSuffix(parsedURL.String(), "/"), nil
}

func (w *Wallet) loadWalletMints() map[string]*walletMint {
	walletMints := make(map[string]*walletMint)
	for mintURL, keysets := range w.db.GetKeysets() {
		mint := &walletMint{mintURL: mintURL, inactiveKeysets: make(map[string]crypto.WalletKeyset)}
		for _, keyset := range keysets {
			if keyset.Unit != w.unit.String() {
				continue
			}
			if keyset.Active {
				mint.activeKeyset = keyset
			} else {
				mint.inactiveKeysets[keyset.Id] = keyset
			}
		}
		walletMints[mintURL] = mint
	}
	return walletMints
}

// addMint trusts the mint and saves its keysets.
func (w *Wallet) addMint(mintURL string) (*walletMint, error) {
	activeKeyset, err := GetMintActiveKeyset(mintURL, w.unit)
	if err != nil {
		return nil, fmt.Errorf("error getting active keyset from mint: %v", err)
	}
	inactiveKeysets, err := GetMintInactiveKeysets(mintURL, w.unit)
	if err != nil {
		return nil, err
	}

	if err := w.db.SaveKeyset(activeKeyset); err != nil {
		return nil, err
	}
	for _, keyset := range inactiveKeysets {
		if err := w.db.SaveKeyset(&keyset); err != nil {
			return nil, err
		}
	}

	activeKeyset.Counter = w.db.GetKeysetCounter(activeKeyset.Id)
	mint := &walletMint{
		mintURL:         mintURL,
		activeKeyset:    *activeKeyset,
		inactiveKeysets: inactiveKeysets,
	}
	w.mints[mintURL] = mint
	return mint, nil
}

// AddMint trusts a new mint. It is a no-op if the mint is already trusted.
func (w *Wallet) AddMint(mint string) error {
	mintURL, err := normalizeURL(mint)
	if err != nil {
		return err
	}
	if _, ok := w.mints[mintURL]; ok {
		return nil
	}
	_, err = w.addMint(mintURL)
	return err
}

func (w *Wallet) Shutdown() error {
	return w.db.Close()
}

func (w *Wallet) CurrentMint() string {
	return w.currentMint
}

func (w *Wallet) TrustedMints() []string {
	trustedMints := make([]string, 0, len(w.mints))
	for mintURL := range w.mints {
		trustedMints = append(trustedMints, mintURL)
	}
	slices.Sort(trustedMints)
	return trustedMints
}

func (w *Wallet) Mnemonic() string {
	return w.db.GetMnemonic()
}

func (w *Wallet) MintQuotes() []storage.MintQuote {
	return w.db.GetMintQuotes()
}

func (w *Wallet) MeltQuotes() []storage.MeltQuote {
	return w.db.GetMeltQuotes()
}

func (w *Wallet) GetBalance() uint64 {
	return w.db.GetProofs().Amount()
}

func (w *Wallet) GetBalanceByMints() map[string]uint64 {
	balances := make(map[string]uint64, len(w.mints))
	for mintURL := range w.mints {
		balances[mintURL] = w.proofsForMint(mintURL).Amount()
	}
	return balances
}

// PendingBalance is the amount in proofs sent to melts that are not final yet.
func (w *Wallet) PendingBalance() uint64 {
	var balance uint64
	for _, proof := range w.db.GetPendingProofs() {
		balance += proof.Amount
	}
	return balance
}

func (w *Wallet) proofsForMint(mintURL string) cashu.Proofs {
	mint, ok := w.mints[mintURL]
	if !ok {
		return cashu.Proofs{}
	}
	proofs := w.db.GetProofsByKeysetId(mint.activeKeyset.Id)
	for id := range mint.inactiveKeysets {
		proofs = append(proofs, w.db.GetProofsByKeysetId(id)...)
	}
	return proofs
}

// RequestMint requests a mint quote. The quote is locked
// to a new key so only this wallet can mint it.
func (w *Wallet) RequestMint(amount uint64, mint string) (*nut04.PostMintQuoteBolt11Response, error) {
	if _, ok := w.mints[mint]; !ok {
		return nil, ErrMintNotExist
	}

	privateKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	mintRequest := nut04.PostMintQuoteBolt11Request{
		Amount: amount,
		Unit:   w.unit.String(),
		Pubkey: hex.EncodeToString(privateKey.PubKey().SerializeCompressed()),
	}
	mintResponse, err := client.PostMintQuoteBolt11(mint, mintRequest)
	if err != nil {
		return nil, err
	}

	quote := storage.MintQuote{
		QuoteId:        mintResponse.Quote,
		Mint:           mint,
		Method:         cashu.BOLT11_METHOD,
		State:          mintResponse.State,
		Unit:           w.unit.String(),
		PaymentRequest: mintResponse.Request,
		Amount:         amount,
		CreatedAt:      time.Now().Unix(),
		QuoteExpiry:    mintResponse.Expiry,
		PrivateKey:     hex.EncodeToString(privateKey.Serialize()),
	}
	if err := w.db.SaveMintQuote(quote); err != nil {
		return nil, err
	}

	return mintResponse, nil
}

func (w *Wallet) MintQuoteState(quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	quote := w.db.GetMintQuoteById(quoteId)
	if quote == nil {
		return nil, ErrQuoteNotFound
	}

	quoteState, err := client.GetMintQuoteState(quote.Mint, quoteId)
	if err != nil {
		return nil, err
	}
	if quoteState.State != quote.State {
		quote.State = quoteState.State
		if err := w.db.SaveMintQuote(*quote); err != nil {
			return nil, err
		}
	}
	return quoteState, nil
}

// WaitForMintQuotePaid blocks until the mint notifies that the
// quote was paid or the timeout expires.
func (w *Wallet) WaitForMintQuotePaid(quoteId string, timeout time.Duration) error {
	quote := w.db.GetMintQuoteById(quoteId)
	if quote == nil {
		return ErrQuoteNotFound
	}

	subManager, err := submanager.NewSubscriptionManager(quote.Mint)
	if err != nil {
		return err
	}
	defer subManager.Close()
	go subManager.Run()

	sub, err := subManager.Subscribe(nut17.Bolt11MintQuote, []string{quoteId})
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		notification, err := sub.ReadTimeout(time.Until(deadline))
		if err != nil {
			return err
		}
		var quoteState nut04.PostMintQuoteBolt11Response
		if err := json.Unmarshal(notification.Params.Payload, &quoteState); err != nil {
			return fmt.Errorf("invalid notification from mint: %v", err)
		}
		if quoteState.State == nut04.Paid || quoteState.State == nut04.Issued {
			return nil
		}
	}
}

// MintTokens mints ecash for a paid quote and returns the amount minted.
func (w *Wallet) MintTokens(quoteId string) (uint64, error) {
	quote := w.db.GetMintQuoteById(quoteId)
	if quote == nil {
		return 0, ErrQuoteNotFound
	}
	if quote.State == nut04.Issued {
		return 0, cashu.MintQuoteAlreadyIssued
	}

	quoteState, err := client.GetMintQuoteState(quote.Mint, quoteId)
	if err != nil {
		return 0, err
	}
	if quoteState.State == nut04.Unpaid {
		return 0, cashu.MintQuoteRequestNotPaid
	}

	activeKeyset, err := w.getActiveKeyset(quote.Mint)
	if err != nil {
		return 0, err
	}
	counter := w.db.GetKeysetCounter(activeKeyset.Id)
	outputs, secrets, rs, err := w.createBlindedMessages(cashu.AmountSplit(quote.Amount), activeKeyset.Id, counter)
	if err != nil {
		return 0, fmt.Errorf("error creating blinded messages: %v", err)
	}

	mintRequest := nut04.PostMintBolt11Request{Quote: quoteId, Outputs: outputs}
	if len(quote.PrivateKey) > 0 {
		keyBytes, err := hex.DecodeString(quote.PrivateKey)
		if err != nil {
			return 0, fmt.Errorf("invalid key for quote: %v", err)
		}
		signature, err := nut20.SignMintQuote(secp256k1.PrivKeyFromBytes(keyBytes), quoteId, outputs)
		if err != nil {
			return 0, fmt.Errorf("error signing mint request: %v", err)
		}
		mintRequest.Signature = hex.EncodeToString(signature.Serialize())
	}

	mintResponse, err := client.PostMintBolt11(quote.Mint, mintRequest)
	if err != nil {
		return 0, err
	}

	proofs, err := constructProofs(mintResponse.Signatures, outputs, secrets, rs, activeKeyset)
	if err != nil {
		return 0, fmt.Errorf("error constructing proofs: %v", err)
	}
	if err := w.db.IncrementKeysetCounter(activeKeyset.Id, uint32(len(outputs))); err != nil {
		return 0, fmt.Errorf("error incrementing keyset counter: %v", err)
	}
	if err := w.db.SaveProofs(proofs); err != nil {
		return 0, fmt.Errorf("error storing proofs: %v", err)
	}

	quote.State = nut04.Issued
	quote.SettledAt = time.Now().Unix()
	if err := w.db.SaveMintQuote(*quote); err != nil {
		return 0, err
	}

	return proofs.Amount(), nil
}

// Send returns proofs for the amount from the mint. If includeFees
// is true, the proofs also cover the fees the receiver will pay to swap them.
func (w *Wallet) Send(amount uint64, mintURL string, includeFees bool) (cashu.Proofs, error) {
	mint, ok := w.mints[mintURL]
	if !ok {
		return nil, ErrMintNotExist
	}

	proofs, err := w.selectProofs(mint, amount, includeFees)
	if err != nil {
		return nil, err
	}

	target := amount
	if includeFees {
		target += mint.fees(proofs)
	}
	if proofs.Amount() == target {
		for _, proof := range proofs {
			if err := w.db.DeleteProof(proof.Secret); err != nil {
				return nil, err
			}
		}
		return proofs, nil
	}

	return w.swapToSend(amount, mint, includeFees)
}

// swapToSend swaps proofs at the mint into proofs for
// exactly the amount to send plus the change.
func (w *Wallet) swapToSend(amount uint64, mint *walletMint, includeFees bool) (cashu.Proofs, error) {
	activeKeyset, err := w.getActiveKeyset(mint.mintURL)
	if err != nil {
		return nil, err
	}

	sendAmount := amount
	if includeFees {
		sendAmount += receiveFees(amount, activeKeyset.InputFeePpk)
	}

	// proofs need to cover the amount to send and the fees for this swap
	proofs, err := w.selectProofs(mint, sendAmount, true)
	if err != nil {
		return nil, err
	}
	fees := mint.fees(proofs)
	change := proofs.Amount() - sendAmount - fees

	sendAmounts := cashu.AmountSplit(sendAmount)
	amounts := append(slices.Clone(sendAmounts), cashu.AmountSplit(change)...)
	counter := w.db.GetKeysetCounter(activeKeyset.Id)
	outputs, secrets, rs, err := w.createBlindedMessages(amounts, activeKeyset.Id, counter)
	if err != nil {
		return nil, err
	}

	newProofs, err := w.swap(mint.mintURL, proofs, outputs, secrets, rs, activeKeyset)
	if err != nil {
		return nil, err
	}

	// outputs for the send amount come first
	proofsToSend := newProofs[:len(sendAmounts)]
	if err := w.db.SaveProofs(newProofs[len(sendAmounts):]); err != nil {
		return nil, fmt.Errorf("error storing change proofs: %v", err)
	}
	return proofsToSend, nil
}

// receiveFees returns the fees to swap the proofs for amount,
// including the fees for the proofs that pay those fees.
func receiveFees(amount uint64, inputFeePpk uint) uint64 {
	var fees uint64
	for i := 0; i < 8; i++ {
		numProofs := uint64(len(cashu.AmountSplit(amount + fees)))
		newFees := (numProofs*uint64(inputFeePpk) + 999) / 1000
		if newFees <= fees {
			break
		}
		fees = newFees
	}
	return fees
}

// swap sends the inputs and outputs to the mint, removes the inputs
// from the db and returns the new proofs.
func (w *Wallet) swap(
	mintURL string,
	inputs cashu.Proofs,
	outputs cashu.BlindedMessages,
	secrets []string,
	rs []*secp256k1.PrivateKey,
	keyset *crypto.WalletKeyset,
) (cashu.Proofs, error) {
	swapRequest := nut03.PostSwapRequest{Inputs: inputs, Outputs: outputs}
	swapResponse, err := client.PostSwap(mintURL, swapRequest)
	if err != nil {
		return nil, err
	}

	proofs, err := constructProofs(swapResponse.Signatures, outputs, secrets, rs, keyset)
	if err != nil {
		return nil, fmt.Errorf("error constructing proofs: %v", err)
	}
	if err := w.db.IncrementKeysetCounter(keyset.Id, uint32(len(outputs))); err != nil {
		return nil, fmt.Errorf("error incrementing keyset counter: %v", err)
	}

	for _, proof := range inputs {
		if err := w.db.DeleteProof(proof.Secret); err != nil {
			return nil, err
		}
	}
	return proofs, nil
}

// selectProofs selects proofs from the mint to cover the amount,
// preferring proofs from inactive keysets and then the larger ones.
// If includeFees is true, the proofs also cover the fees to spend them.
func (w *Wallet) selectProofs(mint *walletMint, amount uint64, includeFees bool) (cashu.Proofs, error) {
	proofs := w.proofsForMint(mint.mintURL)
	if proofs.Amount() < amount {
		return nil, ErrInsufficientMintBalance
	}

	slices.SortFunc(proofs, func(a, b cashu.Proof) int {
		aInactive := a.Id != mint.activeKeyset.Id
		bInactive := b.Id != mint.activeKeyset.Id
		if aInactive != bInactive {
			if aInactive {
				return -1
			}
			return 1
		}
		if a.Amount != b.Amount {
			if a.Amount > b.Amount {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Secret, b.Secret)
	})

	target := func(selected cashu.Proofs) uint64 {
		if includeFees {
			return amount + mint.fees(selected)
		}
		return amount
	}

	selected := cashu.Proofs{}
	var selectedAmount uint64
	for _, proof := range proofs {
		selected = append(selected, proof)
		selectedAmount += proof.Amount
		if selectedAmount >= target(selected) {
			return selected, nil
		}
	}

	return nil, ErrInsufficientMintBalance
}

// Receive swaps the proofs in the token. If the token is from a mint that is not
// trusted and swapToTrusted is true, the proofs are melted at the token's mint
// to pay for ecash from the current mint. Otherwise, the token's mint gets added
// to the list of trusted mints.
func (w *Wallet) Receive(token cashu.TokenV4, swapToTrusted bool) (uint64, error) {
	proofs := token.Proofs()
	if len(proofs) == 0 {
		return 0, errors.New("token has no proofs")
	}
	tokenMint, err := normalizeURL(token.MintURL)
	if err != nil {
		return 0, err
	}

	if _, ok := w.mints[tokenMint]; !ok && swapToTrusted {
		return w.swapToTrusted(proofs, tokenMint)
	}
	if err := w.AddMint(tokenMint); err != nil {
		return 0, err
	}
	mint := w.mints[tokenMint]

	// refresh keysets in case the token is from a newer one
	activeKeyset, err := w.getActiveKeyset(tokenMint)
	if err != nil {
		return 0, err
	}
	if !w.verifyTokenDLEQ(mint, proofs) {
		return 0, errors.New("invalid DLEQ proof in token")
	}
	fees := mint.fees(proofs)
	if proofs.Amount() <= fees {
		return 0, errors.New("token amount does not cover fees to receive it")
	}

	counter := w.db.GetKeysetCounter(activeKeyset.Id)
	outputs, secrets, rs, err := w.createBlindedMessages(cashu.AmountSplit(proofs.Amount()-fees), activeKeyset.Id, counter)
	if err != nil {
		return 0, fmt.Errorf("error creating blinded messages: %v", err)
	}

	swapRequest := nut03.PostSwapRequest{Inputs: proofs, Outputs: outputs}
	swapResponse, err := client.PostSwap(tokenMint, swapRequest)
	if err != nil {
		return 0, err
	}
	newProofs, err := constructProofs(swapResponse.Signatures, outputs, secrets, rs, activeKeyset)
	if err != nil {
		return 0, fmt.Errorf("error constructing proofs: %v", err)
	}
	if err := w.db.IncrementKeysetCounter(activeKeyset.Id, uint32(len(outputs))); err != nil {
		return 0, fmt.Errorf("error incrementing keyset counter: %v", err)
	}
	if err := w.db.SaveProofs(newProofs); err != nil {
		return 0, fmt.Errorf("error storing proofs: %v", err)
	}

	return newProofs.Amount(), nil
}

// verifyTokenDLEQ checks the DLEQ proofs in the token against
// the keys of the mint. Proofs without a DLEQ proof are accepted.
func (w *Wallet) verifyTokenDLEQ(mint *walletMint, proofs cashu.Proofs) bool {
	for _, proof := range proofs {
		if proof.DLEQ == nil {
			continue
		}
		keyset := mint.activeKeyset
		if proof.Id != keyset.Id {
			inactive, ok := mint.inactiveKeysets[proof.Id]
			if !ok {
				return false
			}
			if len(inactive.PublicKeys) == 0 {
				keys, err := getKeysetKeys(mint.mintURL, proof.Id, w.unit)
				if err != nil {
					return false
				}
				inactive.PublicKeys = keys
				mint.inactiveKeysets[proof.Id] = inactive
			}
			keyset = inactive
		}
		if !nut12.VerifyProofsDLEQ(cashu.Proofs{proof}, keyset) {
			return false
		}
	}
	return true
}

// swapToTrusted melts the proofs at their mint to pay an invoice
// for a mint quote from the current mint.
func (w *Wallet) swapToTrusted(proofs cashu.Proofs, tokenMint string) (uint64, error) {
	keysets, err := client.GetAllKeysets(tokenMint)
	if err != nil {
		return 0, err
	}
	var feesPpk uint64
	for _, proof := range proofs {
		for _, keyset := range keysets.Keysets {
			if keyset.Id == proof.Id {
				feesPpk += uint64(keyset.InputFeePpk)
				break
			}
		}
	}
	available := proofs.Amount() - (feesPpk+999)/1000

	amountToMint := available
	var mintQuote *nut04.PostMintQuoteBolt11Response
	var meltQuote *nut05.PostMeltQuoteBolt11Response
	// the fee reserve depends on the amount so it can take a few tries
	for i := 0; i < 3; i++ {
		mintQuote, err = w.RequestMint(amountToMint, w.currentMint)
		if err != nil {
			return 0, err
		}
		meltQuote, err = client.PostMeltQuoteBolt11(tokenMint, nut05.PostMeltQuoteBolt11Request{
			Request: mintQuote.Request,
			Unit:    w.unit.String(),
		})
		if err != nil {
			return 0, err
		}
		if meltQuote.Amount+meltQuote.FeeReserve <= available {
			break
		}
		if meltQuote.FeeReserve >= available {
			return 0, errors.New("token amount does not cover fees to swap to trusted mint")
		}
		amountToMint = available - meltQuote.FeeReserve
	}
	if meltQuote.Amount+meltQuote.FeeReserve > available {
		return 0, errors.New("token amount does not cover fees to swap to trusted mint")
	}

	meltResponse, err := client.PostMeltBolt11(tokenMint, nut05.PostMeltBolt11Request{
		Quote:  meltQuote.Quote,
		Inputs: proofs,
	})
	if err != nil {
		return 0, fmt.Errorf("error melting token: %v", err)
	}
	if meltResponse.State != nut05.Paid {
		return 0, fmt.Errorf("melt at token mint not paid. Got state '%v'", meltResponse.State)
	}

	return w.MintTokens(mintQuote.Quote)
}

// Melt pays the invoice with ecash from the mint. Blank outputs are sent
// so the mint can return the unused fee reserve as change.
func (w *Wallet) Melt(invoice string, mintURL string) (*nut05.PostMeltQuoteBolt11Response, error) {
	mint, ok := w.mints[mintURL]
	if !ok {
		return nil, ErrMintNotExist
	}

	meltQuoteResponse, err := client.PostMeltQuoteBolt11(mintURL, nut05.PostMeltQuoteBolt11Request{
		Request: invoice,
		Unit:    w.unit.String(),
	})
	if err != nil {
		return nil, err
	}

	quote := storage.MeltQuote{
		QuoteId:        meltQuoteResponse.Quote,
		Mint:           mintURL,
		Method:         cashu.BOLT11_METHOD,
		State:          meltQuoteResponse.State,
		Unit:           w.unit.String(),
		PaymentRequest: invoice,
		Amount:         meltQuoteResponse.Amount,
		FeeReserve:     meltQuoteResponse.FeeReserve,
		CreatedAt:      time.Now().Unix(),
		QuoteExpiry:    meltQuoteResponse.Expiry,
	}
	if err := w.db.SaveMeltQuote(quote); err != nil {
		return nil, err
	}

	amountNeeded := meltQuoteResponse.Amount + meltQuoteResponse.FeeReserve
	proofs, err := w.selectProofs(mint, amountNeeded, true)
	if err != nil {
		return nil, err
	}

	activeKeyset, err := w.getActiveKeyset(mintURL)
	if err != nil {
		return nil, err
	}
	overpaid := proofs.Amount() - meltQuoteResponse.Amount - mint.fees(proofs)
	var blankOutputs cashu.BlindedMessages
	var secrets []string
	var rs []*secp256k1.PrivateKey
	if overpaid > 0 {
		counter := w.db.GetKeysetCounter(activeKeyset.Id)
		// the mint sets the amounts on the outputs it uses
		amounts := make([]uint64, bits.Len64(overpaid))
		for i := range amounts {
			amounts[i] = 1
		}
		blankOutputs, secrets, rs, err = w.createBlindedMessages(amounts, activeKeyset.Id, counter)
		if err != nil {
			return nil, err
		}
	}

	// proofs are pending until the melt is final
	if err := w.db.AddPendingProofsByQuoteId(proofs, quote.QuoteId); err != nil {
		return nil, err
	}
	for _, proof := range proofs {
		if err := w.db.DeleteProof(proof.Secret); err != nil {
			return nil, err
		}
	}

	meltRequest := nut05.PostMeltBolt11Request{Quote: quote.QuoteId, Inputs: proofs, Outputs: blankOutputs}
	meltResponse, meltErr := client.PostMeltBolt11(mintURL, meltRequest)
	if len(blankOutputs) > 0 {
		if err := w.db.IncrementKeysetCounter(activeKeyset.Id, uint32(len(blankOutputs))); err != nil {
			return nil, fmt.Errorf("error incrementing keyset counter: %v", err)
		}
	}
	if meltErr != nil {
		// the mint does not keep the inputs if it responded with an error
		var cashuErr cashu.Error
		if errors.As(meltErr, &cashuErr) {
			if err := w.restorePendingProofs(quote.QuoteId); err != nil {
				return nil, err
			}
		}
		return nil, meltErr
	}

	quote.State = meltResponse.State
	switch meltResponse.State {
	case nut05.Paid:
		quote.Preimage = meltResponse.Preimage
		quote.SettledAt = time.Now().Unix()
		if err := w.db.DeletePendingProofsByQuoteId(quote.QuoteId); err != nil {
			return nil, err
		}
		if len(meltResponse.Change) > 0 {
			n := len(meltResponse.Change)
			if n > len(blankOutputs) {
				return nil, errors.New("mint returned more change than outputs sent")
			}
			change, err := constructProofs(meltResponse.Change, blankOutputs[:n], secrets[:n], rs[:n], activeKeyset)
			if err != nil {
				return nil, fmt.Errorf("error constructing change proofs: %v", err)
			}
			if err := w.db.SaveProofs(change); err != nil {
				return nil, fmt.Errorf("error storing change proofs: %v", err)
			}
		}
	case nut05.Unpaid:
		if err := w.restorePendingProofs(quote.QuoteId); err != nil {
			return nil, err
		}
	}
	if err := w.db.SaveMeltQuote(quote); err != nil {
		return nil, err
	}

	return meltResponse, nil
}

// CheckMeltQuoteState gets the state of the melt quote from the mint
// and settles the pending proofs if the melt is final.
func (w *Wallet) CheckMeltQuoteState(quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	quote := w.db.GetMeltQuoteById(quoteId)
	if quote == nil {
		return nil, ErrQuoteNotFound
	}

	quoteState, err := client.GetMeltQuoteState(quote.Mint, quoteId)
	if err != nil {
		return nil, err
	}

	switch quoteState.State {
	case nut05.Paid:
		if err := w.db.DeletePendingProofsByQuoteId(quoteId); err != nil {
			return nil, err
		}
		quote.Preimage = quoteState.Preimage
		if quote.SettledAt == 0 {
			quote.SettledAt = time.Now().Unix()
		}
	case nut05.Unpaid:
		if err := w.restorePendingProofs(quoteId); err != nil {
			return nil, err
		}
	}

	quote.State = quoteState.State
	if err := w.db.SaveMeltQuote(*quote); err != nil {
		return nil, err
	}
	return quoteState, nil
}

// restorePendingProofs moves the pending proofs of the quote back to the wallet.
func (w *Wallet) restorePendingProofs(quoteId string) error {
	pendingProofs := w.db.GetPendingProofsByQuoteId(quoteId)
	if len(pendingProofs) == 0 {
		return nil
	}
	proofs := make(cashu.Proofs, len(pendingProofs))
	for i, pending := range pendingProofs {
		proofs[i] = pending.Proof()
	}
	if err := w.db.SaveProofs(proofs); err != nil {
		return err
	}
	return w.db.DeletePendingProofsByQuoteId(quoteId)
}

// createBlindedMessages derives the secrets and blinding factors for the
// amounts from the keyset's counter and returns the blinded messages.
func (w *Wallet) createBlindedMessages(
	amounts []uint64,
	keysetId string,
	counter uint32,
) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	keysetPath, err := nut13.DeriveKeysetPath(w.masterKey, keysetId)
	if err != nil {
		return nil, nil, nil, err
	}

	blindedMessages := make(cashu.BlindedMessages, len(amounts))
	secrets := make([]string, len(amounts))
	rs := make([]*secp256k1.PrivateKey, len(amounts))
	for i, amount := range amounts {
		secret, r, err := nut13.DeriveSecretAndBlindingFactor(keysetPath, counter+uint32(i))
		if err != nil {
			return nil, nil, nil, err
		}
		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

// constructProofs unblinds the signatures. If a signature has a DLEQ proof
// it is verified and kept in the proof together with r.
func constructProofs(
	blindedSignatures cashu.BlindedSignatures,
	blindedMessages cashu.BlindedMessages,
	secrets []string,
	rs []*secp256k1.PrivateKey,
	keyset *crypto.WalletKeyset,
) (cashu.Proofs, error) {
	if len(blindedSignatures) != len(secrets) ||
		len(blindedSignatures) != len(rs) ||
		len(blindedSignatures) != len(blindedMessages) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, len(blindedSignatures))
	for i, blindedSignature := range blindedSignatures {
		pubkey, ok := keyset.PublicKeys[blindedSignature.Amount]
		if !ok {
			return nil, fmt.Errorf("key not found for amount %v", blindedSignature.Amount)
		}

		C_bytes, err := hex.DecodeString(blindedSignature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		var dleq *cashu.DLEQProof
		if blindedSignature.DLEQ != nil {
			if !nut12.VerifyBlindSignatureDLEQ(
				*blindedSignature.DLEQ,
				pubkey,
				blindedMessages[i].B_,
				blindedSignature.C_,
			) {
				return nil, errors.New("got blinded signature with invalid DLEQ proof")
			}
			dleq = &cashu.DLEQProof{
				E: blindedSignature.DLEQ.E,
				S: blindedSignature.DLEQ.S,
				R: hex.EncodeToString(rs[i].Serialize()),
			}
		}

		C := crypto.UnblindSignature(C_, rs[i], pubkey)
		proofs[i] = cashu.Proof{
			Amount: blindedSignature.Amount,
			Id:     blindedSignature.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
			DLEQ:   dleq,
		}
	}

	return proofs, nil
}
