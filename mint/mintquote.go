package mint

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut04"
	"github.com/nutmint/nutmint/cashu/nuts/nut20"
	"github.com/nutmint/nutmint/mint/storage"
)

// RequestMintQuote creates an invoice for the amount and returns a mint quote
// that can be used to mint ecash once the invoice is paid.
// If the request has a pubkey, minting will need a signature from its private key.
func (m *Mint) RequestMintQuote(mintQuoteRequest nut04.PostMintQuoteBolt11Request) (storage.MintQuote, error) {
	if mintQuoteRequest.Unit != cashu.Sat.String() {
		return storage.MintQuote{}, cashu.UnitNotSupportedErr
	}

	amount := mintQuoteRequest.Amount
	if amount == 0 {
		return storage.MintQuote{}, cashu.BuildCashuError("amount must be greater than zero", cashu.InvalidRequestErrCode)
	}
	mintingSettings := m.limits.MintingSettings
	if mintingSettings.MaxAmount > 0 && amount > mintingSettings.MaxAmount {
		return storage.MintQuote{}, cashu.MintAmountExceededErr
	}
	if amount < mintingSettings.MinAmount {
		return storage.MintQuote{}, cashu.BuildCashuError("amount is below the minimum for minting", cashu.AmountLimitExceeded)
	}

	if m.limits.MaxBalance > 0 {
		balance, err := m.TotalBalance()
		if err != nil {
			return storage.MintQuote{}, dbError("error getting mint balance", err)
		}
		newBalance, overflow := overflowAddUint64(balance, amount)
		if overflow || newBalance > m.limits.MaxBalance {
			return storage.MintQuote{}, cashu.MaxBalanceExceededErr
		}
	}

	var pubkey *secp256k1.PublicKey
	if len(mintQuoteRequest.Pubkey) > 0 {
		pubkeyBytes, err := hex.DecodeString(mintQuoteRequest.Pubkey)
		if err != nil {
			return storage.MintQuote{}, cashu.BuildCashuError("invalid public key", cashu.InvalidRequestErrCode)
		}
		pubkey, err = secp256k1.ParsePubKey(pubkeyBytes)
		if err != nil {
			return storage.MintQuote{}, cashu.BuildCashuError("invalid public key", cashu.InvalidRequestErrCode)
		}
	}

	m.logDebugf("requesting invoice from lightning backend for %v sats", amount)
	invoice, err := m.lightningClient.CreateInvoice(amount)
	if err != nil {
		errmsg := fmt.Sprintf("could not generate invoice: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
	}

	mintQuote := storage.MintQuote{
		Id:             uuid.NewString(),
		Amount:         amount,
		PaymentRequest: invoice.PaymentRequest,
		PaymentHash:    invoice.PaymentHash,
		State:          nut04.Unpaid,
		Expiry:         invoice.Expiry,
		Pubkey:         pubkey,
	}
	if err := m.db.SaveMintQuote(mintQuote); err != nil {
		return storage.MintQuote{}, dbError("error saving mint quote to db", err)
	}
	m.metrics.mintQuotes.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.checkInvoicePaid(m.ctx, mintQuote.Id)
	}()

	m.logInfof("created mint quote '%v' for %v sats", mintQuote.Id, amount)
	return mintQuote, nil
}

// GetMintQuoteState returns the mint quote. If it is still unpaid,
// the invoice status is checked with the lightning backend. An Unpaid
// or Paid quote past its expiry is moved to Expired.
func (m *Mint) GetMintQuoteState(quoteId string) (storage.MintQuote, error) {
	mintQuote, err := m.getMintQuote(quoteId)
	if err != nil {
		return storage.MintQuote{}, err
	}

	if mintQuote.State == nut04.Unpaid || mintQuote.State == nut04.Paid {
		unlock := m.quoteLocks.Lock(quoteId)
		defer unlock()
		return m.refreshMintQuoteLocked(quoteId)
	}
	return mintQuote, nil
}

func (m *Mint) getMintQuote(quoteId string) (storage.MintQuote, error) {
	mintQuote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.MintQuote{}, cashu.QuoteNotExistErr
		}
		return storage.MintQuote{}, dbError("error getting mint quote", err)
	}
	return mintQuote, nil
}

func mintQuoteExpired(mintQuote storage.MintQuote) bool {
	return mintQuote.Expiry > 0 && uint64(time.Now().Unix()) > mintQuote.Expiry
}

// refreshMintQuoteLocked moves an Unpaid quote to Paid if its invoice settled,
// and an Unpaid or Paid quote past its expiry to Expired.
func (m *Mint) refreshMintQuoteLocked(quoteId string) (storage.MintQuote, error) {
	mintQuote, err := m.getMintQuote(quoteId)
	if err != nil {
		return storage.MintQuote{}, err
	}

	if mintQuote.State == nut04.Unpaid {
		invoice, err := m.lightningClient.InvoiceStatus(mintQuote.PaymentHash)
		if err != nil {
			m.logErrorf("could not get status of invoice for mint quote '%v': %v", quoteId, err)
		} else if invoice.Settled {
			mintQuote, err = m.setMintQuoteState(mintQuote, nut04.Paid)
			if err != nil {
				return storage.MintQuote{}, err
			}
		}
	}

	if (mintQuote.State == nut04.Unpaid || mintQuote.State == nut04.Paid) && mintQuoteExpired(mintQuote) {
		return m.setMintQuoteState(mintQuote, nut04.Expired)
	}
	return mintQuote, nil
}

// markMintQuotePaid moves an Unpaid quote to Paid. Calling it again
// for the same quote changes nothing and publishes nothing.
func (m *Mint) markMintQuotePaid(quoteId string) (storage.MintQuote, error) {
	unlock := m.quoteLocks.Lock(quoteId)
	defer unlock()

	mintQuote, err := m.getMintQuote(quoteId)
	if err != nil {
		return storage.MintQuote{}, err
	}
	if mintQuote.State != nut04.Unpaid {
		return mintQuote, nil
	}
	return m.setMintQuoteState(mintQuote, nut04.Paid)
}

// setMintQuoteState must be called with the quote lock held.
func (m *Mint) setMintQuoteState(mintQuote storage.MintQuote, state nut04.State) (storage.MintQuote, error) {
	if err := m.db.UpdateMintQuoteState(mintQuote.Id, state); err != nil {
		return storage.MintQuote{}, dbError("error updating mint quote", err)
	}
	mintQuote.State = state
	m.logInfof("mint quote '%v' is now %v", mintQuote.Id, state)
	m.publishMintQuote(mintQuote)
	return mintQuote, nil
}

func (m *Mint) publishMintQuote(mintQuote storage.MintQuote) {
	jsonQuote, _ := json.Marshal(MintQuoteResponse(mintQuote))
	m.publisher.Publish(mintQuoteTopic(mintQuote.Id), jsonQuote)
}

func MintQuoteResponse(mintQuote storage.MintQuote) nut04.PostMintQuoteBolt11Response {
	response := nut04.PostMintQuoteBolt11Response{
		Quote:   mintQuote.Id,
		Request: mintQuote.PaymentRequest,
		Amount:  mintQuote.Amount,
		Unit:    cashu.Sat.String(),
		State:   mintQuote.State,
		Expiry:  mintQuote.Expiry,
	}
	if mintQuote.Pubkey != nil {
		response.Pubkey = hex.EncodeToString(mintQuote.Pubkey.SerializeCompressed())
	}
	return response
}

// MintTokens signs the outputs if the quote is paid and moves it to Issued.
// A request identical to the one that issued the quote gets the same signatures.
func (m *Mint) MintTokens(mintTokensRequest nut04.PostMintBolt11Request) (cashu.BlindedSignatures, error) {
	quoteId := mintTokensRequest.Quote
	outputs := mintTokensRequest.Outputs
	requestHash := mintRequestHash(quoteId, outputs)

	unlock := m.quoteLocks.Lock(quoteId)
	defer unlock()

	signatures, ok, err := m.requestCache.Get(quoteId, requestHash)
	if err != nil {
		return nil, err
	}
	if ok {
		m.logDebugf("returning cached signatures for mint quote '%v'", quoteId)
		m.metrics.cachedReplies.Inc()
		return signatures, nil
	}

	mintQuote, err := m.getMintQuote(quoteId)
	if err != nil {
		return nil, err
	}
	if mintQuote.State == nut04.Unpaid || mintQuote.State == nut04.Paid {
		mintQuote, err = m.refreshMintQuoteLocked(quoteId)
		if err != nil {
			return nil, err
		}
	}

	switch mintQuote.State {
	case nut04.Unpaid:
		return nil, cashu.MintQuoteRequestNotPaid
	case nut04.Expired:
		return nil, cashu.QuoteExpiredErr
	case nut04.Issued:
		return m.issuedSignatures(mintQuote, requestHash)
	}

	if mintQuote.Pubkey != nil {
		pubkey := hex.EncodeToString(mintQuote.Pubkey.SerializeCompressed())
		if !nut20.VerifyHexSignature(mintTokensRequest.Signature, quoteId, outputs, pubkey) {
			return nil, cashu.MintQuoteInvalidSigErr
		}
	}

	outputsAmount, err := m.verifyOutputs(outputs)
	if err != nil {
		return nil, err
	}
	if outputsAmount > mintQuote.Amount {
		return nil, cashu.OutputsOverQuoteAmountErr
	}

	signatures, err = m.keysets.SignBlindedMessages(outputs)
	if err != nil {
		return nil, err
	}

	if err := m.db.IssueMintQuote(quoteId, requestHash, blindedMessagesB_s(outputs), signatures); err != nil {
		switch {
		case errors.Is(err, storage.ErrQuoteStateChanged):
			return nil, cashu.MintQuoteAlreadyIssued
		case errors.Is(err, storage.ErrOutputsAlreadySigned):
			return nil, cashu.BlindedMessageAlreadySigned
		}
		return nil, dbError("error issuing mint quote", err)
	}

	m.requestCache.Add(quoteId, requestHash, signatures)
	m.metrics.issuedSats.Add(float64(outputsAmount))

	mintQuote.State = nut04.Issued
	mintQuote.IssuedRequestHash = requestHash
	m.logInfof("issued %v sats for mint quote '%v'", outputsAmount, quoteId)
	m.publishMintQuote(mintQuote)

	return signatures, nil
}

// issuedSignatures rebuilds the response for a retried request from the signatures
// saved when the quote was issued.
func (m *Mint) issuedSignatures(mintQuote storage.MintQuote, requestHash string) (cashu.BlindedSignatures, error) {
	if mintQuote.IssuedRequestHash != requestHash {
		return nil, cashu.MintRequestConflictErr
	}

	saved, err := m.db.GetBlindSignatures(mintQuote.IssuedOutputs)
	if err != nil {
		return nil, dbError("error getting blind signatures", err)
	}

	signatures := make(cashu.BlindedSignatures, len(mintQuote.IssuedOutputs))
	for i, B_ := range mintQuote.IssuedOutputs {
		signature, ok := saved[B_]
		if !ok {
			return nil, cashu.MintQuoteAlreadyIssued
		}
		signatures[i] = signature
	}

	m.requestCache.Add(mintQuote.Id, requestHash, signatures)
	m.metrics.cachedReplies.Inc()
	return signatures, nil
}
