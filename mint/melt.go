package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut04"
	"github.com/nutmint/nutmint/cashu/nuts/nut05"
	"github.com/nutmint/nutmint/mint/lightning"
	"github.com/nutmint/nutmint/mint/storage"
)

// timeout for status queries made after a payment attempt
const paymentStatusTimeout = 10 * time.Second

// RequestMeltQuote will process a request to melt tokens and return a MeltQuote.
// If the invoice was created by this mint, the quote is internal and has no fee reserve.
func (m *Mint) RequestMeltQuote(meltQuoteRequest nut05.PostMeltQuoteBolt11Request) (storage.MeltQuote, error) {
	if meltQuoteRequest.Unit != cashu.Sat.String() {
		return storage.MeltQuote{}, cashu.UnitNotSupportedErr
	}

	request := meltQuoteRequest.Request
	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		return storage.MeltQuote{}, cashu.InvalidPaymentRequest
	}
	if bolt11.MSatoshi <= 0 {
		return storage.MeltQuote{}, cashu.BuildCashuError("invoice has no amount", cashu.InvalidRequestErrCode)
	}
	satAmount := uint64(bolt11.MSatoshi) / 1000
	if satAmount == 0 {
		return storage.MeltQuote{}, cashu.BuildCashuError("invoice amount is below 1 sat", cashu.InvalidRequestErrCode)
	}

	meltingSettings := m.limits.MeltingSettings
	if meltingSettings.MaxAmount > 0 && satAmount > meltingSettings.MaxAmount {
		return storage.MeltQuote{}, cashu.MeltAmountExceededErr
	}
	if satAmount < meltingSettings.MinAmount {
		return storage.MeltQuote{}, cashu.BuildCashuError("amount is below the minimum for melting", cashu.AmountLimitExceeded)
	}

	meltQuote := storage.MeltQuote{
		Id:             uuid.NewString(),
		InvoiceRequest: request,
		PaymentHash:    bolt11.PaymentHash,
		Amount:         satAmount,
		State:          nut05.Unpaid,
		Expiry:         uint64(time.Now().Add(m.quoteExpiry).Unix()),
	}

	// check if a mint quote exists with the same invoice.
	mintQuote, err := m.db.GetMintQuoteByPaymentHash(bolt11.PaymentHash)
	switch {
	case err == nil:
		if mintQuote.Amount != satAmount {
			return storage.MeltQuote{}, cashu.InternalAmountMismatch
		}
		meltQuote.IsInternal = true
	case errors.Is(err, storage.ErrNotFound):
		meltQuote.FeeReserve = m.lightningClient.FeeReserve(satAmount)
	default:
		return storage.MeltQuote{}, dbError("error getting mint quote", err)
	}

	if err := m.db.SaveMeltQuote(meltQuote); err != nil {
		return storage.MeltQuote{}, dbError("error saving melt quote to db", err)
	}
	m.metrics.meltQuotes.Inc()

	m.logInfof("created melt quote '%v' for %v sats (internal: %v)", meltQuote.Id, satAmount, meltQuote.IsInternal)
	return meltQuote, nil
}

// GetMeltQuoteState returns the melt quote. A quote that is Pending or Unknown
// is first reconciled with the payment status from the lightning backend.
func (m *Mint) GetMeltQuoteState(ctx context.Context, quoteId string) (storage.MeltQuote, error) {
	meltQuote, err := m.getMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	if !paymentInFlight(meltQuote.State) {
		return meltQuote, nil
	}

	// a melt in progress holds the lock until the quote leaves Pending.
	// A quote still Pending once the lock is taken was left by a previous run.
	unlock := m.quoteLocks.Lock(quoteId)
	defer unlock()

	meltQuote, err = m.getMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	if paymentInFlight(meltQuote.State) {
		return m.reconcileMeltQuote(ctx, meltQuote)
	}
	return meltQuote, nil
}

func paymentInFlight(state nut05.State) bool {
	return state == nut05.Pending || state == nut05.Unknown
}

func (m *Mint) getMeltQuote(quoteId string) (storage.MeltQuote, error) {
	meltQuote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.MeltQuote{}, cashu.QuoteNotExistErr
		}
		return storage.MeltQuote{}, dbError("error getting melt quote", err)
	}
	return meltQuote, nil
}

// reconcileInFlightMeltQuotes settles the melt quotes a previous run left
// Pending or Unknown.
func (m *Mint) reconcileInFlightMeltQuotes() error {
	meltQuotes, err := m.db.GetMeltQuotesByState(nut05.Pending, nut05.Unknown)
	if err != nil {
		return fmt.Errorf("error getting melt quotes: %v", err)
	}

	for _, meltQuote := range meltQuotes {
		ctx, cancel := context.WithTimeout(m.ctx, paymentStatusTimeout)
		unlock := m.quoteLocks.Lock(meltQuote.Id)
		reconciled, err := m.reconcileMeltQuote(ctx, meltQuote)
		unlock()
		cancel()
		if err != nil {
			m.logErrorf("could not reconcile melt quote '%v': %v", meltQuote.Id, err)
			continue
		}
		m.logInfof("melt quote '%v' found %v at startup is now %v", meltQuote.Id, meltQuote.State, reconciled.State)
	}
	return nil
}

// reconcileMeltQuote asks the backend for the outcome of the last payment
// attempt of a Pending or Unknown quote. Proofs still reserved for the quote
// are spent if the payment succeeded and released if it failed.
// It must be called with the quote lock held.
func (m *Mint) reconcileMeltQuote(ctx context.Context, meltQuote storage.MeltQuote) (storage.MeltQuote, error) {
	status, err := m.meltPaymentStatus(ctx, meltQuote)
	if err != nil {
		m.logErrorf("could not get status of payment for melt quote '%v': %v", meltQuote.Id, err)
		return meltQuote, nil
	}

	reservation, err := m.ledger.QuoteReservation(meltQuote.Id)
	if err != nil {
		return storage.MeltQuote{}, err
	}

	switch status.PaymentStatus {
	case lightning.Succeeded:
		m.logInfof("payment for melt quote '%v' in state %v succeeded", meltQuote.Id, meltQuote.State)
		if reservation != nil {
			if err := m.ledger.Commit(reservation, nil, nil); err != nil {
				return storage.MeltQuote{}, err
			}
		}
		return m.setMeltQuoteState(meltQuote, nut05.Paid, status.Preimage, status.FeePaid)
	case lightning.Failed:
		m.logInfof("payment for melt quote '%v' in state %v failed", meltQuote.Id, meltQuote.State)
		if reservation != nil {
			if err := m.ledger.Release(reservation); err != nil {
				return storage.MeltQuote{}, err
			}
		}
		return m.setMeltQuoteState(meltQuote, nut05.Unpaid, "", 0)
	}
	return meltQuote, nil
}

// meltPaymentStatus returns the status of the payment for the quote.
// An internal quote is paid once the mint quote for its invoice is paid.
func (m *Mint) meltPaymentStatus(ctx context.Context, meltQuote storage.MeltQuote) (lightning.PaymentStatus, error) {
	if meltQuote.IsInternal {
		mintQuote, err := m.db.GetMintQuoteByPaymentHash(meltQuote.PaymentHash)
		if err != nil {
			return lightning.PaymentStatus{}, err
		}
		if mintQuote.State != nut04.Paid && mintQuote.State != nut04.Issued {
			return lightning.PaymentStatus{PaymentStatus: lightning.Failed}, nil
		}
		status := lightning.PaymentStatus{PaymentStatus: lightning.Succeeded}
		if invoice, err := m.lightningClient.InvoiceStatus(meltQuote.PaymentHash); err == nil {
			status.Preimage = invoice.Preimage
		}
		return status, nil
	}

	status, err := m.lightningClient.OutgoingPaymentStatus(ctx, meltQuote.PaymentHash)
	if errors.Is(err, lightning.OutgoingPaymentNotFound) {
		return lightning.PaymentStatus{PaymentStatus: lightning.Failed, PaymentFailureReason: "payment not found"}, nil
	}
	return status, err
}

// updateMeltQuoteState saves the new state without notifying subscribers.
func (m *Mint) updateMeltQuoteState(
	meltQuote storage.MeltQuote,
	state nut05.State,
	preimage string,
	feePaid uint64,
) (storage.MeltQuote, error) {
	if err := m.db.UpdateMeltQuote(meltQuote.Id, preimage, feePaid, state); err != nil {
		return storage.MeltQuote{}, dbError("error updating melt quote", err)
	}
	meltQuote.State = state
	meltQuote.Preimage = preimage
	meltQuote.FeePaid = feePaid
	m.logInfof("melt quote '%v' is now %v", meltQuote.Id, state)
	return meltQuote, nil
}

func (m *Mint) setMeltQuoteState(
	meltQuote storage.MeltQuote,
	state nut05.State,
	preimage string,
	feePaid uint64,
) (storage.MeltQuote, error) {
	meltQuote, err := m.updateMeltQuoteState(meltQuote, state, preimage, feePaid)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	m.publishMeltQuote(meltQuote, nil)
	return meltQuote, nil
}

func (m *Mint) publishMeltQuote(meltQuote storage.MeltQuote, change cashu.BlindedSignatures) {
	jsonQuote, _ := json.Marshal(MeltQuoteResponse(meltQuote, change))
	m.publisher.Publish(meltQuoteTopic(meltQuote.Id), jsonQuote)
}

func MeltQuoteResponse(meltQuote storage.MeltQuote, change cashu.BlindedSignatures) nut05.PostMeltQuoteBolt11Response {
	response := nut05.PostMeltQuoteBolt11Response{
		Quote:      meltQuote.Id,
		Request:    meltQuote.InvoiceRequest,
		Amount:     meltQuote.Amount,
		FeeReserve: meltQuote.FeeReserve,
		State:      meltQuote.State,
		Expiry:     meltQuote.Expiry,
		Preimage:   meltQuote.Preimage,
		Change:     change,
	}
	if meltQuote.State == nut05.Paid {
		response.AmountPaid = meltQuote.Amount
		response.FeePaid = meltQuote.FeePaid
	}
	return response
}

// MeltTokens verifies the proofs, pays the invoice of the melt quote and
// marks the proofs as spent. The payment is never attempted if the invoice
// was already paid, by this or another quote. Overpaid fees are returned
// as signatures on the blank outputs of the request.
func (m *Mint) MeltTokens(
	ctx context.Context,
	meltTokensRequest nut05.PostMeltBolt11Request,
) (storage.MeltQuote, cashu.BlindedSignatures, error) {
	quoteId := meltTokensRequest.Quote
	proofs := meltTokensRequest.Inputs

	meltQuote, err := m.getMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, nil, err
	}

	unlockQuote := m.quoteLocks.Lock(quoteId)
	defer unlockQuote()
	// different quotes for the same invoice must not be paid at the same time
	unlockHash := m.quoteLocks.Lock(paymentHashLockKey(meltQuote.PaymentHash))
	defer unlockHash()

	meltQuote, err = m.getMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, nil, err
	}

	switch meltQuote.State {
	case nut05.Paid:
		return storage.MeltQuote{}, nil, cashu.MeltQuoteAlreadyPaid
	case nut05.Pending, nut05.Unknown:
		meltQuote, err = m.reconcileMeltQuote(ctx, meltQuote)
		if err != nil {
			return storage.MeltQuote{}, nil, err
		}
		switch meltQuote.State {
		case nut05.Paid:
			return storage.MeltQuote{}, nil, cashu.MeltQuoteAlreadyPaid
		case nut05.Pending, nut05.Unknown:
			return storage.MeltQuote{}, nil, cashu.MeltQuotePending
		}
	}

	if uint64(time.Now().Unix()) > meltQuote.Expiry {
		return storage.MeltQuote{}, nil, cashu.QuoteExpiredErr
	}

	inputsAmount, err := m.verifyInputs(proofs)
	if err != nil {
		return storage.MeltQuote{}, nil, err
	}
	fees := m.keysets.TransactionFees(proofs)
	required, overflow := overflowAddUint64(meltQuote.Amount, meltQuote.FeeReserve)
	if !overflow {
		required, overflow = overflowAddUint64(required, fees)
	}
	if overflow {
		return storage.MeltQuote{}, nil, cashu.AmountOverflowErr
	}
	if inputsAmount < required {
		return storage.MeltQuote{}, nil, cashu.InsufficientProofsAmount
	}

	blankOutputs := meltTokensRequest.Outputs
	if len(blankOutputs) > 0 {
		if cashu.CheckDuplicateBlindedMessages(blankOutputs) {
			return storage.MeltQuote{}, nil, cashu.DuplicateOutputsErr
		}
		signed, err := m.db.GetBlindSignatures(blindedMessagesB_s(blankOutputs))
		if err != nil {
			return storage.MeltQuote{}, nil, dbError("error reading blind signatures", err)
		}
		if len(signed) > 0 {
			return storage.MeltQuote{}, nil, cashu.BlindedMessageAlreadySigned
		}
	}

	if err := m.checkInvoiceNotPaid(ctx, meltQuote); err != nil {
		return storage.MeltQuote{}, nil, err
	}

	reservation, err := m.ledger.Reserve(proofs, quoteId)
	if err != nil {
		return storage.MeltQuote{}, nil, err
	}

	// subscribers are notified of the outcome only
	meltQuote, err = m.updateMeltQuoteState(meltQuote, nut05.Pending, "", 0)
	if err != nil {
		m.releaseReservation(reservation)
		return storage.MeltQuote{}, nil, err
	}

	var status lightning.PaymentStatus
	if meltQuote.IsInternal {
		status, err = m.settleInternally(meltQuote)
		if err != nil {
			m.releaseReservation(reservation)
			m.setMeltQuoteState(meltQuote, nut05.Unpaid, "", 0)
			m.metrics.melts.WithLabelValues("failed").Inc()
			return storage.MeltQuote{}, nil, err
		}
	} else {
		status = m.payInvoice(ctx, meltQuote)
	}

	switch status.PaymentStatus {
	case lightning.Failed:
		m.logInfof("payment for melt quote '%v' failed: %v", quoteId, status.PaymentFailureReason)
		m.releaseReservation(reservation)
		m.setMeltQuoteState(meltQuote, nut05.Unpaid, "", 0)
		m.metrics.melts.WithLabelValues("failed").Inc()

		errmsg := cashu.LightningPaymentFailedErr.Detail
		if len(status.PaymentFailureReason) > 0 {
			errmsg = fmt.Sprintf("%v: %v", errmsg, status.PaymentFailureReason)
		}
		return storage.MeltQuote{}, nil, cashu.BuildCashuError(errmsg, cashu.LightningPaymentErrCode)

	case lightning.Pending:
		// outcome is not known yet. Inputs are released and the quote
		// is reconciled with the backend on the next request for it.
		m.logInfof("payment for melt quote '%v' still in flight after timeout", quoteId)
		m.releaseReservation(reservation)
		m.setMeltQuoteState(meltQuote, nut05.Unknown, "", 0)
		m.metrics.melts.WithLabelValues("unknown").Inc()
		return storage.MeltQuote{}, nil, cashu.LightningPaymentTimeout
	}

	// payment succeeded
	change := changeOutputs(blankOutputs, inputsAmount-meltQuote.Amount-status.FeePaid-fees)
	var changeSignatures cashu.BlindedSignatures
	if len(change) > 0 {
		changeSignatures, err = m.keysets.SignBlindedMessages(change)
		if err != nil {
			m.logErrorf("could not sign change for melt quote '%v': %v", quoteId, err)
			change, changeSignatures = nil, nil
		}
	}

	var commitErr error
	if err := m.ledger.Commit(reservation, change, changeSignatures); err != nil {
		m.logErrorf("could not mark proofs as spent for paid melt quote '%v': %v", quoteId, err)
		commitErr = err
		changeSignatures = nil
	}

	meltQuote.State = nut05.Paid
	meltQuote.Preimage = status.Preimage
	meltQuote.FeePaid = status.FeePaid
	if err := m.db.UpdateMeltQuote(quoteId, status.Preimage, status.FeePaid, nut05.Paid); err != nil {
		return storage.MeltQuote{}, nil, dbError("error updating melt quote", err)
	}
	m.publishMeltQuote(meltQuote, changeSignatures)

	outcome := "paid"
	if meltQuote.IsInternal {
		outcome = "internal"
	}
	m.metrics.melts.WithLabelValues(outcome).Inc()
	m.metrics.redeemedSats.Add(float64(inputsAmount))
	m.logInfof("melt quote '%v' paid %v sats with %v sats in fees", quoteId, meltQuote.Amount, status.FeePaid)

	if commitErr != nil {
		return storage.MeltQuote{}, nil, commitErr
	}
	return meltQuote, changeSignatures, nil
}

func paymentHashLockKey(paymentHash string) string {
	return "payment_hash:" + paymentHash
}

// checkInvoiceNotPaid returns MeltQuoteAlreadyPaid if the invoice of the quote
// was already paid by another melt quote, internally or by the backend.
func (m *Mint) checkInvoiceNotPaid(ctx context.Context, meltQuote storage.MeltQuote) error {
	meltQuotes, err := m.db.GetMeltQuotesByPaymentHash(meltQuote.PaymentHash)
	if err != nil {
		return dbError("error getting melt quotes", err)
	}
	for _, quote := range meltQuotes {
		if quote.Id == meltQuote.Id {
			continue
		}
		switch quote.State {
		case nut05.Paid:
			return cashu.MeltQuoteAlreadyPaid
		case nut05.Pending, nut05.Unknown:
			return cashu.MeltQuotePending
		}
	}

	if meltQuote.IsInternal {
		mintQuote, err := m.db.GetMintQuoteByPaymentHash(meltQuote.PaymentHash)
		if err != nil {
			return dbError("error getting mint quote", err)
		}
		if mintQuote.State == nut04.Paid || mintQuote.State == nut04.Issued {
			return cashu.MeltQuoteAlreadyPaid
		}
		return nil
	}

	status, err := m.lightningClient.OutgoingPaymentStatus(ctx, meltQuote.PaymentHash)
	if err != nil {
		if errors.Is(err, lightning.OutgoingPaymentNotFound) {
			return nil
		}
		errmsg := fmt.Sprintf("could not check status of payment: %v", err)
		return cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
	}
	switch status.PaymentStatus {
	case lightning.Succeeded:
		return cashu.MeltQuoteAlreadyPaid
	case lightning.Pending:
		return cashu.MeltQuotePending
	}
	return nil
}

// settleInternally marks the mint quote for the invoice as paid
// without making a payment through the lightning backend.
func (m *Mint) settleInternally(meltQuote storage.MeltQuote) (lightning.PaymentStatus, error) {
	mintQuote, err := m.db.GetMintQuoteByPaymentHash(meltQuote.PaymentHash)
	if err != nil {
		return lightning.PaymentStatus{}, dbError("error getting mint quote", err)
	}
	if mintQuote.State == nut04.Expired || mintQuoteExpired(mintQuote) {
		return lightning.PaymentStatus{}, cashu.QuoteExpiredErr
	}

	if _, err := m.markMintQuotePaid(mintQuote.Id); err != nil {
		return lightning.PaymentStatus{}, err
	}

	var preimage string
	if invoice, err := m.lightningClient.InvoiceStatus(meltQuote.PaymentHash); err == nil {
		preimage = invoice.Preimage
	}
	m.logInfof("settled melt quote '%v' internally with mint quote '%v'", meltQuote.Id, mintQuote.Id)
	return lightning.PaymentStatus{Preimage: preimage, PaymentStatus: lightning.Succeeded}, nil
}

// payInvoice makes the payment through the lightning backend.
// If the backend does not report a final outcome, the status is checked
// once more before reporting it as Pending.
func (m *Mint) payInvoice(ctx context.Context, meltQuote storage.MeltQuote) lightning.PaymentStatus {
	payCtx, cancel := context.WithTimeout(ctx, m.meltTimeout)
	defer cancel()

	status, err := m.lightningClient.SendPayment(payCtx, meltQuote.InvoiceRequest, meltQuote.FeeReserve)
	if err == nil {
		return status
	}
	m.logErrorf("error sending payment for melt quote '%v': %v", meltQuote.Id, err)

	statusCtx, cancelStatus := context.WithTimeout(context.WithoutCancel(ctx), paymentStatusTimeout)
	defer cancelStatus()
	status, err = m.lightningClient.OutgoingPaymentStatus(statusCtx, meltQuote.PaymentHash)
	if err != nil {
		if errors.Is(err, lightning.OutgoingPaymentNotFound) {
			return lightning.PaymentStatus{PaymentStatus: lightning.Failed, PaymentFailureReason: "payment not found"}
		}
		m.logErrorf("could not get status of payment for melt quote '%v': %v", meltQuote.Id, err)
		return lightning.PaymentStatus{PaymentStatus: lightning.Pending}
	}
	return status
}

// changeOutputs sets the amounts for the change on the blank outputs.
// It returns the outputs that were used.
func changeOutputs(blankOutputs cashu.BlindedMessages, overpaid uint64) cashu.BlindedMessages {
	if overpaid == 0 || len(blankOutputs) == 0 {
		return nil
	}
	amounts := cashu.AmountSplit(overpaid)
	if len(amounts) > len(blankOutputs) {
		amounts = amounts[:len(blankOutputs)]
	}

	change := make(cashu.BlindedMessages, len(amounts))
	for i, amount := range amounts {
		change[i] = blankOutputs[i]
		change[i].Amount = amount
	}
	return change
}

func (m *Mint) releaseReservation(reservation *Reservation) {
	if err := m.ledger.Release(reservation); err != nil {
		m.logErrorf("could not release proofs for quote '%v': %v", reservation.QuoteId, err)
	}
}
