package mint

import (
	"context"
	"errors"
	"time"

	"github.com/nutmint/nutmint/mint/lightning"
)

// checkInvoicePaid should be called in a different goroutine to check in the background
// if the invoice for the quoteId gets paid and update the quote.
// It returns when the invoice is paid, the quote expires or ctx is canceled.
func (m *Mint) checkInvoicePaid(ctx context.Context, quoteId string) {
	mintQuote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		m.logErrorf("could not get mint quote '%v' from db: %v", quoteId, err)
		return
	}

	timeUntilExpiry := time.Until(time.Unix(int64(mintQuote.Expiry), 0))
	ctx, cancel := context.WithTimeout(ctx, timeUntilExpiry)
	defer cancel()

	invoiceSub, err := m.lightningClient.SubscribeInvoice(ctx, mintQuote.PaymentHash)
	if err != nil {
		m.logErrorf("could not subscribe to invoice changes for mint quote '%v': %v", quoteId, err)
		return
	}

	updateChan := make(chan lightning.Invoice, 1)
	errChan := make(chan error, 1)

	go func() {
		for {
			invoice, err := invoiceSub.Recv()
			if err != nil {
				errChan <- err
				return
			}

			// only send on channel if invoice gets settled
			if invoice.Settled {
				updateChan <- invoice
				return
			}
		}
	}()

	select {
	case <-updateChan:
		m.logInfof("received update from invoice sub. Invoice for mint quote '%v' is PAID", quoteId)
		if _, err := m.markMintQuotePaid(quoteId); err != nil {
			m.logErrorf("could not mark mint quote '%v' as PAID: %v", quoteId, err)
		}
	case err := <-errChan:
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			m.logDebugf("canceling invoice subscription for quote '%v'. Context canceled", quoteId)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			m.logDebugf("canceling invoice subscription for quote '%v'. Reached deadline", quoteId)
		default:
			m.logErrorf("error reading from invoice subscription: %v", err)
		}
	case <-ctx.Done():
		m.logDebugf("canceling invoice subscription for quote '%v': %v", quoteId, ctx.Err())
	}
}
