package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// FakeBackend is an in-memory Lightning backend. Invoices it creates
// stay unpaid until PayInvoice or SettleInvoice is called.
type FakeBackend struct {
	// how long outgoing payments take to complete
	PaymentDelay time.Duration
	// outgoing payments fail after the delay
	PaymentFailure bool
	// routing fee charged on outgoing payments
	RoutingFee uint64

	mu            sync.Mutex
	invoices      map[string]Invoice
	payments      map[string]PaymentStatus
	subscribers   map[string][]chan Invoice
	paymentsCount int
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		invoices:    make(map[string]Invoice),
		payments:    make(map[string]PaymentStatus),
		subscribers: make(map[string][]chan Invoice),
	}
}

func (fb *FakeBackend) ConnectionStatus() error { return nil }

func (fb *FakeBackend) CreateInvoice(amount uint64) (Invoice, error) {
	req, preimage, paymentHash, err := CreateFakeInvoice(amount)
	if err != nil {
		return Invoice{}, err
	}

	invoice := Invoice{
		PaymentRequest: req,
		PaymentHash:    paymentHash,
		Preimage:       preimage,
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(InvoiceExpiryTime * time.Second).Unix()),
	}

	fb.mu.Lock()
	fb.invoices[paymentHash] = invoice
	fb.mu.Unlock()

	return invoice, nil
}

func (fb *FakeBackend) InvoiceStatus(hash string) (Invoice, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	invoice, ok := fb.invoices[hash]
	if !ok {
		return Invoice{}, errors.New("invoice does not exist")
	}
	return invoice, nil
}

// PayInvoice settles an invoice created by this backend
// as if it had been paid by someone else.
func (fb *FakeBackend) PayInvoice(request string) error {
	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		return fmt.Errorf("error decoding invoice: %v", err)
	}
	return fb.SettleInvoice(bolt11.PaymentHash)
}

func (fb *FakeBackend) SettleInvoice(hash string) error {
	fb.mu.Lock()
	invoice, ok := fb.invoices[hash]
	if !ok {
		fb.mu.Unlock()
		return errors.New("invoice does not exist")
	}
	invoice.Settled = true
	fb.invoices[hash] = invoice
	subscribers := fb.subscribers[hash]
	delete(fb.subscribers, hash)
	fb.mu.Unlock()

	for _, sub := range subscribers {
		sub <- invoice
	}
	return nil
}

func (fb *FakeBackend) SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error) {
	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		return PaymentStatus{}, fmt.Errorf("error decoding invoice: %v", err)
	}
	hash := bolt11.PaymentHash

	fb.mu.Lock()
	fb.paymentsCount++
	if _, ok := fb.payments[hash]; ok {
		fb.mu.Unlock()
		return PaymentStatus{
			PaymentStatus:        Failed,
			PaymentFailureReason: "invoice is already paid",
		}, nil
	}
	fb.payments[hash] = PaymentStatus{PaymentStatus: Pending}
	fb.mu.Unlock()

	result := fb.paymentResult(maxFee)
	if fb.PaymentDelay > 0 {
		timer := time.NewTimer(fb.PaymentDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			// payment stays in flight and completes in the background
			go func() {
				<-timer.C
				fb.setPayment(hash, result)
			}()
			return PaymentStatus{PaymentStatus: Pending}, ctx.Err()
		}
	}

	fb.setPayment(hash, result)
	return result, nil
}

func (fb *FakeBackend) paymentResult(maxFee uint64) PaymentStatus {
	if fb.PaymentFailure {
		return PaymentStatus{PaymentStatus: Failed, PaymentFailureReason: "no route"}
	}
	if fb.RoutingFee > maxFee {
		return PaymentStatus{PaymentStatus: Failed, PaymentFailureReason: "fee exceeds max fee"}
	}

	var preimage [32]byte
	rand.Read(preimage[:])
	return PaymentStatus{
		Preimage:      hex.EncodeToString(preimage[:]),
		PaymentStatus: Succeeded,
		FeePaid:       fb.RoutingFee,
	}
}

func (fb *FakeBackend) setPayment(hash string, status PaymentStatus) {
	fb.mu.Lock()
	if status.PaymentStatus == Failed {
		// failed payments can be retried
		delete(fb.payments, hash)
		fb.mu.Unlock()
		return
	}
	fb.payments[hash] = status
	_, ownInvoice := fb.invoices[hash]
	fb.mu.Unlock()

	// mints sharing the backend see each other's payments
	if ownInvoice && status.PaymentStatus == Succeeded {
		fb.SettleInvoice(hash)
	}
}

func (fb *FakeBackend) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	status, ok := fb.payments[hash]
	if !ok {
		return PaymentStatus{}, OutgoingPaymentNotFound
	}
	return status, nil
}

// PaymentAttempts returns the number of outgoing payments attempted.
func (fb *FakeBackend) PaymentAttempts() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.paymentsCount
}

func (fb *FakeBackend) FeeReserve(amount uint64) uint64 {
	return feeReserve(amount)
}

func (fb *FakeBackend) SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	invoice, ok := fb.invoices[paymentHash]
	if !ok {
		return nil, errors.New("invoice does not exist")
	}

	updates := make(chan Invoice, 1)
	if invoice.Settled {
		updates <- invoice
	} else {
		fb.subscribers[paymentHash] = append(fb.subscribers[paymentHash], updates)
	}
	return &fakeInvoiceSub{ctx: ctx, updates: updates}, nil
}

type fakeInvoiceSub struct {
	ctx     context.Context
	updates chan Invoice
}

func (sub *fakeInvoiceSub) Recv() (Invoice, error) {
	select {
	case <-sub.ctx.Done():
		return Invoice{}, sub.ctx.Err()
	case invoice := <-sub.updates:
		return invoice, nil
	}
}

// CreateFakeInvoice returns a signet invoice for amount along with its preimage and payment hash.
func CreateFakeInvoice(amount uint64) (string, string, string, error) {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return "", "", "", err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description("test"),
		zpay32.Expiry(InvoiceExpiryTime*time.Second),
	)
	if err != nil {
		return "", "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return nil, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", "", err
	}

	return invoiceStr, preimage, hash, nil
}
