package lightning

import (
	"context"
	"errors"
)

const (
	// seconds
	InvoiceExpiryTime = 3600
	FeePercent        = 1
)

var (
	OutgoingPaymentNotFound = errors.New("outgoing payment not found")
)

// Client interface to interact with a Lightning backend
type Client interface {
	ConnectionStatus() error
	CreateInvoice(amount uint64) (Invoice, error)
	InvoiceStatus(hash string) (Invoice, error)
	// SendPayment pays the request without spending more than maxFee sats on fees.
	// If ctx is done before the outcome is known, the returned status is Pending.
	SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error)
	OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error)
	FeeReserve(amount uint64) uint64
	SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error)
}

type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Preimage       string
	Settled        bool
	Amount         uint64
	Expiry         uint64
}

type State int

const (
	Succeeded State = iota
	Failed
	Pending
)

func (s State) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

type PaymentStatus struct {
	Preimage             string
	PaymentStatus        State
	PaymentFailureReason string
	// sats paid in routing fees
	FeePaid uint64
}

type InvoiceSubscriptionClient interface {
	// Recv blocks until there is an update to the invoice
	Recv() (Invoice, error)
}

// FeePercent of amount, rounded up
func feeReserve(amount uint64) uint64 {
	return (amount*FeePercent + 99) / 100
}
