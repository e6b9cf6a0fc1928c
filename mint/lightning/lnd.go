package lightning

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"gopkg.in/macaroon.v2"
)

type LndConfig struct {
	GRPCHost string
	Cert     credentials.TransportCredentials
	Macaroon macaroons.MacaroonCredential
}

type LndClient struct {
	grpcClient     lnrpc.LightningClient
	routerClient   routerrpc.RouterClient
	invoicesClient invoicesrpc.InvoicesClient
}

// LoadLndConfig reads the TLS cert and macaroon from disk.
func LoadLndConfig(host, certPath, macaroonPath string) (LndConfig, error) {
	if host == "" {
		return LndConfig{}, errors.New("LND gRPC host cannot be empty")
	}
	creds, err := credentials.NewClientTLSFromFile(certPath, "")
	if err != nil {
		return LndConfig{}, fmt.Errorf("error reading cert '%v': %v", certPath, err)
	}

	macaroonBytes, err := os.ReadFile(macaroonPath)
	if err != nil {
		return LndConfig{}, fmt.Errorf("error reading macaroon: os.ReadFile %v", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macaroonBytes); err != nil {
		return LndConfig{}, fmt.Errorf("unable to decode macaroon '%v': %v", macaroonPath, err)
	}
	macaroonCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return LndConfig{}, fmt.Errorf("error setting macaroon creds: %v", err)
	}

	return LndConfig{GRPCHost: host, Cert: creds, Macaroon: macaroonCreds}, nil
}

func SetupLndClient(config LndConfig) (*LndClient, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(config.Cert),
		grpc.WithPerRPCCredentials(config.Macaroon),
	}

	conn, err := grpc.NewClient(config.GRPCHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("error setting up grpc client: %v", err)
	}

	return &LndClient{
		grpcClient:     lnrpc.NewLightningClient(conn),
		routerClient:   routerrpc.NewRouterClient(conn),
		invoicesClient: invoicesrpc.NewInvoicesClient(conn),
	}, nil
}

func (lnd *LndClient) ConnectionStatus() error {
	_, err := lnd.grpcClient.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	return err
}

func (lnd *LndClient) CreateInvoice(amount uint64) (Invoice, error) {
	invoiceRequest := lnrpc.Invoice{
		Value:  int64(amount),
		Expiry: InvoiceExpiryTime,
	}

	response, err := lnd.grpcClient.AddInvoice(context.Background(), &invoiceRequest)
	if err != nil {
		return Invoice{}, fmt.Errorf("could not generate invoice: %v", err)
	}

	return Invoice{
		PaymentRequest: response.PaymentRequest,
		PaymentHash:    hex.EncodeToString(response.RHash),
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(InvoiceExpiryTime * time.Second).Unix()),
	}, nil
}

func (lnd *LndClient) InvoiceStatus(hash string) (Invoice, error) {
	paymentHash, err := hex.DecodeString(hash)
	if err != nil {
		return Invoice{}, fmt.Errorf("invalid payment hash: %v", err)
	}

	invoice, err := lnd.grpcClient.LookupInvoice(context.Background(), &lnrpc.PaymentHash{RHash: paymentHash})
	if err != nil {
		return Invoice{}, err
	}
	return lndInvoice(invoice), nil
}

func lndInvoice(invoice *lnrpc.Invoice) Invoice {
	return Invoice{
		PaymentRequest: invoice.PaymentRequest,
		PaymentHash:    hex.EncodeToString(invoice.RHash),
		Preimage:       hex.EncodeToString(invoice.RPreimage),
		Settled:        invoice.State == lnrpc.Invoice_SETTLED,
		Amount:         uint64(invoice.Value),
		Expiry:         uint64(invoice.CreationDate + invoice.Expiry),
	}
}

func (lnd *LndClient) SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error) {
	sendPaymentRequest := lnrpc.SendRequest{
		PaymentRequest: request,
		FeeLimit: &lnrpc.FeeLimit{
			Limit: &lnrpc.FeeLimit_Fixed{Fixed: int64(maxFee)},
		},
	}

	response, err := lnd.grpcClient.SendPaymentSync(ctx, &sendPaymentRequest)
	if err != nil {
		// outcome unknown if the call did not complete
		if ctx.Err() != nil || status.Code(err) == codes.DeadlineExceeded {
			return PaymentStatus{PaymentStatus: Pending}, err
		}
		return PaymentStatus{PaymentStatus: Failed, PaymentFailureReason: err.Error()}, nil
	}
	if len(response.PaymentError) > 0 {
		return PaymentStatus{PaymentStatus: Failed, PaymentFailureReason: response.PaymentError}, nil
	}

	var feePaid uint64
	if response.PaymentRoute != nil {
		feePaid = uint64(response.PaymentRoute.TotalFees)
	}
	return PaymentStatus{
		Preimage:      hex.EncodeToString(response.PaymentPreimage),
		PaymentStatus: Succeeded,
		FeePaid:       feePaid,
	}, nil
}

func (lnd *LndClient) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	paymentHash, err := hex.DecodeString(hash)
	if err != nil {
		return PaymentStatus{}, fmt.Errorf("invalid payment hash: %v", err)
	}

	trackPaymentRequest := routerrpc.TrackPaymentRequest{
		PaymentHash: paymentHash,
		// only get final update
		NoInflightUpdates: true,
	}

	trackPaymentStream, err := lnd.routerClient.TrackPaymentV2(ctx, &trackPaymentRequest)
	if err != nil {
		return PaymentStatus{}, err
	}

	payment, err := trackPaymentStream.Recv()
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return PaymentStatus{}, OutgoingPaymentNotFound
		}
		if ctx.Err() != nil {
			return PaymentStatus{PaymentStatus: Pending}, nil
		}
		return PaymentStatus{}, err
	}

	switch payment.Status {
	case lnrpc.Payment_SUCCEEDED:
		return PaymentStatus{
			Preimage:      payment.PaymentPreimage,
			PaymentStatus: Succeeded,
			FeePaid:       uint64(payment.FeeSat),
		}, nil
	case lnrpc.Payment_FAILED:
		return PaymentStatus{
			PaymentStatus:        Failed,
			PaymentFailureReason: payment.FailureReason.String(),
		}, nil
	default:
		return PaymentStatus{PaymentStatus: Pending}, nil
	}
}

func (lnd *LndClient) FeeReserve(amount uint64) uint64 {
	return feeReserve(amount)
}

func (lnd *LndClient) SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error) {
	hash, err := hex.DecodeString(paymentHash)
	if err != nil {
		return nil, fmt.Errorf("invalid payment hash: %v", err)
	}

	invoiceSub, err := lnd.invoicesClient.SubscribeSingleInvoice(
		ctx,
		&invoicesrpc.SubscribeSingleInvoiceRequest{RHash: hash},
	)
	if err != nil {
		return nil, err
	}
	return &lndInvoiceClient{client: invoiceSub}, nil
}

type lndInvoiceClient struct {
	client invoicesrpc.Invoices_SubscribeSingleInvoiceClient
}

func (lndInvoiceSub *lndInvoiceClient) Recv() (Invoice, error) {
	invoice, err := lndInvoiceSub.client.Recv()
	if err != nil {
		return Invoice{}, err
	}
	return lndInvoice(invoice), nil
}
