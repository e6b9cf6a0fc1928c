package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type CLNConfig struct {
	RestURL string
	Rune    string
}

type CLNClient struct {
	config CLNConfig
	client *http.Client
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func SetupCLNClient(config CLNConfig) (*CLNClient, error) {
	if config.RestURL == "" {
		return nil, errors.New("CLN REST URL cannot be empty")
	}
	return &CLNClient{
		config: config,
		client: &http.Client{},
	}, nil
}

// call posts body to the CLN REST method and decodes the result into dst.
func (cln *CLNClient) call(ctx context.Context, method string, body any, dst any) error {
	var jsonData []byte
	if body != nil {
		var err error
		jsonData, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cln.config.RestURL+"/v1/"+method, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Rune", cln.config.Rune)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := cln.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var errRes ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errRes); err != nil {
			return fmt.Errorf("%v: %s", method, bodyBytes)
		}
		return &errRes
	}

	if dst == nil {
		return nil
	}
	return json.Unmarshal(bodyBytes, dst)
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("CLN error %v: %v", e.Code, e.Message)
}

func (cln *CLNClient) ConnectionStatus() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	return cln.call(ctx, "getinfo", nil, nil)
}

func (cln *CLNClient) CreateInvoice(amount uint64) (Invoice, error) {
	body := map[string]any{
		"amount_msat": amount * 1000,
		"label":       uuid.NewString(),
		"description": "Cashu Lightning Invoice",
		"expiry":      InvoiceExpiryTime,
	}

	var response struct {
		Bolt11      string `json:"bolt11"`
		PaymentHash string `json:"payment_hash"`
		ExpiresAt   int64  `json:"expires_at"`
	}
	if err := cln.call(context.Background(), "invoice", body, &response); err != nil {
		return Invoice{}, fmt.Errorf("could not generate invoice: %v", err)
	}

	return Invoice{
		PaymentRequest: response.Bolt11,
		PaymentHash:    response.PaymentHash,
		Amount:         amount,
		Expiry:         uint64(response.ExpiresAt),
	}, nil
}

type clnInvoice struct {
	Label       string `json:"label"`
	Bolt11      string `json:"bolt11"`
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"payment_preimage"`
	AmountMsat  uint64 `json:"amount_msat"`
	Status      string `json:"status"`
	ExpiresAt   int64  `json:"expires_at"`
}

func (inv clnInvoice) invoice() Invoice {
	return Invoice{
		PaymentRequest: inv.Bolt11,
		PaymentHash:    inv.PaymentHash,
		Preimage:       inv.Preimage,
		Settled:        inv.Status == "paid",
		Amount:         inv.AmountMsat / 1000,
		Expiry:         uint64(inv.ExpiresAt),
	}
}

func (cln *CLNClient) listInvoice(ctx context.Context, hash string) (clnInvoice, error) {
	var response struct {
		Invoices []clnInvoice `json:"invoices"`
	}
	body := map[string]string{"payment_hash": hash}
	if err := cln.call(ctx, "listinvoices", body, &response); err != nil {
		return clnInvoice{}, err
	}
	if len(response.Invoices) == 0 {
		return clnInvoice{}, errors.New("invoice not found")
	}
	return response.Invoices[0], nil
}

func (cln *CLNClient) InvoiceStatus(hash string) (Invoice, error) {
	invoice, err := cln.listInvoice(context.Background(), hash)
	if err != nil {
		return Invoice{}, err
	}
	return invoice.invoice(), nil
}

func clnPaymentState(status string) State {
	switch status {
	case "complete":
		return Succeeded
	case "failed":
		return Failed
	default:
		return Pending
	}
}

func (cln *CLNClient) SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error) {
	body := map[string]any{
		"bolt11": request,
		"maxfee": maxFee * 1000,
	}

	var response struct {
		Preimage       string `json:"payment_preimage"`
		Status         string `json:"status"`
		AmountMsat     uint64 `json:"amount_msat"`
		AmountSentMsat uint64 `json:"amount_sent_msat"`
	}
	if err := cln.call(ctx, "pay", body, &response); err != nil {
		var errRes *ErrorResponse
		if errors.As(err, &errRes) {
			return PaymentStatus{PaymentStatus: Failed, PaymentFailureReason: errRes.Message}, nil
		}
		// request did not complete so the outcome is not known
		return PaymentStatus{PaymentStatus: Pending}, err
	}

	status := PaymentStatus{
		Preimage:      response.Preimage,
		PaymentStatus: clnPaymentState(response.Status),
	}
	if response.AmountSentMsat > response.AmountMsat {
		status.FeePaid = (response.AmountSentMsat - response.AmountMsat + 999) / 1000
	}
	return status, nil
}

func (cln *CLNClient) OutgoingPaymentStatus(ctx context.Context, paymentHash string) (PaymentStatus, error) {
	var response struct {
		Pays []struct {
			Status         string `json:"status"`
			Preimage       string `json:"preimage,omitempty"`
			AmountMsat     uint64 `json:"amount_msat"`
			AmountSentMsat uint64 `json:"amount_sent_msat"`
		} `json:"pays"`
	}
	body := map[string]string{"payment_hash": paymentHash}
	if err := cln.call(ctx, "listpays", body, &response); err != nil {
		return PaymentStatus{}, err
	}
	if len(response.Pays) == 0 {
		return PaymentStatus{}, OutgoingPaymentNotFound
	}

	payment := response.Pays[0]
	status := PaymentStatus{
		Preimage:      payment.Preimage,
		PaymentStatus: clnPaymentState(payment.Status),
	}
	if payment.AmountSentMsat > payment.AmountMsat {
		status.FeePaid = (payment.AmountSentMsat - payment.AmountMsat + 999) / 1000
	}
	return status, nil
}

func (cln *CLNClient) FeeReserve(amount uint64) uint64 {
	return feeReserve(amount)
}

func (cln *CLNClient) SubscribeInvoice(ctx context.Context, paymentHash string) (InvoiceSubscriptionClient, error) {
	invoice, err := cln.listInvoice(ctx, paymentHash)
	if err != nil {
		return nil, err
	}

	return &clnInvoiceSub{
		client: cln,
		ctx:    ctx,
		label:  invoice.Label,
	}, nil
}

type clnInvoiceSub struct {
	client *CLNClient
	ctx    context.Context
	label  string
}

// Recv blocks until the invoice is either paid or expired.
func (sub *clnInvoiceSub) Recv() (Invoice, error) {
	var response clnInvoice
	body := map[string]string{"label": sub.label}
	if err := sub.client.call(sub.ctx, "waitinvoice", body, &response); err != nil {
		return Invoice{}, err
	}
	return response.invoice(), nil
}
