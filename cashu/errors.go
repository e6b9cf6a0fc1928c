package cashu

import "errors"

type CashuErrCode int

// Error represents an error to be returned by the mint
type Error struct {
	Detail string       `json:"detail"`
	Code   CashuErrCode `json:"code"`
}

func BuildCashuError(detail string, code CashuErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

// Kind classifies the error so callers can decide
// whether to retry, re-query state or reconcile.
func (e Error) Kind() ErrorKind {
	switch e.Code {
	case MeltQuoteAlreadyPaidErrCode:
		return AlreadyPaid
	case QuoteExpiredErrCode:
		return Expired
	case ProofAlreadyUsedErrCode,
		BlindedMessageAlreadySignedErrCode,
		MintQuoteRequestNotPaidErrCode,
		MintQuoteAlreadyIssuedErrCode,
		MintRequestConflictErrCode,
		MeltQuotePendingErrCode,
		QuoteStateErrCode:
		return StateConflict
	case StandardErrCode,
		DBErrCode,
		LightningBackendErrCode,
		LightningPaymentErrCode:
		return ExternalUnavailable
	default:
		return ProtocolViolation
	}
}

type ErrorKind int

const (
	ProtocolViolation ErrorKind = iota
	StateConflict
	AlreadyPaid
	ExternalUnavailable
	Expired
)

func (k ErrorKind) String() string {
	switch k {
	case ProtocolViolation:
		return "protocol violation"
	case StateConflict:
		return "state conflict"
	case AlreadyPaid:
		return "already paid"
	case ExternalUnavailable:
		return "external unavailable"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// KindOf returns the kind of a Cashu error anywhere in err's chain.
// Errors that are not Cashu errors are reported as ExternalUnavailable.
func KindOf(err error) ErrorKind {
	var cashuErr Error
	if errors.As(err, &cashuErr) {
		return cashuErr.Kind()
	}
	var cashuErrPtr *Error
	if errors.As(err, &cashuErrPtr) {
		return cashuErrPtr.Kind()
	}
	return ExternalUnavailable
}

// Common error codes
const (
	StandardErrCode CashuErrCode = 10000
	// These will never be returned in a response.
	// Using them to identify internally where
	// the error originated and log appropriately
	DBErrCode               CashuErrCode = 1
	LightningBackendErrCode CashuErrCode = 2

	InvalidRequestErrCode              CashuErrCode = 10001
	BlindedMessageAlreadySignedErrCode CashuErrCode = 10002
	InvalidProofErrCode                CashuErrCode = 10003

	ProofAlreadyUsedErrCode        CashuErrCode = 11001
	InsufficientProofAmountErrCode CashuErrCode = 11002
	UnitErrCode                    CashuErrCode = 11005
	AmountLimitExceeded            CashuErrCode = 11006
	PaymentMethodErrCode           CashuErrCode = 11007

	UnknownKeysetErrCode  CashuErrCode = 12001
	InactiveKeysetErrCode CashuErrCode = 12002

	MintQuoteRequestNotPaidErrCode CashuErrCode = 20001
	MintQuoteAlreadyIssuedErrCode  CashuErrCode = 20002
	MintingDisabledErrCode         CashuErrCode = 20003
	LightningPaymentErrCode        CashuErrCode = 20004
	MeltQuotePendingErrCode        CashuErrCode = 20005
	MeltQuoteAlreadyPaidErrCode    CashuErrCode = 20006
	QuoteExpiredErrCode            CashuErrCode = 20007
	MintQuoteInvalidSigErrCode     CashuErrCode = 20008
	QuoteNotExistErrCode           CashuErrCode = 20009
	MintRequestConflictErrCode     CashuErrCode = 20010
	QuoteStateErrCode              CashuErrCode = 20011
)

var (
	StandardErr                  = Error{Detail: "mint is currently unable to process request", Code: StandardErrCode}
	EmptyBodyErr                 = Error{Detail: "request body cannot be empty", Code: InvalidRequestErrCode}
	InvalidRequestErr            = Error{Detail: "invalid request", Code: InvalidRequestErrCode}
	AmountOverflowErr            = Error{Detail: "amount overflow", Code: InvalidRequestErrCode}
	UnknownKeysetErr             = Error{Detail: "unknown keyset", Code: UnknownKeysetErrCode}
	InactiveKeysetSignatureErr   = Error{Detail: "requested signature from inactive keyset", Code: InactiveKeysetErrCode}
	PaymentMethodNotSupportedErr = Error{Detail: "payment method not supported", Code: PaymentMethodErrCode}
	UnitNotSupportedErr          = Error{Detail: "unit not supported", Code: UnitErrCode}
	InvalidBlindedMessageAmount  = Error{Detail: "invalid amount in blinded message", Code: InvalidRequestErrCode}
	InvalidBlindedMessageErr     = Error{Detail: "invalid blinded message", Code: InvalidRequestErrCode}
	DuplicateOutputsErr          = Error{Detail: "duplicate outputs", Code: InvalidRequestErrCode}
	BlindedMessageAlreadySigned  = Error{Detail: "blinded message already signed", Code: BlindedMessageAlreadySignedErrCode}
	QuoteNotExistErr             = Error{Detail: "quote does not exist", Code: QuoteNotExistErrCode}
	QuoteExpiredErr              = Error{Detail: "quote expired", Code: QuoteExpiredErrCode}

	MintQuoteRequestNotPaid   = Error{Detail: "quote request has not been paid", Code: MintQuoteRequestNotPaidErrCode}
	MintQuoteAlreadyIssued    = Error{Detail: "quote already issued", Code: MintQuoteAlreadyIssuedErrCode}
	MintRequestConflictErr    = Error{Detail: "quote already issued for a different request", Code: MintRequestConflictErrCode}
	MintingDisabled           = Error{Detail: "minting is disabled", Code: MintingDisabledErrCode}
	MintAmountExceededErr     = Error{Detail: "max amount for minting exceeded", Code: AmountLimitExceeded}
	MintQuoteInvalidSigErr    = Error{Detail: "mint quote with pubkey but no valid signature provided", Code: MintQuoteInvalidSigErrCode}
	OutputsOverQuoteAmountErr = Error{Detail: "sum of the output amounts is greater than quote amount", Code: InvalidRequestErrCode}
	MaxBalanceExceededErr     = Error{Detail: "mint max balance exceeded", Code: AmountLimitExceeded}

	ProofAlreadyUsedErr      = Error{Detail: "proof already used", Code: ProofAlreadyUsedErrCode}
	ProofPendingErr          = Error{Detail: "proof is pending", Code: ProofAlreadyUsedErrCode}
	InvalidProofErr          = Error{Detail: "invalid proof", Code: InvalidProofErrCode}
	NoProofsProvided         = Error{Detail: "no proofs provided", Code: InvalidProofErrCode}
	DuplicateProofs          = Error{Detail: "duplicate proofs", Code: InvalidProofErrCode}
	InsufficientProofsAmount = Error{
		Detail: "amount of input proofs is below amount needed for transaction",
		Code:   InsufficientProofAmountErrCode,
	}
	InputsOutputsMismatchErr = Error{Detail: "amount of inputs does not match amount of outputs", Code: InsufficientProofAmountErrCode}

	MeltQuotePending      = Error{Detail: "quote is pending", Code: MeltQuotePendingErrCode}
	MeltQuoteAlreadyPaid  = Error{Detail: "invoice already paid", Code: MeltQuoteAlreadyPaidErrCode}
	MeltAmountExceededErr = Error{Detail: "max amount for melting exceeded", Code: AmountLimitExceeded}
	MeltQuoteStateErr     = Error{Detail: "quote is not in a state that allows melting", Code: QuoteStateErrCode}
	InvalidPaymentRequest = Error{Detail: "invalid payment request", Code: InvalidRequestErrCode}
	InternalAmountMismatch = Error{
		Detail: "amount of internal invoice does not match melt quote amount",
		Code:   InvalidRequestErrCode,
	}
	LightningPaymentFailedErr = Error{Detail: "lightning payment failed", Code: LightningPaymentErrCode}
	LightningPaymentTimeout   = Error{Detail: "lightning payment timed out, inputs released", Code: LightningPaymentErrCode}
)
