package storage

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut04"
	"github.com/nutmint/nutmint/cashu/nuts/nut05"
)

var (
	ErrNotFound = errors.New("not found")
	// one or more proofs in a reservation are already pending or spent
	ErrProofsNotUnspent = errors.New("proofs are not unspent")
	// the quote was not in the state required for the update
	ErrQuoteStateChanged    = errors.New("quote state changed")
	ErrOutputsAlreadySigned = errors.New("outputs already signed")
)

type MintDB interface {
	SaveSeed([]byte) error
	GetSeed() ([]byte, error)

	SaveKeyset(DBKeyset) error
	GetKeysets() ([]DBKeyset, error)
	UpdateKeysetActive(keysetId string, active bool) error

	// ReserveProofs marks the proofs as pending under reservationId.
	// It fails with ErrProofsNotUnspent, changing nothing, if any of
	// them is already pending or spent.
	ReserveProofs(proofs []DBProof, reservationId string) error
	// CommitProofs moves the proofs of the reservation to spent and saves
	// the blind signatures for B_s in the same transaction.
	CommitProofs(reservationId string, B_s []string, blindSignatures cashu.BlindedSignatures) error
	ReleaseProofs(reservationId string) error
	GetProofsUsed(Ys []string) ([]DBProof, error)
	GetPendingProofs(Ys []string) ([]DBProof, error)
	GetPendingProofsByReservation(reservationId string) ([]DBProof, error)
	// GetPendingProofsByQuote returns the proofs reserved for the melt quote.
	GetPendingProofsByQuote(quoteId string) ([]DBProof, error)

	SaveMintQuote(MintQuote) error
	GetMintQuote(string) (MintQuote, error)
	GetMintQuoteByPaymentHash(string) (MintQuote, error)
	UpdateMintQuoteState(quoteId string, state nut04.State) error
	// IssueMintQuote sets a Paid quote to Issued and saves the blind
	// signatures atomically. It returns ErrQuoteStateChanged if the
	// quote was not Paid.
	IssueMintQuote(quoteId, requestHash string, B_s []string, blindSignatures cashu.BlindedSignatures) error

	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(string) (MeltQuote, error)
	GetMeltQuotesByPaymentHash(string) ([]MeltQuote, error)
	GetMeltQuotesByState(states ...nut05.State) ([]MeltQuote, error)
	UpdateMeltQuote(quoteId, preimage string, feePaid uint64, state nut05.State) error

	SaveBlindSignatures(B_s []string, blindSignatures cashu.BlindedSignatures) error
	GetBlindSignature(B_ string) (cashu.BlindedSignature, error)
	// GetBlindSignatures returns the signatures found, keyed by B_.
	GetBlindSignatures(B_s []string) (map[string]cashu.BlindedSignature, error)

	// issued and redeemed ecash amounts per keyset
	GetIssuedEcash() (map[string]uint64, error)
	GetRedeemedEcash() (map[string]uint64, error)

	Close() error
}

type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	InputFeePpk       uint
}

type DBProof struct {
	Y      string
	Amount uint64
	Id     string
	Secret string
	C      string
	// set only for pending proofs
	ReservationId string
	QuoteId       string
}

type MintQuote struct {
	Id             string
	Amount         uint64
	PaymentRequest string
	PaymentHash    string
	State          nut04.State
	Expiry         uint64
	Pubkey         *secp256k1.PublicKey
	// hash of the request that issued the quote
	IssuedRequestHash string
	// B_s of the outputs signed for the quote, in request order
	IssuedOutputs []string
}

type MeltQuote struct {
	Id             string
	InvoiceRequest string
	PaymentHash    string
	Amount         uint64
	FeeReserve     uint64
	State          nut05.State
	Expiry         uint64
	Preimage       string
	FeePaid        uint64
	// paid with an invoice from a mint quote of this mint
	IsInternal bool
}
