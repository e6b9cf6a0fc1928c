package storage

import (
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut04"
	"github.com/nutmint/nutmint/cashu/nuts/nut05"
	"github.com/nutmint/nutmint/crypto"
)

type WalletDB interface {
	SaveMnemonicSeed(mnemonic string, seed []byte) error
	GetMnemonic() string
	GetSeed() []byte

	SaveProofs(cashu.Proofs) error
	GetProofs() cashu.Proofs
	GetProofsByKeysetId(string) cashu.Proofs
	DeleteProof(secret string) error

	// proofs sent to the mint in a melt whose outcome is not final yet
	AddPendingProofsByQuoteId(cashu.Proofs, string) error
	GetPendingProofs() []DBProof
	GetPendingProofsByQuoteId(string) []DBProof
	DeletePendingProofsByQuoteId(string) error

	SaveKeyset(*crypto.WalletKeyset) error
	// keysets grouped by mint url
	GetKeysets() map[string][]crypto.WalletKeyset
	GetKeyset(string) *crypto.WalletKeyset
	IncrementKeysetCounter(string, uint32) error
	GetKeysetCounter(string) uint32

	SaveMintQuote(MintQuote) error
	GetMintQuotes() []MintQuote
	GetMintQuoteById(string) *MintQuote

	SaveMeltQuote(MeltQuote) error
	GetMeltQuotes() []MeltQuote
	GetMeltQuoteById(string) *MeltQuote

	Close() error
}

type DBProof struct {
	Y      string           `json:"y"`
	Amount uint64           `json:"amount"`
	Id     string           `json:"id"`
	Secret string           `json:"secret"`
	C      string           `json:"c"`
	DLEQ   *cashu.DLEQProof `json:"dleq,omitempty"`
	// set if proofs are tied to a melt quote
	MeltQuoteId string `json:"quote_id"`
}

func (p DBProof) Proof() cashu.Proof {
	return cashu.Proof{Amount: p.Amount, Id: p.Id, Secret: p.Secret, C: p.C, DLEQ: p.DLEQ}
}

type MintQuote struct {
	QuoteId        string      `json:"id"`
	Mint           string      `json:"mint"`
	Method         string      `json:"method"`
	State          nut04.State `json:"state"`
	Unit           string      `json:"unit"`
	PaymentRequest string      `json:"payment_request"`
	Amount         uint64      `json:"amount"`
	CreatedAt      int64       `json:"created_at"`
	SettledAt      int64       `json:"settled_at,omitempty"`
	QuoteExpiry    uint64      `json:"quote_expiry"`
	// hex private key for the NUT-20 signature
	PrivateKey string `json:"private_key,omitempty"`
}

type MeltQuote struct {
	QuoteId        string      `json:"id"`
	Mint           string      `json:"mint"`
	Method         string      `json:"method"`
	State          nut05.State `json:"state"`
	Unit           string      `json:"unit"`
	PaymentRequest string      `json:"payment_request"`
	Amount         uint64      `json:"amount"`
	FeeReserve     uint64      `json:"fee_reserve"`
	Preimage       string      `json:"preimage,omitempty"`
	CreatedAt      int64       `json:"created_at"`
	SettledAt      int64       `json:"settled_at,omitempty"`
	QuoteExpiry    uint64      `json:"quote_expiry"`
}
