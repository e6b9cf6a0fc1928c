// Package cashu contains the core structs and logic
// of the Cashu protocol.
package cashu

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"slices"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"
)

type Unit int

const (
	Sat Unit = iota

	BOLT11_METHOD = "bolt11"
)

func (unit Unit) String() string {
	switch unit {
	case Sat:
		return "sat"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidTokenV4 = errors.New("invalid V4 token")
	ErrInvalidUnit    = errors.New("invalid unit")
	ErrAmountOverflow = errors.New("amount overflow")
)

// Cashu BlindedMessage. See https://github.com/cashubtc/nuts/blob/main/00.md#blindedmessage
type BlindedMessage struct {
	Amount uint64 `json:"amount"`
	B_     string `json:"B_"`
	Id     string `json:"id"`
}

func NewBlindedMessage(id string, amount uint64, B_ *secp256k1.PublicKey) BlindedMessage {
	B_str := hex.EncodeToString(B_.SerializeCompressed())
	return BlindedMessage{Amount: amount, B_: B_str, Id: id}
}

type BlindedMessages []BlindedMessage

// Amount returns the sum of the amounts in the blinded messages.
// It returns ErrAmountOverflow if the sum does not fit in a uint64.
func (bm BlindedMessages) Amount() (uint64, error) {
	var totalAmount uint64
	for _, msg := range bm {
		var err error
		totalAmount, err = AddAmounts(totalAmount, msg.Amount)
		if err != nil {
			return 0, err
		}
	}
	return totalAmount, nil
}

// Cashu BlindedSignature. See https://github.com/cashubtc/nuts/blob/main/00.md#blindsignature
type BlindedSignature struct {
	Amount uint64 `json:"amount"`
	C_     string `json:"C_"`
	Id     string `json:"id"`
	// pointer so that omitempty works
	DLEQ *DLEQProof `json:"dleq,omitempty"`
}

type BlindedSignatures []BlindedSignature

func (bs BlindedSignatures) Amount() uint64 {
	var totalAmount uint64
	for _, sig := range bs {
		totalAmount += sig.Amount
	}
	return totalAmount
}

// Cashu Proof. See https://github.com/cashubtc/nuts/blob/main/00.md#proof
type Proof struct {
	Amount uint64     `json:"amount"`
	Id     string     `json:"id"`
	Secret string     `json:"secret"`
	C      string     `json:"C"`
	DLEQ   *DLEQProof `json:"dleq,omitempty"`
}

type Proofs []Proof

type DLEQProof struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r,omitempty"`
}

// Amount returns the total amount from
// the array of Proof
func (proofs Proofs) Amount() uint64 {
	var totalAmount uint64
	for _, proof := range proofs {
		totalAmount += proof.Amount
	}
	return totalAmount
}

// CheckedAmount is like Amount but reports an overflow
// instead of wrapping around.
func (proofs Proofs) CheckedAmount() (uint64, error) {
	var totalAmount uint64
	for _, proof := range proofs {
		var err error
		totalAmount, err = AddAmounts(totalAmount, proof.Amount)
		if err != nil {
			return 0, err
		}
	}
	return totalAmount, nil
}

// Cashu token. See https://github.com/cashubtc/nuts/blob/main/00.md#v4-tokens
type TokenV4 struct {
	TokenProofs []TokenV4Proof `cbor:"t"`
	Memo        string         `cbor:"d,omitempty"`
	MintURL     string         `cbor:"m"`
	Unit        string         `cbor:"u"`
}

type TokenV4Proof struct {
	Id     []byte    `cbor:"i"`
	Proofs []ProofV4 `cbor:"p"`
}

type ProofV4 struct {
	Amount uint64  `cbor:"a"`
	Secret string  `cbor:"s"`
	C      []byte  `cbor:"c"`
	DLEQ   *DLEQV4 `cbor:"d,omitempty"`
}

type DLEQV4 struct {
	E []byte `cbor:"e"`
	S []byte `cbor:"s"`
	R []byte `cbor:"r"`
}

func NewTokenV4(proofs Proofs, mint string, unit Unit, includeDLEQ bool) (TokenV4, error) {
	if unit != Sat {
		return TokenV4{}, ErrInvalidUnit
	}

	// keep keysets in the order they first appear
	var keysetIds []string
	proofsByKeyset := make(map[string][]ProofV4)
	for _, proof := range proofs {
		C, err := hex.DecodeString(proof.C)
		if err != nil {
			return TokenV4{}, fmt.Errorf("invalid C: %v", err)
		}
		proofV4 := ProofV4{
			Amount: proof.Amount,
			Secret: proof.Secret,
			C:      C,
		}
		if includeDLEQ && proof.DLEQ != nil {
			dleq, err := dleqV4(*proof.DLEQ)
			if err != nil {
				return TokenV4{}, err
			}
			proofV4.DLEQ = dleq
		}

		if _, ok := proofsByKeyset[proof.Id]; !ok {
			keysetIds = append(keysetIds, proof.Id)
		}
		proofsByKeyset[proof.Id] = append(proofsByKeyset[proof.Id], proofV4)
	}

	tokenProofs := make([]TokenV4Proof, len(keysetIds))
	for i, id := range keysetIds {
		keysetIdBytes, err := hex.DecodeString(id)
		if err != nil {
			return TokenV4{}, fmt.Errorf("invalid keyset id: %v", err)
		}
		tokenProofs[i] = TokenV4Proof{Id: keysetIdBytes, Proofs: proofsByKeyset[id]}
	}

	return TokenV4{MintURL: mint, Unit: unit.String(), TokenProofs: tokenProofs}, nil
}

func dleqV4(dleq DLEQProof) (*DLEQV4, error) {
	e, err := hex.DecodeString(dleq.E)
	if err != nil {
		return nil, fmt.Errorf("invalid e in DLEQ proof: %v", err)
	}
	s, err := hex.DecodeString(dleq.S)
	if err != nil {
		return nil, fmt.Errorf("invalid s in DLEQ proof: %v", err)
	}
	if len(dleq.R) == 0 {
		return nil, errors.New("r in DLEQ proof cannot be empty")
	}
	r, err := hex.DecodeString(dleq.R)
	if err != nil {
		return nil, fmt.Errorf("invalid r in DLEQ proof: %v", err)
	}
	return &DLEQV4{E: e, S: s, R: r}, nil
}

func DecodeTokenV4(tokenstr string) (*TokenV4, error) {
	if len(tokenstr) < 6 || tokenstr[:6] != "cashuB" {
		return nil, ErrInvalidTokenV4
	}
	base64Token := tokenstr[6:]

	tokenBytes, err := base64.RawURLEncoding.DecodeString(base64Token)
	if err != nil {
		tokenBytes, err = base64.URLEncoding.DecodeString(base64Token)
		if err != nil {
			return nil, fmt.Errorf("error decoding token: %v", err)
		}
	}

	var tokenV4 TokenV4
	if err := cbor.Unmarshal(tokenBytes, &tokenV4); err != nil {
		return nil, fmt.Errorf("cbor.Unmarshal: %v", err)
	}

	return &tokenV4, nil
}

func (t TokenV4) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tokenProof := range t.TokenProofs {
		keysetId := hex.EncodeToString(tokenProof.Id)
		for _, proofV4 := range tokenProof.Proofs {
			proof := Proof{
				Amount: proofV4.Amount,
				Id:     keysetId,
				Secret: proofV4.Secret,
				C:      hex.EncodeToString(proofV4.C),
			}
			if proofV4.DLEQ != nil {
				proof.DLEQ = &DLEQProof{
					E: hex.EncodeToString(proofV4.DLEQ.E),
					S: hex.EncodeToString(proofV4.DLEQ.S),
					R: hex.EncodeToString(proofV4.DLEQ.R),
				}
			}
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

func (t TokenV4) Amount() uint64 {
	return t.Proofs().Amount()
}

func (t TokenV4) Serialize() (string, error) {
	cborData, err := cbor.Marshal(t)
	if err != nil {
		return "", err
	}

	return "cashuB" + base64.RawURLEncoding.EncodeToString(cborData), nil
}

// Given an amount, it returns list of amounts e.g 13 -> [1, 4, 8]
// that can be used to build blinded messages or split operations.
func AmountSplit(amount uint64) []uint64 {
	rv := make([]uint64, 0, bits.OnesCount64(amount))
	for pos := 0; amount > 0; pos++ {
		if amount&1 == 1 {
			rv = append(rv, 1<<pos)
		}
		amount >>= 1
	}
	return rv
}

// IsValidAmount reports whether amount is a supported denomination (a power of 2).
func IsValidAmount(amount uint64) bool {
	return amount != 0 && amount&(amount-1) == 0
}

func AddAmounts(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrAmountOverflow
	}
	return sum, nil
}

func CheckDuplicateProofs(proofs Proofs) bool {
	secrets := make(map[string]bool, len(proofs))
	for _, proof := range proofs {
		if secrets[proof.Secret] {
			return true
		}
		secrets[proof.Secret] = true
	}
	return false
}

func CheckDuplicateBlindedMessages(bms BlindedMessages) bool {
	B_s := make([]string, len(bms))
	for i, bm := range bms {
		B_s[i] = bm.B_
	}
	slices.Sort(B_s)
	return len(slices.Compact(B_s)) != len(bms)
}
