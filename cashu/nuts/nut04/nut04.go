// Package nut04 contains structs as defined in [NUT-04]
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import (
	"fmt"

	"github.com/nutmint/nutmint/cashu"
)

type State int

const (
	Unpaid State = iota
	Paid
	Issued
	Expired
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Issued:
		return "ISSUED"
	case Expired:
		return "EXPIRED"
	default:
		return "unknown"
	}
}

func StringToState(state string) (State, error) {
	switch state {
	case "UNPAID":
		return Unpaid, nil
	case "PAID":
		return Paid, nil
	case "ISSUED":
		return Issued, nil
	case "EXPIRED":
		return Expired, nil
	}
	return 0, fmt.Errorf("invalid mint quote state '%v'", state)
}

func (state State) MarshalText() ([]byte, error) {
	return []byte(state.String()), nil
}

func (state *State) UnmarshalText(text []byte) error {
	s, err := StringToState(string(text))
	if err != nil {
		return err
	}
	*state = s
	return nil
}

type PostMintQuoteBolt11Request struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
	// optional key that locks issuance to the holder of its private key
	Pubkey string `json:"pubkey,omitempty"`
}

type PostMintQuoteBolt11Response struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	Amount  uint64 `json:"amount"`
	Unit    string `json:"unit"`
	State   State  `json:"state"`
	Expiry  uint64 `json:"expiry"`
	Pubkey  string `json:"pubkey,omitempty"`
}

type PostMintBolt11Request struct {
	Quote     string                `json:"quote"`
	Outputs   cashu.BlindedMessages `json:"outputs"`
	Signature string                `json:"signature,omitempty"`
}

type PostMintBolt11Response struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
