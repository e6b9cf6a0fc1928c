// Package nut05 contains structs as defined in [NUT-05]
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import (
	"fmt"

	"github.com/nutmint/nutmint/cashu"
)

type State int

const (
	Unpaid State = iota
	Pending
	Paid
	// the outcome of the outgoing payment could not be determined
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	default:
		return "UNKNOWN"
	}
}

func StringToState(state string) (State, error) {
	switch state {
	case "UNPAID":
		return Unpaid, nil
	case "PENDING":
		return Pending, nil
	case "PAID":
		return Paid, nil
	case "UNKNOWN":
		return Unknown, nil
	}
	return 0, fmt.Errorf("invalid melt quote state '%v'", state)
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

type PostMeltQuoteBolt11Request struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string                  `json:"quote"`
	Request    string                  `json:"request,omitempty"`
	Amount     uint64                  `json:"amount"`
	FeeReserve uint64                  `json:"fee_reserve"`
	State      State                   `json:"state"`
	Expiry     uint64                  `json:"expiry"`
	Preimage   string                  `json:"payment_preimage,omitempty"`
	AmountPaid uint64                  `json:"amount_paid"`
	FeePaid    uint64                  `json:"fee_paid"`
	Change     cashu.BlindedSignatures `json:"change,omitempty"`
}

type PostMeltBolt11Request struct {
	Quote  string       `json:"quote"`
	Inputs cashu.Proofs `json:"inputs"`
	// blank outputs for returning overpaid fees
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}
