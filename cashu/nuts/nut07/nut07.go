// Package nut07 contains structs as defined in [NUT-07]
//
// [NUT-07]: https://github.com/cashubtc/nuts/blob/main/07.md
package nut07

import "fmt"

type State int

const (
	Unspent State = iota
	Pending
	Spent
)

func (state State) String() string {
	switch state {
	case Unspent:
		return "UNSPENT"
	case Pending:
		return "PENDING"
	case Spent:
		return "SPENT"
	default:
		return "unknown"
	}
}

func StringToState(state string) (State, error) {
	switch state {
	case "UNSPENT":
		return Unspent, nil
	case "PENDING":
		return Pending, nil
	case "SPENT":
		return Spent, nil
	}
	return 0, fmt.Errorf("invalid proof state '%v'", state)
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

type PostCheckStateRequest struct {
	Ys []string `json:"Ys"`
}

type PostCheckStateResponse struct {
	States []ProofState `json:"states"`
}

type ProofState struct {
	Y       string `json:"Y"`
	State   State  `json:"state"`
	Witness string `json:"witness,omitempty"`
}
