// Package nut01 contains structs as defined in [NUT-01]
//
// [NUT-01]: https://github.com/cashubtc/nuts/blob/main/01.md
package nut01

import (
	"bytes"
	"encoding/json"
	"slices"
	"strconv"
)

type GetKeysResponse struct {
	Keysets []Keyset `json:"keysets"`
}

type Keyset struct {
	Id   string  `json:"id"`
	Unit string  `json:"unit"`
	Keys KeysMap `json:"keys"`
}

// KeysMap maps an amount to the hex encoded public key for that amount.
type KeysMap map[uint64]string

// MarshalJSON writes the keys sorted by amount.
func (km KeysMap) MarshalJSON() ([]byte, error) {
	amounts := make([]uint64, 0, len(km))
	for amount := range km {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, amount := range amounts {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(strconv.FormatUint(amount, 10)))
		buf.WriteByte(':')
		pubkey, err := json.Marshal(km[amount])
		if err != nil {
			return nil, err
		}
		buf.Write(pubkey)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
