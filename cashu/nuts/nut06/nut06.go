// Package nut06 contains structs as defined in [NUT-06]
//
// [NUT-06]: https://github.com/cashubtc/nuts/blob/main/06.md
package nut06

import "github.com/nutmint/nutmint/cashu/nuts/nut17"

type MintInfo struct {
	Name            string        `json:"name"`
	Pubkey          string        `json:"pubkey,omitempty"`
	Version         string        `json:"version"`
	Description     string        `json:"description"`
	LongDescription string        `json:"description_long,omitempty"`
	Contact         []ContactInfo `json:"contact,omitempty"`
	Motd            string        `json:"motd,omitempty"`
	URLs            []string      `json:"urls,omitempty"`
	Time            int64         `json:"time,omitempty"`
	Nuts            Nuts          `json:"nuts"`
}

type ContactInfo struct {
	Method string `json:"method"`
	Info   string `json:"info"`
}

type NutSetting struct {
	Methods  []MethodSetting `json:"methods"`
	Disabled bool            `json:"disabled"`
}

type MethodSetting struct {
	Method    string `json:"method"`
	Unit      string `json:"unit"`
	MinAmount uint64 `json:"min_amount,omitempty"`
	MaxAmount uint64 `json:"max_amount,omitempty"`
}

type Supported struct {
	Supported bool `json:"supported"`
}

type Nuts struct {
	Nut04 NutSetting        `json:"4"`
	Nut05 NutSetting        `json:"5"`
	Nut07 Supported         `json:"7"`
	Nut08 Supported         `json:"8"`
	Nut09 Supported         `json:"9"`
	Nut12 Supported         `json:"12"`
	Nut17 nut17.InfoSetting `json:"17"`
	Nut20 Supported         `json:"20"`
}
