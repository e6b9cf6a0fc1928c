// Package nut13 implements deterministic secret derivation as defined in [NUT-13]
//
// [NUT-13]: https://github.com/cashubtc/nuts/blob/main/13.md
package nut13

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const purpose = 129372

// KeysetInt maps a keyset id to the index used in its derivation path.
func KeysetInt(keysetId string) (uint32, error) {
	keysetBytes, err := hex.DecodeString(keysetId)
	if err != nil {
		return 0, err
	}
	if len(keysetBytes) != 8 {
		return 0, fmt.Errorf("invalid keyset id length: %v", len(keysetBytes))
	}
	return uint32(binary.BigEndian.Uint64(keysetBytes) % (1<<31 - 1)), nil
}

// DeriveKeysetPath returns the key at m/129372'/0'/keyset_k_int'
func DeriveKeysetPath(master *hdkeychain.ExtendedKey, keysetId string) (*hdkeychain.ExtendedKey, error) {
	keysetInt, err := KeysetInt(keysetId)
	if err != nil {
		return nil, err
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + purpose,
		hdkeychain.HardenedKeyStart + 0,
		hdkeychain.HardenedKeyStart + keysetInt,
	}
	key := master
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, err
		}
	}
	return key, nil
}

// DeriveSecret returns the hex secret at .../counter'/0
func DeriveSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, error) {
	key, err := deriveCounterKey(keysetPath, counter, 0)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key.Serialize()), nil
}

// DeriveBlindingFactor returns the blinding factor at .../counter'/1
func DeriveBlindingFactor(keysetPath *hdkeychain.ExtendedKey, counter uint32) (*secp256k1.PrivateKey, error) {
	return deriveCounterKey(keysetPath, counter, 1)
}

// DeriveSecretAndBlindingFactor returns the secret and blinding factor
// for a counter. Same inputs always give the same outputs.
func DeriveSecretAndBlindingFactor(
	keysetPath *hdkeychain.ExtendedKey,
	counter uint32,
) (string, *secp256k1.PrivateKey, error) {
	secret, err := DeriveSecret(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	r, err := DeriveBlindingFactor(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}
	return secret, r, nil
}

func deriveCounterKey(keysetPath *hdkeychain.ExtendedKey, counter, child uint32) (*secp256k1.PrivateKey, error) {
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return nil, err
	}
	childPath, err := counterPath.Derive(child)
	if err != nil {
		return nil, err
	}
	return childPath.ECPrivKey()
}
