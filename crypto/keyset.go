package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const maxOrder = 64

type MintKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	InputFeePpk       uint
	Keys              map[uint64]KeyPair
}

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// GenerateKeyset derives a keyset from the master key at m/0'/0'/derivationPathIdx'.
// The key for amount 2^i is the hardened child i of that path.
func GenerateKeyset(
	master *hdkeychain.ExtendedKey,
	derivationPathIdx uint32,
	inputFeePpk uint,
	active bool,
) (*MintKeyset, error) {
	// m/0'
	unitPath, err := master.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}
	// m/0'/0'
	satPath, err := unitPath.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}
	// m/0'/0'/idx'
	keysetPath, err := satPath.Derive(hdkeychain.HardenedKeyStart + derivationPathIdx)
	if err != nil {
		return nil, err
	}

	keys := make(map[uint64]KeyPair, maxOrder)
	publicKeys := make(map[uint64]*secp256k1.PublicKey, maxOrder)
	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		amountPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + uint32(i))
		if err != nil {
			return nil, err
		}
		privateKey, err := amountPath.ECPrivKey()
		if err != nil {
			return nil, err
		}
		keys[amount] = KeyPair{PrivateKey: privateKey, PublicKey: privateKey.PubKey()}
		publicKeys[amount] = privateKey.PubKey()
	}

	return &MintKeyset{
		Id:                DeriveKeysetId(publicKeys),
		Unit:              "sat",
		Active:            active,
		DerivationPathIdx: derivationPathIdx,
		InputFeePpk:       inputFeePpk,
		Keys:              keys,
	}, nil
}

// DeriveKeysetId returns "00" + the first 14 hex characters of
// sha256 over the compressed public keys sorted by amount.
func DeriveKeysetId(keyset map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keyset))
	for amount := range keyset {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	hash := sha256.New()
	for _, amount := range amounts {
		hash.Write(keyset[amount].SerializeCompressed())
	}

	return "00" + hex.EncodeToString(hash.Sum(nil))[:14]
}

func (ks *MintKeyset) PublicKeys() map[uint64]string {
	pubkeys := make(map[uint64]string, len(ks.Keys))
	for amount, key := range ks.Keys {
		pubkeys[amount] = hex.EncodeToString(key.PublicKey.SerializeCompressed())
	}
	return pubkeys
}

type WalletKeyset struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  map[uint64]*secp256k1.PublicKey
	InputFeePpk uint
	// next unused index for deterministic secrets
	Counter uint32
}

type walletKeysetJSON struct {
	Id          string            `json:"id"`
	MintURL     string            `json:"mint_url"`
	Unit        string            `json:"unit"`
	Active      bool              `json:"active"`
	PublicKeys  map[uint64]string `json:"public_keys"`
	Counter     uint32            `json:"counter"`
	InputFeePpk uint              `json:"input_fee_ppk"`
}

func (wk WalletKeyset) MarshalJSON() ([]byte, error) {
	pubkeys := make(map[uint64]string, len(wk.PublicKeys))
	for amount, key := range wk.PublicKeys {
		pubkeys[amount] = hex.EncodeToString(key.SerializeCompressed())
	}
	return json.Marshal(walletKeysetJSON{
		Id:          wk.Id,
		MintURL:     wk.MintURL,
		Unit:        wk.Unit,
		Active:      wk.Active,
		PublicKeys:  pubkeys,
		Counter:     wk.Counter,
		InputFeePpk: wk.InputFeePpk,
	})
}

func (wk *WalletKeyset) UnmarshalJSON(data []byte) error {
	var temp walletKeysetJSON
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	pubkeys, err := MapPubKeys(temp.PublicKeys)
	if err != nil {
		return err
	}

	wk.Id = temp.Id
	wk.MintURL = temp.MintURL
	wk.Unit = temp.Unit
	wk.Active = temp.Active
	wk.PublicKeys = pubkeys
	wk.Counter = temp.Counter
	wk.InputFeePpk = temp.InputFeePpk
	return nil
}

func MapPubKeys(keys map[uint64]string) (map[uint64]*secp256k1.PublicKey, error) {
	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, key := range keys {
		pkbytes, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for amount %v: %v", amount, err)
		}
		pubkey, err := secp256k1.ParsePubKey(pkbytes)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for amount %v: %v", amount, err)
		}
		publicKeys[amount] = pubkey
	}
	return publicKeys, nil
}
