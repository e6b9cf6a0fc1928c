package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/crypto"
	"github.com/nutmint/nutmint/wallet/client"
)

// GetMintActiveKeyset gets the active keyset with the specified unit
func GetMintActiveKeyset(mintURL string, unit cashu.Unit) (*crypto.WalletKeyset, error) {
	keysets, err := client.GetAllKeysets(mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %v", err)
	}

	for _, keyset := range keysets.Keysets {
		if !keyset.Active || keyset.Unit != unit.String() || !isHexId(keyset.Id) {
			continue
		}

		keys, err := getKeysetKeys(mintURL, keyset.Id, unit)
		if err != nil {
			return nil, err
		}
		return &crypto.WalletKeyset{
			Id:          keyset.Id,
			MintURL:     mintURL,
			Unit:        keyset.Unit,
			Active:      true,
			PublicKeys:  keys,
			InputFeePpk: keyset.InputFeePpk,
		}, nil
	}

	return nil, errors.New("could not find an active keyset for the unit")
}

func GetMintInactiveKeysets(mintURL string, unit cashu.Unit) (map[string]crypto.WalletKeyset, error) {
	keysetsResponse, err := client.GetAllKeysets(mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %v", err)
	}

	inactiveKeysets := make(map[string]crypto.WalletKeyset)
	for _, keysetRes := range keysetsResponse.Keysets {
		if !keysetRes.Active && keysetRes.Unit == unit.String() && isHexId(keysetRes.Id) {
			keyset := crypto.WalletKeyset{
				Id:          keysetRes.Id,
				MintURL:     mintURL,
				Unit:        keysetRes.Unit,
				Active:      false,
				InputFeePpk: keysetRes.InputFeePpk,
			}
			inactiveKeysets[keyset.Id] = keyset
		}
	}
	return inactiveKeysets, nil
}

// getActiveKeyset returns the active keyset for the mint passed.
// If the mint rotated its keyset, the previous active is saved as inactive
// and the new one is saved to the db.
func (w *Wallet) getActiveKeyset(mintURL string) (*crypto.WalletKeyset, error) {
	mint, ok := w.mints[mintURL]
	if !ok {
		return GetMintActiveKeyset(mintURL, w.unit)
	}

	allKeysets, err := client.GetAllKeysets(mintURL)
	if err != nil {
		return nil, err
	}

	activeKeyset := mint.activeKeyset
	activeChanged := true
	for _, keyset := range allKeysets.Keysets {
		if keyset.Active && keyset.Id == activeKeyset.Id {
			activeChanged = false
			break
		}
	}
	if !activeChanged {
		return &activeKeyset, nil
	}

	activeKeyset.Active = false
	mint.inactiveKeysets[activeKeyset.Id] = activeKeyset
	if err := w.db.SaveKeyset(&activeKeyset); err != nil {
		return nil, err
	}

	newActive, err := GetMintActiveKeyset(mintURL, w.unit)
	if err != nil {
		return nil, err
	}
	if err := w.db.SaveKeyset(newActive); err != nil {
		return nil, err
	}
	// a keyset can come back after being inactive
	delete(mint.inactiveKeysets, newActive.Id)
	newActive.Counter = w.db.GetKeysetCounter(newActive.Id)
	mint.activeKeyset = *newActive

	return newActive, nil
}

func getKeysetKeys(mintURL, id string, unit cashu.Unit) (map[uint64]*secp256k1.PublicKey, error) {
	keysetsResponse, err := client.GetKeysetById(mintURL, id)
	if err != nil {
		return nil, fmt.Errorf("error getting keyset from mint: %v", err)
	}
	if len(keysetsResponse.Keysets) == 0 || keysetsResponse.Keysets[0].Unit != unit.String() {
		return nil, fmt.Errorf("mint did not return keys for keyset '%v'", id)
	}

	keys, err := crypto.MapPubKeys(keysetsResponse.Keysets[0].Keys)
	if err != nil {
		return nil, err
	}

	derivedId := crypto.DeriveKeysetId(keys)
	if derivedId != id {
		return nil, fmt.Errorf("got invalid keyset. Derived id: '%v' but got '%v' from mint", derivedId, id)
	}
	return keys, nil
}

func isHexId(id string) bool {
	_, err := hex.DecodeString(id)
	return err == nil
}

// keysetFee returns the input_fee_ppk for the keyset id if it is known.
func (mint *walletMint) keysetFee(id string) uint {
	if mint.activeKeyset.Id == id {
		return mint.activeKeyset.InputFeePpk
	}
	if keyset, ok := mint.inactiveKeysets[id]; ok {
		return keyset.InputFeePpk
	}
	return 0
}

// fees returns the fees the mint will charge to spend the proofs.
func (mint *walletMint) fees(proofs cashu.Proofs) uint64 {
	var feesPpk uint64
	for _, proof := range proofs {
		feesPpk += uint64(mint.keysetFee(proof.Id))
	}
	return (feesPpk + 999) / 1000
}
