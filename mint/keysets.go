package mint

import (
	"cmp"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut12"
	"github.com/nutmint/nutmint/crypto"
	"github.com/nutmint/nutmint/mint/storage"
)

// KeysetManager holds the keysets of the mint. Only the active keyset
// signs new outputs. Inactive keysets are kept to verify proofs.
type KeysetManager struct {
	mu           sync.RWMutex
	db           storage.MintDB
	master       *hdkeychain.ExtendedKey
	activeKeyset *crypto.MintKeyset
	keysets      map[string]crypto.MintKeyset
}

// loadKeysetManager derives all the keysets saved in the db from the master key.
// If there is no keyset for derivationPathIdx, a new one is created and set as
// the only active keyset.
func loadKeysetManager(
	db storage.MintDB,
	master *hdkeychain.ExtendedKey,
	derivationPathIdx uint32,
	inputFeePpk uint,
) (*KeysetManager, error) {
	dbKeysets, err := db.GetKeysets()
	if err != nil {
		return nil, fmt.Errorf("error reading keysets from db: %v", err)
	}

	km := &KeysetManager{
		db:      db,
		master:  master,
		keysets: make(map[string]crypto.MintKeyset),
	}

	// a keyset rotated after startup stays active across restarts
	for _, dbKeyset := range dbKeysets {
		if dbKeyset.Active && dbKeyset.DerivationPathIdx > derivationPathIdx {
			derivationPathIdx = dbKeyset.DerivationPathIdx
			inputFeePpk = dbKeyset.InputFeePpk
		}
	}

	activeKeyset, err := crypto.GenerateKeyset(master, derivationPathIdx, inputFeePpk, true)
	if err != nil {
		return nil, err
	}

	for _, dbKeyset := range dbKeysets {
		if dbKeyset.Id == activeKeyset.Id {
			continue
		}
		keyset, err := crypto.GenerateKeyset(master, dbKeyset.DerivationPathIdx, dbKeyset.InputFeePpk, false)
		if err != nil {
			return nil, err
		}
		if keyset.Id != dbKeyset.Id {
			return nil, fmt.Errorf("keyset '%v' from db does not match derived keyset '%v'", dbKeyset.Id, keyset.Id)
		}
		if dbKeyset.Active {
			if err := db.UpdateKeysetActive(dbKeyset.Id, false); err != nil {
				return nil, fmt.Errorf("error deactivating keyset: %v", err)
			}
		}
		km.keysets[keyset.Id] = *keyset
	}

	if !slices.ContainsFunc(dbKeysets, func(k storage.DBKeyset) bool { return k.Id == activeKeyset.Id }) {
		if err := db.SaveKeyset(dbKeyset(activeKeyset)); err != nil {
			return nil, fmt.Errorf("error saving new active keyset: %v", err)
		}
	} else if err := db.UpdateKeysetActive(activeKeyset.Id, true); err != nil {
		return nil, fmt.Errorf("error activating keyset: %v", err)
	}

	km.activeKeyset = activeKeyset
	km.keysets[activeKeyset.Id] = *activeKeyset
	return km, nil
}

func dbKeyset(keyset *crypto.MintKeyset) storage.DBKeyset {
	return storage.DBKeyset{
		Id:                keyset.Id,
		Unit:              keyset.Unit,
		Active:            keyset.Active,
		DerivationPathIdx: keyset.DerivationPathIdx,
		InputFeePpk:       keyset.InputFeePpk,
	}
}

func (km *KeysetManager) ActiveKeyset() crypto.MintKeyset {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return *km.activeKeyset
}

func (km *KeysetManager) Keyset(id string) (crypto.MintKeyset, bool) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	keyset, ok := km.keysets[id]
	return keyset, ok
}

// Keysets returns all keysets ordered by derivation index.
func (km *KeysetManager) Keysets() []crypto.MintKeyset {
	km.mu.RLock()
	defer km.mu.RUnlock()

	keysets := make([]crypto.MintKeyset, 0, len(km.keysets))
	for _, keyset := range km.keysets {
		keysets = append(keysets, keyset)
	}
	slices.SortFunc(keysets, func(a, b crypto.MintKeyset) int {
		return cmp.Compare(a.DerivationPathIdx, b.DerivationPathIdx)
	})
	return keysets
}

// RotateKeyset deactivates the current active keyset and derives a new one
// at the next derivation index.
func (km *KeysetManager) RotateKeyset(inputFeePpk uint) (crypto.MintKeyset, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	var maxIdx uint32
	for _, keyset := range km.keysets {
		maxIdx = max(maxIdx, keyset.DerivationPathIdx)
	}

	newKeyset, err := crypto.GenerateKeyset(km.master, maxIdx+1, inputFeePpk, true)
	if err != nil {
		return crypto.MintKeyset{}, err
	}
	if err := km.db.SaveKeyset(dbKeyset(newKeyset)); err != nil {
		return crypto.MintKeyset{}, fmt.Errorf("error saving new keyset: %v", err)
	}
	if err := km.db.UpdateKeysetActive(km.activeKeyset.Id, false); err != nil {
		return crypto.MintKeyset{}, fmt.Errorf("error deactivating keyset: %v", err)
	}

	previous := km.keysets[km.activeKeyset.Id]
	previous.Active = false
	km.keysets[previous.Id] = previous

	km.keysets[newKeyset.Id] = *newKeyset
	km.activeKeyset = newKeyset
	return *newKeyset, nil
}

// SignBlindedMessages signs each blinded message with the key for its amount
// from the keyset it references and attaches a DLEQ proof.
func (km *KeysetManager) SignBlindedMessages(blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	blindedSignatures := make(cashu.BlindedSignatures, len(blindedMessages))

	for i, msg := range blindedMessages {
		keyset, ok := km.Keyset(msg.Id)
		if !ok {
			return nil, cashu.UnknownKeysetErr
		}
		if !keyset.Active {
			return nil, cashu.InactiveKeysetSignatureErr
		}

		keyPair, ok := keyset.Keys[msg.Amount]
		if !ok {
			return nil, cashu.InvalidBlindedMessageAmount
		}

		B_, err := parsePublicKey(msg.B_)
		if err != nil {
			return nil, cashu.InvalidBlindedMessageErr
		}

		C_ := crypto.SignBlindedMessage(B_, keyPair.PrivateKey)
		dleq, err := nut12.NewDLEQProof(keyPair.PrivateKey, B_, C_)
		if err != nil {
			return nil, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}

		blindedSignatures[i] = cashu.BlindedSignature{
			Amount: msg.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     keyset.Id,
			DLEQ:   dleq,
		}
	}

	return blindedSignatures, nil
}

// VerifyProof checks that C = k*hash_to_curve(secret) for the key
// of the proof's amount. Proofs from inactive keysets are valid.
func (km *KeysetManager) VerifyProof(proof cashu.Proof) error {
	keyset, ok := km.Keyset(proof.Id)
	if !ok {
		return cashu.UnknownKeysetErr
	}

	keyPair, ok := keyset.Keys[proof.Amount]
	if !ok {
		return cashu.InvalidProofErr
	}

	C, err := parsePublicKey(proof.C)
	if err != nil {
		return cashu.InvalidProofErr
	}

	if !crypto.Verify(proof.Secret, keyPair.PrivateKey, C) {
		return cashu.InvalidProofErr
	}
	return nil
}

// TransactionFees returns the fees for spending the inputs:
// the sum of the input_fee_ppk of each input's keyset, rounded up.
func (km *KeysetManager) TransactionFees(inputs cashu.Proofs) uint64 {
	var feesPpk uint64
	for _, proof := range inputs {
		if keyset, ok := km.Keyset(proof.Id); ok {
			feesPpk += uint64(keyset.InputFeePpk)
		}
	}
	return (feesPpk + 999) / 1000
}

func parsePublicKey(s string) (*secp256k1.PublicKey, error) {
	pubkeyBytes, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(pubkeyBytes)
}
