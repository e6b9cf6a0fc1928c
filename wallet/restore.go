package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut07"
	"github.com/nutmint/nutmint/cashu/nuts/nut09"
	"github.com/nutmint/nutmint/cashu/nuts/nut13"
	"github.com/nutmint/nutmint/crypto"
	"github.com/nutmint/nutmint/wallet/client"
	"github.com/tyler-smith/go-bip39"
)

const (
	restoreBatchSize = 100
	// restore for a keyset stops after this many batches with no signatures
	restoreEmptyBatches = 3
	// pending proofs found on restore are kept under this quote id
	restoredPendingQuoteId = "restored"
)

// Restore creates a new wallet from the mnemonic and recovers the
// unspent ecash it had in the mints. It returns the amount restored.
// Proofs the mint holds as pending are kept apart until they are reclaimed.
func Restore(walletPath, mnemonic string, mintsToRestore []string) (uint64, error) {
	// restore only into a new wallet
	dbpath := filepath.Join(walletPath, "wallet.db")
	if _, err := os.Stat(dbpath); err == nil {
		return 0, errors.New("wallet already exists")
	}

	if !bip39.IsMnemonicValid(mnemonic) {
		return 0, errors.New("invalid mnemonic")
	}

	if err := os.MkdirAll(walletPath, 0700); err != nil {
		return 0, err
	}
	db, err := InitStorage(walletPath)
	if err != nil {
		return 0, fmt.Errorf("error restoring wallet: %v", err)
	}
	defer db.Close()

	seed := bip39.NewSeed(mnemonic, "")
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return 0, err
	}
	if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
		return 0, err
	}

	var amountRestored uint64
	for _, mint := range mintsToRestore {
		mintURL, err := normalizeURL(mint)
		if err != nil {
			return 0, err
		}
		mintInfo, err := client.GetMintInfo(mintURL)
		if err != nil {
			return 0, fmt.Errorf("error getting info from mint: %v", err)
		}
		if !mintInfo.Nuts.Nut07.Supported || !mintInfo.Nuts.Nut09.Supported {
			return 0, fmt.Errorf("mint '%v' does not support restoring a wallet", mintURL)
		}

		keysetsResponse, err := client.GetAllKeysets(mintURL)
		if err != nil {
			return 0, err
		}

		for _, keysetRes := range keysetsResponse.Keysets {
			if keysetRes.Unit != cashu.Sat.String() || !isHexId(keysetRes.Id) {
				continue
			}

			keys, err := getKeysetKeys(mintURL, keysetRes.Id, cashu.Sat)
			if err != nil {
				return 0, err
			}
			keyset := &crypto.WalletKeyset{
				Id:          keysetRes.Id,
				MintURL:     mintURL,
				Unit:        keysetRes.Unit,
				Active:      keysetRes.Active,
				InputFeePpk: keysetRes.InputFeePpk,
			}
			if keysetRes.Active {
				keyset.PublicKeys = keys
			}
			if err := db.SaveKeyset(keyset); err != nil {
				return 0, err
			}

			keysetPath, err := nut13.DeriveKeysetPath(masterKey, keyset.Id)
			if err != nil {
				return 0, err
			}

			// inactive keysets are saved without keys but restored with them
			restoreKeys := *keyset
			restoreKeys.PublicKeys = keys
			proofs, pending, nextCounter, err := restoreKeyset(mintURL, keysetPath, &restoreKeys)
			if err != nil {
				return 0, fmt.Errorf("error restoring keyset '%v': %v", keyset.Id, err)
			}
			if nextCounter > 0 {
				if err := db.IncrementKeysetCounter(keyset.Id, nextCounter); err != nil {
					return 0, err
				}
			}
			if len(proofs) > 0 {
				if err := db.SaveProofs(proofs); err != nil {
					return 0, err
				}
			}
			// the melt quotes they were sent in are not known
			if len(pending) > 0 {
				if err := db.AddPendingProofsByQuoteId(pending, restoredPendingQuoteId); err != nil {
					return 0, err
				}
			}
			amountRestored += proofs.Amount()
		}
	}

	return amountRestored, nil
}

// ReclaimRestoredProofs checks with the mints the proofs that were pending
// when the wallet was restored. Unspent ones go back to the wallet and spent
// ones are dropped. It returns the amount reclaimed.
func (w *Wallet) ReclaimRestoredProofs() (uint64, error) {
	restored := w.db.GetPendingProofsByQuoteId(restoredPendingQuoteId)
	if len(restored) == 0 {
		return 0, nil
	}

	proofsByMint := make(map[string]cashu.Proofs)
	for _, dbProof := range restored {
		keyset := w.db.GetKeyset(dbProof.Id)
		if keyset == nil {
			return 0, fmt.Errorf("keyset '%v' for restored proof not found", dbProof.Id)
		}
		proofsByMint[keyset.MintURL] = append(proofsByMint[keyset.MintURL], dbProof.Proof())
	}

	var reclaimed, stillPending cashu.Proofs
	for mintURL, proofs := range proofsByMint {
		Ys, err := proofsYs(proofs)
		if err != nil {
			return 0, err
		}
		stateResponse, err := client.PostCheckProofState(mintURL, nut07.PostCheckStateRequest{Ys: Ys})
		if err != nil {
			return 0, err
		}
		unspent, pending := splitByState(proofs, Ys, stateResponse.States)
		reclaimed = append(reclaimed, unspent...)
		stillPending = append(stillPending, pending...)
	}

	if len(reclaimed) > 0 {
		if err := w.db.SaveProofs(reclaimed); err != nil {
			return 0, err
		}
	}
	if err := w.db.DeletePendingProofsByQuoteId(restoredPendingQuoteId); err != nil {
		return 0, err
	}
	if len(stillPending) > 0 {
		if err := w.db.AddPendingProofsByQuoteId(stillPending, restoredPendingQuoteId); err != nil {
			return 0, err
		}
	}
	return reclaimed.Amount(), nil
}

// restoreKeyset asks the mint for signatures on the deterministic outputs of
// the keyset in batches. It returns the proofs that are unspent, the ones
// the mint holds as pending and the counter after the last output the mint had signed.
func restoreKeyset(
	mintURL string,
	keysetPath *hdkeychain.ExtendedKey,
	keyset *crypto.WalletKeyset,
) (cashu.Proofs, cashu.Proofs, uint32, error) {
	var unspent, pending cashu.Proofs
	var nextCounter uint32
	emptyBatches := 0

	for counter := uint32(0); emptyBatches < restoreEmptyBatches; counter += restoreBatchSize {
		outputs := make(cashu.BlindedMessages, restoreBatchSize)
		derived := make(map[string]derivedOutput, restoreBatchSize)
		for i := uint32(0); i < restoreBatchSize; i++ {
			secret, r, err := nut13.DeriveSecretAndBlindingFactor(keysetPath, counter+i)
			if err != nil {
				return nil, nil, 0, err
			}
			B_, r, err := crypto.BlindMessage(secret, r)
			if err != nil {
				return nil, nil, 0, err
			}
			// the amount is not known, the mint returns the one it signed
			outputs[i] = cashu.NewBlindedMessage(keyset.Id, 0, B_)
			derived[outputs[i].B_] = derivedOutput{counter: counter + i, secret: secret, r: r}
		}

		restoreResponse, err := client.PostRestore(mintURL, nut09.PostRestoreRequest{Outputs: outputs})
		if err != nil {
			return nil, nil, 0, err
		}
		if len(restoreResponse.Signatures) == 0 {
			emptyBatches++
			continue
		}
		emptyBatches = 0

		proofs, batchCounter, err := restoredProofs(restoreResponse, derived, keyset)
		if err != nil {
			return nil, nil, 0, err
		}
		nextCounter = max(nextCounter, batchCounter)

		Ys, err := proofsYs(proofs)
		if err != nil {
			return nil, nil, 0, err
		}
		stateResponse, err := client.PostCheckProofState(mintURL, nut07.PostCheckStateRequest{Ys: Ys})
		if err != nil {
			return nil, nil, 0, err
		}
		batchUnspent, batchPending := splitByState(proofs, Ys, stateResponse.States)
		unspent = append(unspent, batchUnspent...)
		pending = append(pending, batchPending...)
	}

	return unspent, pending, nextCounter, nil
}

type derivedOutput struct {
	counter uint32
	secret  string
	r       *secp256k1.PrivateKey
}

// restoredProofs unblinds the signatures in the restore response. It fails if
// the mint returned an output that was not requested or a signature whose DLEQ
// proof does not verify. It also returns the counter after the last signed output.
func restoredProofs(
	response *nut09.PostRestoreResponse,
	derived map[string]derivedOutput,
	keyset *crypto.WalletKeyset,
) (cashu.Proofs, uint32, error) {
	if len(response.Outputs) != len(response.Signatures) {
		return nil, 0, errors.New("mint returned different number of outputs and signatures")
	}

	var nextCounter uint32
	secrets := make([]string, len(response.Outputs))
	rs := make([]*secp256k1.PrivateKey, len(response.Outputs))
	for i, output := range response.Outputs {
		out, ok := derived[output.B_]
		if !ok {
			return nil, 0, errors.New("mint returned an output that was not requested")
		}
		secrets[i] = out.secret
		rs[i] = out.r
		nextCounter = max(nextCounter, out.counter+1)
	}

	proofs, err := constructProofs(response.Signatures, response.Outputs, secrets, rs, keyset)
	if err != nil {
		return nil, 0, err
	}
	for i := range proofs {
		proofs[i].Id = keyset.Id
	}
	return proofs, nextCounter, nil
}

// splitByState returns the proofs the mint reports as unspent and as pending.
// Spent proofs are dropped.
func splitByState(proofs cashu.Proofs, Ys []string, states []nut07.ProofState) (cashu.Proofs, cashu.Proofs) {
	byY := make(map[string]nut07.State, len(states))
	for _, state := range states {
		byY[state.Y] = state.State
	}

	var unspent, pending cashu.Proofs
	for i, proof := range proofs {
		switch byY[Ys[i]] {
		case nut07.Unspent:
			unspent = append(unspent, proof)
		case nut07.Pending:
			pending = append(pending, proof)
		}
	}
	return unspent, pending
}

func proofsYs(proofs cashu.Proofs) ([]string, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	return Ys, nil
}
