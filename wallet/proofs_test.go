package wallet

import (
	"encoding/hex"
	"reflect"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut07"
	"github.com/nutmint/nutmint/cashu/nuts/nut09"
	"github.com/nutmint/nutmint/cashu/nuts/nut12"
	"github.com/nutmint/nutmint/crypto"
	"github.com/tyler-smith/go-bip39"
)

const testMnemonic = "half depart obvious quality work element tank gorilla view sugar picture humble"

func testWallet(t *testing.T) *Wallet {
	t.Helper()
	master, err := hdkeychain.NewMaster(bip39.NewSeed(testMnemonic, ""), &chaincfg.MainNetParams)
	if err != nil {
		t.Fatal(err)
	}
	return &Wallet{masterKey: master, unit: cashu.Sat}
}

func testKeysets(t *testing.T) (*crypto.MintKeyset, *crypto.WalletKeyset) {
	t.Helper()
	master, err := hdkeychain.NewMaster([]byte("mintsecretseedformintsecretseed0"), &chaincfg.MainNetParams)
	if err != nil {
		t.Fatal(err)
	}
	mintKeyset, err := crypto.GenerateKeyset(master, 0, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(mintKeyset.Keys))
	for amount, key := range mintKeyset.Keys {
		publicKeys[amount] = key.PublicKey
	}
	walletKeyset := &crypto.WalletKeyset{
		Id:         mintKeyset.Id,
		Unit:       "sat",
		Active:     true,
		PublicKeys: publicKeys,
	}
	return mintKeyset, walletKeyset
}

func signOutputs(
	t *testing.T,
	keyset *crypto.MintKeyset,
	outputs cashu.BlindedMessages,
	withDLEQ bool,
) cashu.BlindedSignatures {
	t.Helper()
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		B_bytes, err := hex.DecodeString(output.B_)
		if err != nil {
			t.Fatal(err)
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			t.Fatal(err)
		}
		k := keyset.Keys[output.Amount].PrivateKey
		C_ := crypto.SignBlindedMessage(B_, k)
		signatures[i] = cashu.BlindedSignature{
			Amount: output.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     keyset.Id,
		}
		if withDLEQ {
			dleq, err := nut12.NewDLEQProof(k, B_, C_)
			if err != nil {
				t.Fatal(err)
			}
			signatures[i].DLEQ = dleq
		}
	}
	return signatures
}

func TestCreateBlindedMessages(t *testing.T) {
	w := testWallet(t)
	keysetId := "009a1f293253e41e"

	tests := []struct {
		amount  uint64
		counter uint32
	}{
		{amount: 420, counter: 0},
		{amount: 10000000, counter: 5},
		{amount: 2500, counter: 100},
	}

	for _, test := range tests {
		amounts := cashu.AmountSplit(test.amount)
		blindedMessages, secrets, rs, err := w.createBlindedMessages(amounts, keysetId, test.counter)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		amount, err := blindedMessages.Amount()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if amount != test.amount {
			t.Fatalf("expected '%v' but got '%v'", test.amount, amount)
		}
		for _, message := range blindedMessages {
			if message.Id != keysetId {
				t.Fatalf("expected '%v' but got '%v'", keysetId, message.Id)
			}
		}

		// same counter gives the same outputs
		again, secretsAgain, rsAgain, err := w.createBlindedMessages(amounts, keysetId, test.counter)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(blindedMessages, again) || !reflect.DeepEqual(secrets, secretsAgain) {
			t.Fatalf("expected same outputs for counter '%v'", test.counter)
		}
		for i := range rs {
			if !rs[i].Key.Equals(&rsAgain[i].Key) {
				t.Fatalf("expected same blinding factors for counter '%v'", test.counter)
			}
		}

		next, _, _, err := w.createBlindedMessages(amounts, keysetId, test.counter+uint32(len(amounts)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i := range next {
			if next[i].B_ == blindedMessages[i].B_ {
				t.Fatalf("expected different outputs at next counter but got '%v'", next[i].B_)
			}
		}
	}
}

func TestConstructProofs(t *testing.T) {
	w := testWallet(t)
	mintKeyset, walletKeyset := testKeysets(t)

	outputs, secrets, rs, err := w.createBlindedMessages(cashu.AmountSplit(1337), mintKeyset.Id, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, withDLEQ := range []bool{false, true} {
		signatures := signOutputs(t, mintKeyset, outputs, withDLEQ)
		proofs, err := constructProofs(signatures, outputs, secrets, rs, walletKeyset)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if proofs.Amount() != 1337 {
			t.Fatalf("expected '%v' but got '%v'", 1337, proofs.Amount())
		}

		for i, proof := range proofs {
			C_bytes, _ := hex.DecodeString(proof.C)
			C, err := secp256k1.ParsePubKey(C_bytes)
			if err != nil {
				t.Fatalf("invalid C in proof: %v", err)
			}
			if !crypto.Verify(secrets[i], mintKeyset.Keys[proof.Amount].PrivateKey, C) {
				t.Fatalf("proof '%v' does not verify", proof.Secret)
			}
			if withDLEQ {
				if proof.DLEQ == nil || len(proof.DLEQ.R) == 0 {
					t.Fatal("expected DLEQ proof with r")
				}
				if !nut12.VerifyProofDLEQ(proof, walletKeyset.PublicKeys[proof.Amount]) {
					t.Fatal("expected valid DLEQ proof")
				}
			} else if proof.DLEQ != nil {
				t.Fatalf("expected no DLEQ proof but got '%v'", proof.DLEQ)
			}
		}
	}
}

func TestConstructProofsError(t *testing.T) {
	w := testWallet(t)
	mintKeyset, walletKeyset := testKeysets(t)

	outputs, secrets, rs, err := w.createBlindedMessages(cashu.AmountSplit(21), mintKeyset.Id, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	signatures := signOutputs(t, mintKeyset, outputs, true)

	invalidDLEQ := make(cashu.BlindedSignatures, len(signatures))
	copy(invalidDLEQ, signatures)
	invalidDLEQ[0].DLEQ = signatures[1].DLEQ

	invalidC := make(cashu.BlindedSignatures, len(signatures))
	copy(invalidC, signatures)
	invalidC[0].C_ = "03996778727cec32bdc22a24432f7ea693e1"

	tests := []struct {
		name       string
		signatures cashu.BlindedSignatures
		secrets    []string
		rs         []*secp256k1.PrivateKey
	}{
		{name: "missing secrets", signatures: signatures, secrets: secrets[1:], rs: rs},
		{name: "missing rs", signatures: signatures, secrets: secrets, rs: rs[1:]},
		{name: "invalid dleq", signatures: invalidDLEQ, secrets: secrets, rs: rs},
		{name: "invalid C_", signatures: invalidC, secrets: secrets, rs: rs},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			proofs, err := constructProofs(test.signatures, outputs, test.secrets, test.rs, walletKeyset)
			if proofs != nil {
				t.Fatalf("expected nil proofs but got '%v'", proofs)
			}
			if err == nil {
				t.Fatal("expected error but got nil")
			}
		})
	}
}

func TestReceiveFees(t *testing.T) {
	tests := []struct {
		amount      uint64
		inputFeePpk uint
		expected    uint64
	}{
		{amount: 2000, inputFeePpk: 0, expected: 0},
		{amount: 2000, inputFeePpk: 100, expected: 1},
		{amount: 1, inputFeePpk: 1000, expected: 1},
		{amount: 1000, inputFeePpk: 1000, expected: 8},
	}

	for _, test := range tests {
		fees := receiveFees(test.amount, test.inputFeePpk)
		if fees != test.expected {
			t.Fatalf("expected '%v' but got '%v'", test.expected, fees)
		}
		// proofs for amount + fees must cover the fees to swap them
		numProofs := uint64(len(cashu.AmountSplit(test.amount + fees)))
		if required := (numProofs*uint64(test.inputFeePpk) + 999) / 1000; required > fees {
			t.Fatalf("fees '%v' do not cover required '%v'", fees, required)
		}
	}
}

func TestWalletMintFees(t *testing.T) {
	mint := &walletMint{
		activeKeyset: crypto.WalletKeyset{Id: "00active", InputFeePpk: 100},
		inactiveKeysets: map[string]crypto.WalletKeyset{
			"00inactive": {Id: "00inactive", InputFeePpk: 1000},
		},
	}

	tests := []struct {
		proofs   cashu.Proofs
		expected uint64
	}{
		{proofs: cashu.Proofs{}, expected: 0},
		{proofs: cashu.Proofs{{Id: "00active"}}, expected: 1},
		{proofs: cashu.Proofs{{Id: "00active"}, {Id: "00active"}, {Id: "00active"}}, expected: 1},
		{proofs: cashu.Proofs{{Id: "00active"}, {Id: "00inactive"}}, expected: 2},
		{proofs: cashu.Proofs{{Id: "00inactive"}, {Id: "00inactive"}}, expected: 2},
		{proofs: cashu.Proofs{{Id: "00unknown"}}, expected: 0},
	}

	for _, test := range tests {
		fees := mint.fees(test.proofs)
		if fees != test.expected {
			t.Fatalf("expected '%v' but got '%v'", test.expected, fees)
		}
	}
}

func TestRestoredProofs(t *testing.T) {
	w := testWallet(t)
	mintKeyset, walletKeyset := testKeysets(t)

	outputs, secrets, rs, err := w.createBlindedMessages(cashu.AmountSplit(100), mintKeyset.Id, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	derived := make(map[string]derivedOutput, len(outputs))
	for i, output := range outputs {
		derived[output.B_] = derivedOutput{counter: uint32(i), secret: secrets[i], r: rs[i]}
	}
	signatures := signOutputs(t, mintKeyset, outputs, true)

	proofs, nextCounter, err := restoredProofs(
		&nut09.PostRestoreResponse{Outputs: outputs, Signatures: signatures},
		derived,
		walletKeyset,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proofs.Amount() != 100 {
		t.Fatalf("expected amount '%v' but got '%v'", 100, proofs.Amount())
	}
	if nextCounter != uint32(len(outputs)) {
		t.Fatalf("expected counter '%v' but got '%v'", len(outputs), nextCounter)
	}
	for _, proof := range proofs {
		if !nut12.VerifyProofDLEQ(proof, walletKeyset.PublicKeys[proof.Amount]) {
			t.Fatal("expected valid DLEQ proof")
		}
	}

	invalidDLEQ := make(cashu.BlindedSignatures, len(signatures))
	copy(invalidDLEQ, signatures)
	invalidDLEQ[0].DLEQ = signatures[1].DLEQ

	// derived at a counter outside the requested batch
	notRequested, _, _, _ := w.createBlindedMessages([]uint64{4}, mintKeyset.Id, 50)

	tests := []struct {
		name     string
		response nut09.PostRestoreResponse
	}{
		{
			name:     "invalid dleq",
			response: nut09.PostRestoreResponse{Outputs: outputs, Signatures: invalidDLEQ},
		},
		{
			name:     "output not requested",
			response: nut09.PostRestoreResponse{Outputs: notRequested, Signatures: signOutputs(t, mintKeyset, notRequested, true)},
		},
		{
			name:     "missing signatures",
			response: nut09.PostRestoreResponse{Outputs: outputs, Signatures: signatures[1:]},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			proofs, _, err := restoredProofs(&test.response, derived, walletKeyset)
			if proofs != nil {
				t.Fatalf("expected nil proofs but got '%v'", proofs)
			}
			if err == nil {
				t.Fatal("expected error but got nil")
			}
		})
	}
}

func TestSplitByState(t *testing.T) {
	proofs := cashu.Proofs{
		{Amount: 1, Secret: "unspent"},
		{Amount: 2, Secret: "pending"},
		{Amount: 4, Secret: "spent"},
		{Amount: 8, Secret: "unknown"},
	}
	Ys := []string{"y0", "y1", "y2", "y3"}
	states := []nut07.ProofState{
		{Y: "y2", State: nut07.Spent},
		{Y: "y0", State: nut07.Unspent},
		{Y: "y1", State: nut07.Pending},
	}

	unspent, pending := splitByState(proofs, Ys, states)
	if !reflect.DeepEqual(unspent, cashu.Proofs{proofs[0]}) {
		t.Fatalf("expected unspent '%v' but got '%v'", cashu.Proofs{proofs[0]}, unspent)
	}
	if !reflect.DeepEqual(pending, cashu.Proofs{proofs[1]}) {
		t.Fatalf("expected pending '%v' but got '%v'", cashu.Proofs{proofs[1]}, pending)
	}
}
