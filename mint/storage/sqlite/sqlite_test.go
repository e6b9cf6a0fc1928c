package sqlite

import (
	"bytes"
	"encoding/hex"
	"errors"
	"log"
	"math/rand/v2"
	"os"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut04"
	"github.com/nutmint/nutmint/cashu/nuts/nut05"
	"github.com/nutmint/nutmint/crypto"
	"github.com/nutmint/nutmint/mint/storage"
)

var (
	db *SQLiteDB
)

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	dbpath := "./testsqlite"
	err := os.MkdirAll(dbpath, 0750)
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)

	db, err = InitSQLite(dbpath)
	if err != nil {
		return 1, err
	}
	defer db.Close()

	return m.Run(), nil
}

func TestSeedAndKeysets(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")
	if err := db.SaveSeed(seed); err != nil {
		t.Fatalf("error saving seed: %v", err)
	}
	dbSeed, err := db.GetSeed()
	if err != nil {
		t.Fatalf("error getting seed: %v", err)
	}
	if !bytes.Equal(seed, dbSeed) {
		t.Fatalf("expected seed '%v' but got '%v'", seed, dbSeed)
	}

	keysets := []storage.DBKeyset{
		{Id: "00aaaaaaaaaaaaaa", Unit: "sat", Active: false, DerivationPathIdx: 0},
		{Id: "00bbbbbbbbbbbbbb", Unit: "sat", Active: true, DerivationPathIdx: 1},
	}
	for _, keyset := range keysets {
		if err := db.SaveKeyset(keyset); err != nil {
			t.Fatalf("error saving keyset: %v", err)
		}
	}

	if err := db.UpdateKeysetActive("00bbbbbbbbbbbbbb", false); err != nil {
		t.Fatalf("error updating keyset: %v", err)
	}
	keysets[1].Active = false

	dbKeysets, err := db.GetKeysets()
	if err != nil {
		t.Fatalf("error getting keysets: %v", err)
	}
	if !reflect.DeepEqual(keysets, dbKeysets) {
		t.Fatalf("expected keysets '%+v' but got '%+v'", keysets, dbKeysets)
	}

	if err := db.UpdateKeysetActive("00cccccccccccccc", true); err == nil {
		t.Fatal("expected error updating keyset that does not exist")
	}
}

func TestReserveCommitRelease(t *testing.T) {
	proofs := generateRandomDBProofs(30)
	reservationId := "reservation-1"

	if err := db.ReserveProofs(proofs, reservationId); err != nil {
		t.Fatalf("error reserving proofs: %v", err)
	}

	Ys := proofYs(proofs)
	pending, err := db.GetPendingProofs(Ys)
	if err != nil {
		t.Fatalf("error getting pending proofs: %v", err)
	}
	if len(pending) != 30 {
		t.Fatalf("expected %v pending proofs but got %v", 30, len(pending))
	}
	for _, proof := range pending {
		if proof.ReservationId != reservationId {
			t.Fatalf("expected reservation id '%v' but got '%v'", reservationId, proof.ReservationId)
		}
	}

	// overlapping reservation fails and leaves the new proofs untouched
	overlapping := append(generateRandomDBProofs(5), proofs[10])
	if err := db.ReserveProofs(overlapping, "reservation-2"); !errors.Is(err, storage.ErrProofsNotUnspent) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrProofsNotUnspent, err)
	}
	pending, _ = db.GetPendingProofs(proofYs(overlapping[:5]))
	if len(pending) != 0 {
		t.Fatalf("expected no pending proofs but got %v", len(pending))
	}

	B_s := generateRandomB_s(3)
	sigs := generateBlindSignatures(3)
	if err := db.CommitProofs(reservationId, B_s, sigs); err != nil {
		t.Fatalf("error committing proofs: %v", err)
	}

	used, err := db.GetProofsUsed(Ys)
	if err != nil {
		t.Fatalf("error getting used proofs: %v", err)
	}
	if len(used) != 30 {
		t.Fatalf("expected %v spent proofs but got %v", 30, len(used))
	}
	expected := make([]storage.DBProof, len(proofs))
	copy(expected, proofs)
	sortDBProofs(expected)
	sortDBProofs(used)
	if !reflect.DeepEqual(expected, used) {
		t.Fatal("spent proofs from db do not match reserved ones")
	}

	pending, _ = db.GetPendingProofsByReservation(reservationId)
	if len(pending) != 0 {
		t.Fatalf("expected no pending proofs but got %v", len(pending))
	}

	savedSigs, err := db.GetBlindSignatures(B_s)
	if err != nil {
		t.Fatalf("error getting blind signatures: %v", err)
	}
	if len(savedSigs) != 3 {
		t.Fatalf("expected %v blind signatures but got %v", 3, len(savedSigs))
	}

	// spent proofs cannot be reserved again
	if err := db.ReserveProofs(proofs[:1], "reservation-3"); !errors.Is(err, storage.ErrProofsNotUnspent) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrProofsNotUnspent, err)
	}

	released := generateRandomDBProofs(10)
	if err := db.ReserveProofs(released, "reservation-4"); err != nil {
		t.Fatalf("error reserving proofs: %v", err)
	}
	if err := db.ReleaseProofs("reservation-4"); err != nil {
		t.Fatalf("error releasing proofs: %v", err)
	}
	pending, _ = db.GetPendingProofs(proofYs(released))
	if len(pending) != 0 {
		t.Fatalf("expected no pending proofs but got %v", len(pending))
	}
	// released proofs are unspent again
	if err := db.ReserveProofs(released, "reservation-5"); err != nil {
		t.Fatalf("error reserving released proofs: %v", err)
	}
}

func TestMintQuotes(t *testing.T) {
	mintQuotes := generateRandomMintQuotes(150, false)

	var wg sync.WaitGroup
	var mu sync.Mutex
	errs := make([]error, 0)
	for _, quote := range mintQuotes {
		wg.Add(1)
		go func(quote storage.MintQuote) {
			defer wg.Done()
			if err := db.SaveMintQuote(quote); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(quote)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("error saving mint quote: %v", errs[0])
	}

	expectedQuote := mintQuotes[21]
	quote, err := db.GetMintQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote by id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}

	quote, err = db.GetMintQuoteByPaymentHash(expectedQuote.PaymentHash)
	if err != nil {
		t.Fatalf("error getting mint quote by payment hash: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}

	if _, err := db.GetMintQuote("doesnotexist"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrNotFound, err)
	}

	// cannot issue a quote that has not been paid
	B_s := generateRandomB_s(2)
	sigs := generateBlindSignatures(2)
	err = db.IssueMintQuote(quote.Id, "requesthash", B_s, sigs)
	if !errors.Is(err, storage.ErrQuoteStateChanged) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrQuoteStateChanged, err)
	}
	if found, _ := db.GetBlindSignatures(B_s); len(found) != 0 {
		t.Fatalf("expected no blind signatures saved but got %v", len(found))
	}

	if err := db.UpdateMintQuoteState(quote.Id, nut04.Paid); err != nil {
		t.Fatalf("error updating mint quote: %v", err)
	}
	if err := db.IssueMintQuote(quote.Id, "requesthash", B_s, sigs); err != nil {
		t.Fatalf("error issuing mint quote: %v", err)
	}

	expectedQuote.State = nut04.Issued
	expectedQuote.IssuedRequestHash = "requesthash"
	expectedQuote.IssuedOutputs = B_s
	quote, err = db.GetMintQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote by id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatalf("expected quote '%+v' but got '%+v'", expectedQuote, quote)
	}

	// second issuance fails and stores nothing
	otherB_s := generateRandomB_s(2)
	err = db.IssueMintQuote(quote.Id, "otherhash", otherB_s, generateBlindSignatures(2))
	if !errors.Is(err, storage.ErrQuoteStateChanged) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrQuoteStateChanged, err)
	}
	if found, _ := db.GetBlindSignatures(otherB_s); len(found) != 0 {
		t.Fatalf("expected no blind signatures saved but got %v", len(found))
	}

	// mint quotes with pubkey
	mintQuotes = generateRandomMintQuotes(20, true)
	for _, quote := range mintQuotes {
		if err := db.SaveMintQuote(quote); err != nil {
			t.Fatalf("error saving mint quote: %v", err)
		}
	}

	expectedQuote = mintQuotes[10]
	quote, err = db.GetMintQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote by id: %v", err)
	}
	if quote.Pubkey == nil {
		t.Fatal("expected pubkey in mint quote but got nil")
	}
	expectedPubkey := expectedQuote.Pubkey.SerializeCompressed()
	if !bytes.Equal(expectedPubkey, quote.Pubkey.SerializeCompressed()) {
		t.Fatalf("expected pubkey '%x' but got '%x'", expectedPubkey, quote.Pubkey.SerializeCompressed())
	}
}

func TestMeltQuote(t *testing.T) {
	meltQuotes := generateRandomMeltQuotes(150)

	var wg sync.WaitGroup
	var mu sync.Mutex
	errs := make([]error, 0)
	for _, quote := range meltQuotes {
		wg.Add(1)
		go func(quote storage.MeltQuote) {
			defer wg.Done()
			if err := db.SaveMeltQuote(quote); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(quote)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("error saving melt quote: %v", errs[0])
	}

	expectedQuote := meltQuotes[21]
	quote, err := db.GetMeltQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting melt quote by id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}

	// second quote for the same invoice
	second := expectedQuote
	second.Id = generateRandomString(32)
	if err := db.SaveMeltQuote(second); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}
	quotes, err := db.GetMeltQuotesByPaymentHash(expectedQuote.PaymentHash)
	if err != nil {
		t.Fatalf("error getting melt quotes by payment hash: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected %v melt quotes but got %v", 2, len(quotes))
	}

	if err := db.UpdateMeltQuote(quote.Id, "", 0, nut05.Pending); err != nil {
		t.Fatalf("error updating melt quote: %v", err)
	}
	if err := db.UpdateMeltQuote(quote.Id, "fakepreimage", 2, nut05.Paid); err != nil {
		t.Fatalf("error updating melt quote: %v", err)
	}

	expectedQuote.State = nut05.Paid
	expectedQuote.Preimage = "fakepreimage"
	expectedQuote.FeePaid = 2
	quote, err = db.GetMeltQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting melt quote by id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatalf("expected quote '%+v' but got '%+v'", expectedQuote, quote)
	}

	if _, err := db.GetMeltQuote("doesnotexist"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrNotFound, err)
	}
}

func TestInFlightMeltQuotes(t *testing.T) {
	quotes := generateRandomMeltQuotes(3)
	quotes[0].State = nut05.Pending
	quotes[1].State = nut05.Unknown
	for _, quote := range quotes {
		if err := db.SaveMeltQuote(quote); err != nil {
			t.Fatalf("error saving melt quote: %v", err)
		}
	}

	inFlight, err := db.GetMeltQuotesByState(nut05.Pending, nut05.Unknown)
	if err != nil {
		t.Fatalf("error getting melt quotes by state: %v", err)
	}
	found := make(map[string]bool)
	for _, quote := range inFlight {
		if quote.State != nut05.Pending && quote.State != nut05.Unknown {
			t.Fatalf("expected pending or unknown quote but got '%v'", quote.State)
		}
		found[quote.Id] = true
	}
	if !found[quotes[0].Id] || !found[quotes[1].Id] {
		t.Fatalf("expected quotes '%v' and '%v' in result", quotes[0].Id, quotes[1].Id)
	}
	if found[quotes[2].Id] {
		t.Fatalf("unexpected unpaid quote '%v' in result", quotes[2].Id)
	}

	proofs := generateRandomDBProofs(4)
	for i := range proofs {
		proofs[i].QuoteId = quotes[0].Id
	}
	if err := db.ReserveProofs(proofs, "melt-reservation"); err != nil {
		t.Fatalf("error reserving proofs: %v", err)
	}
	if err := db.ReserveProofs(generateRandomDBProofs(2), "swap-reservation"); err != nil {
		t.Fatalf("error reserving proofs: %v", err)
	}

	pending, err := db.GetPendingProofsByQuote(quotes[0].Id)
	if err != nil {
		t.Fatalf("error getting pending proofs by quote: %v", err)
	}
	if len(pending) != 4 {
		t.Fatalf("expected %v pending proofs but got %v", 4, len(pending))
	}
	for _, proof := range pending {
		if proof.ReservationId != "melt-reservation" {
			t.Fatalf("expected reservation id '%v' but got '%v'", "melt-reservation", proof.ReservationId)
		}
	}

	pending, _ = db.GetPendingProofsByQuote(quotes[1].Id)
	if len(pending) != 0 {
		t.Fatalf("expected no pending proofs but got %v", len(pending))
	}
}

func TestBlindSignatures(t *testing.T) {
	count := 50
	blindedMessages := generateRandomB_s(count)
	blindSignatures := generateBlindSignatures(count)

	if err := db.SaveBlindSignatures(blindedMessages, blindSignatures); err != nil {
		t.Fatalf("unexpected error saving blind signatures: %v", err)
	}

	expectedBlindSig := blindSignatures[21]
	blindSig, err := db.GetBlindSignature(blindedMessages[21])
	if err != nil {
		t.Fatalf("error getting blind signature: %v", err)
	}
	if !reflect.DeepEqual(blindSig, expectedBlindSig) {
		t.Fatal("blind signature from db does match generated one")
	}

	blindSigs, err := db.GetBlindSignatures(blindedMessages[:20])
	if err != nil {
		t.Fatalf("error getting blind signatures: %v", err)
	}
	if len(blindSigs) != 20 {
		t.Fatalf("got incorrect number of blind signatures from db. Expected %v but got %v",
			20, len(blindSigs))
	}

	err = db.SaveBlindSignatures(blindedMessages[:1], generateBlindSignatures(1))
	if !errors.Is(err, storage.ErrOutputsAlreadySigned) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrOutputsAlreadySigned, err)
	}

	if _, err := db.GetBlindSignature("notsigned"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrNotFound, err)
	}
}

func TestEcashAmounts(t *testing.T) {
	keysetId := "00dddddddddddddd"
	sigs := generateBlindSignatures(4)
	for i := range sigs {
		sigs[i].Id = keysetId
		sigs[i].Amount = 8
	}
	if err := db.SaveBlindSignatures(generateRandomB_s(4), sigs); err != nil {
		t.Fatalf("unexpected error saving blind signatures: %v", err)
	}

	issued, err := db.GetIssuedEcash()
	if err != nil {
		t.Fatalf("unexpected error getting issued ecash: %v", err)
	}
	if issued[keysetId] != 32 {
		t.Fatalf("expected issued amount '%v' but got '%v'", 32, issued[keysetId])
	}

	proofs := generateRandomDBProofs(3)
	for i := range proofs {
		proofs[i].Id = keysetId
		proofs[i].Amount = 4
	}
	if err := db.ReserveProofs(proofs, "redeem-reservation"); err != nil {
		t.Fatalf("error reserving proofs: %v", err)
	}
	if err := db.CommitProofs("redeem-reservation", nil, nil); err != nil {
		t.Fatalf("error committing proofs: %v", err)
	}

	redeemed, err := db.GetRedeemedEcash()
	if err != nil {
		t.Fatalf("unexpected error getting redeemed ecash: %v", err)
	}
	if redeemed[keysetId] != 12 {
		t.Fatalf("expected redeemed amount '%v' but got '%v'", 12, redeemed[keysetId])
	}
}

func generateRandomString(length int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}

func generateRandomDBProofs(num int) []storage.DBProof {
	proofs := make([]storage.DBProof, num)
	for i := 0; i < num; i++ {
		proof := cashu.Proof{
			Amount: 21,
			Id:     generateRandomString(16),
			Secret: generateRandomString(64),
			C:      generateRandomString(64),
		}
		Y, _ := crypto.HashToCurve([]byte(proof.Secret))
		proofs[i] = storage.DBProof{
			Y:      hex.EncodeToString(Y.SerializeCompressed()),
			Amount: proof.Amount,
			Id:     proof.Id,
			Secret: proof.Secret,
			C:      proof.C,
		}
	}
	return proofs
}

func proofYs(proofs []storage.DBProof) []string {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Ys[i] = proof.Y
	}
	return Ys
}

func sortDBProofs(proofs []storage.DBProof) {
	slices.SortFunc(proofs, func(a, b storage.DBProof) int {
		return strings.Compare(a.Secret, b.Secret)
	})
}

func generateRandomMintQuotes(num int, pubkey bool) []storage.MintQuote {
	quotes := make([]storage.MintQuote, num)
	for i := 0; i < num; i++ {
		quote := storage.MintQuote{
			Id:             generateRandomString(32),
			Amount:         21,
			PaymentRequest: generateRandomString(100),
			PaymentHash:    generateRandomString(50),
			State:          nut04.Unpaid,
		}
		if pubkey {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				panic(err)
			}
			quote.Pubkey = key.PubKey()
		}
		quotes[i] = quote
	}
	return quotes
}

func generateRandomMeltQuotes(num int) []storage.MeltQuote {
	quotes := make([]storage.MeltQuote, num)
	for i := 0; i < num; i++ {
		quote := storage.MeltQuote{
			Id:             generateRandomString(32),
			InvoiceRequest: generateRandomString(100),
			PaymentHash:    generateRandomString(50),
			Amount:         21,
			FeeReserve:     1,
			State:          nut05.Unpaid,
		}
		quotes[i] = quote
	}
	return quotes
}

func generateRandomB_s(num int) []string {
	B_s := make([]string, num)
	for i := 0; i < num; i++ {
		B_s[i] = generateRandomString(33)
	}
	return B_s
}

func generateBlindSignatures(num int) cashu.BlindedSignatures {
	blindSigs := make(cashu.BlindedSignatures, num)
	for i := 0; i < num; i++ {
		sig := cashu.BlindedSignature{
			C_:     generateRandomString(33),
			Id:     generateRandomString(16),
			Amount: 21,
			DLEQ: &cashu.DLEQProof{
				E: generateRandomString(33),
				S: generateRandomString(33),
			},
		}
		blindSigs[i] = sig
	}
	return blindSigs
}
