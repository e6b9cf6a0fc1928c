package mint

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut07"
	"github.com/nutmint/nutmint/crypto"
	"github.com/nutmint/nutmint/mint/pubsub"
	"github.com/nutmint/nutmint/mint/storage"
)

// ProofLedger keeps the spend state of proofs keyed by Y = hash_to_curve(secret).
// A proof moves from Unspent to Pending when reserved and from Pending
// to either Spent or back to Unspent. Every transition is published.
type ProofLedger struct {
	mu        sync.Mutex
	db        storage.MintDB
	publisher *pubsub.PubSub
}

// Reservation holds a set of proofs as Pending until it is committed or released.
type Reservation struct {
	Id      string
	QuoteId string
	Ys      []string
}

func NewProofLedger(db storage.MintDB, publisher *pubsub.PubSub) *ProofLedger {
	return &ProofLedger{db: db, publisher: publisher}
}

// Reserve marks all the proofs as Pending. If any of them is not
// Unspent the reservation fails and none of them are changed.
func (l *ProofLedger) Reserve(proofs cashu.Proofs, quoteId string) (*Reservation, error) {
	Ys, err := proofsYs(proofs)
	if err != nil {
		return nil, err
	}
	dbProofs := make([]storage.DBProof, len(proofs))
	for i, proof := range proofs {
		dbProofs[i] = storage.DBProof{
			Y:       Ys[i],
			Amount:  proof.Amount,
			Id:      proof.Id,
			Secret:  proof.Secret,
			C:       proof.C,
			QuoteId: quoteId,
		}
	}

	reservation := &Reservation{
		Id:      uuid.NewString(),
		QuoteId: quoteId,
		Ys:      Ys,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.db.ReserveProofs(dbProofs, reservation.Id); err != nil {
		if errors.Is(err, storage.ErrProofsNotUnspent) {
			return nil, l.notUnspentErr(Ys)
		}
		return nil, cashu.BuildCashuError(fmt.Sprintf("error reserving proofs: %v", err), cashu.DBErrCode)
	}

	l.publishStates(Ys, nut07.Pending)
	return reservation, nil
}

// proofsYs returns hash_to_curve(secret) of each proof, hex encoded.
func proofsYs(proofs cashu.Proofs) ([]string, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	return Ys, nil
}

func (l *ProofLedger) notUnspentErr(Ys []string) error {
	usedProofs, err := l.db.GetProofsUsed(Ys)
	if err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("error getting used proofs: %v", err), cashu.DBErrCode)
	}
	if len(usedProofs) > 0 {
		return cashu.ProofAlreadyUsedErr
	}
	return cashu.ProofPendingErr
}

// Commit moves the reserved proofs to Spent and saves the signatures
// for the blinded messages in the same transaction.
func (l *ProofLedger) Commit(
	reservation *Reservation,
	blindedMessages cashu.BlindedMessages,
	blindedSignatures cashu.BlindedSignatures,
) error {
	B_s := make([]string, len(blindedMessages))
	for i, bm := range blindedMessages {
		B_s[i] = bm.B_
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.db.CommitProofs(reservation.Id, B_s, blindedSignatures); err != nil {
		if errors.Is(err, storage.ErrOutputsAlreadySigned) {
			return cashu.BlindedMessageAlreadySigned
		}
		return cashu.BuildCashuError(fmt.Sprintf("error committing proofs: %v", err), cashu.DBErrCode)
	}

	l.publishStates(reservation.Ys, nut07.Spent)
	return nil
}

// QuoteReservation returns the reservation holding proofs for the quote,
// or nil if no proofs are pending for it.
func (l *ProofLedger) QuoteReservation(quoteId string) (*Reservation, error) {
	pending, err := l.db.GetPendingProofsByQuote(quoteId)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("error getting pending proofs: %v", err), cashu.DBErrCode)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	reservation := &Reservation{
		Id:      pending[0].ReservationId,
		QuoteId: quoteId,
		Ys:      make([]string, len(pending)),
	}
	for i, proof := range pending {
		reservation.Ys[i] = proof.Y
	}
	return reservation, nil
}

// Release moves the reserved proofs back to Unspent.
func (l *ProofLedger) Release(reservation *Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.db.ReleaseProofs(reservation.Id); err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("error releasing proofs: %v", err), cashu.DBErrCode)
	}

	l.publishStates(reservation.Ys, nut07.Unspent)
	return nil
}

// QueryState returns the state of each Y in the same order.
func (l *ProofLedger) QueryState(Ys []string) ([]nut07.ProofState, error) {
	usedProofs, err := l.db.GetProofsUsed(Ys)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("error getting used proofs: %v", err), cashu.DBErrCode)
	}
	pendingProofs, err := l.db.GetPendingProofs(Ys)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("error getting pending proofs: %v", err), cashu.DBErrCode)
	}

	states := make(map[string]nut07.State, len(usedProofs)+len(pendingProofs))
	for _, proof := range usedProofs {
		states[proof.Y] = nut07.Spent
	}
	for _, proof := range pendingProofs {
		states[proof.Y] = nut07.Pending
	}

	proofStates := make([]nut07.ProofState, len(Ys))
	for i, Y := range Ys {
		state, ok := states[Y]
		if !ok {
			state = nut07.Unspent
		}
		proofStates[i] = nut07.ProofState{Y: Y, State: state}
	}
	return proofStates, nil
}

func (l *ProofLedger) publishStates(Ys []string, state nut07.State) {
	for _, Y := range Ys {
		jsonState, _ := json.Marshal(nut07.ProofState{Y: Y, State: state})
		l.publisher.Publish(proofStateTopic(Y), jsonState)
	}
}
