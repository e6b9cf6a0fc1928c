package mint

import (
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/cashu/nuts/nut03"
	"github.com/nutmint/nutmint/cashu/nuts/nut07"
)

// Swap marks the inputs as spent and signs the outputs. The amount of the
// outputs must be the amount of the inputs minus the input fees.
// Retrying an identical swap returns the signatures from the first one.
func (m *Mint) Swap(swapRequest nut03.PostSwapRequest) (cashu.BlindedSignatures, error) {
	inputs := swapRequest.Inputs
	outputs := swapRequest.Outputs
	requestHash := swapRequestHash(inputs, outputs)
	cacheKey := "swap:" + requestHash

	signatures, ok, err := m.requestCache.Get(cacheKey, requestHash)
	if err != nil {
		return nil, err
	}
	if ok {
		m.metrics.cachedReplies.Inc()
		return signatures, nil
	}

	signatures, ok, err = m.replayedSwap(inputs, outputs)
	if err != nil {
		return nil, err
	}
	if ok {
		m.requestCache.Add(cacheKey, requestHash, signatures)
		m.metrics.cachedReplies.Inc()
		return signatures, nil
	}

	inputsAmount, err := m.verifyInputs(inputs)
	if err != nil {
		return nil, err
	}
	outputsAmount, err := m.verifyOutputs(outputs)
	if err != nil {
		return nil, err
	}

	fees := m.keysets.TransactionFees(inputs)
	available, underflow := underflowSubUint64(inputsAmount, fees)
	if underflow {
		return nil, cashu.InsufficientProofsAmount
	}
	if available != outputsAmount {
		return nil, cashu.InputsOutputsMismatchErr
	}

	reservation, err := m.ledger.Reserve(inputs, "")
	if err != nil {
		return nil, err
	}

	signatures, err = m.keysets.SignBlindedMessages(outputs)
	if err != nil {
		m.releaseReservation(reservation)
		return nil, err
	}

	if err := m.ledger.Commit(reservation, outputs, signatures); err != nil {
		m.releaseReservation(reservation)
		return nil, err
	}

	m.requestCache.Add(cacheKey, requestHash, signatures)
	m.metrics.swaps.Inc()
	m.metrics.redeemedSats.Add(float64(inputsAmount))
	m.metrics.issuedSats.Add(float64(outputsAmount))
	m.logDebugf("swapped %v sats with %v sats in fees", inputsAmount, fees)

	return signatures, nil
}

// replayedSwap returns the saved signatures if every input is already spent
// and every output was already signed, which is the case for a retried swap
// that is no longer in the request cache.
func (m *Mint) replayedSwap(inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, bool, error) {
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, false, nil
	}

	saved, err := m.db.GetBlindSignatures(blindedMessagesB_s(outputs))
	if err != nil {
		return nil, false, dbError("error reading blind signatures", err)
	}
	if len(saved) != len(outputs) {
		return nil, false, nil
	}

	Ys, err := proofsYs(inputs)
	if err != nil {
		return nil, false, nil
	}
	states, err := m.ledger.QueryState(Ys)
	if err != nil {
		return nil, false, err
	}
	for _, state := range states {
		if state.State != nut07.Spent {
			return nil, false, nil
		}
	}

	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		signatures[i] = saved[output.B_]
	}
	return signatures, true, nil
}

// ProofsStateCheck returns the state of the proofs with the given Ys.
func (m *Mint) ProofsStateCheck(Ys []string) ([]nut07.ProofState, error) {
	if len(Ys) == 0 {
		return nil, cashu.BuildCashuError("no Ys provided", cashu.InvalidRequestErrCode)
	}
	for _, Y := range Ys {
		if _, err := parsePublicKey(Y); err != nil {
			return nil, cashu.BuildCashuError("invalid Y '"+Y+"'", cashu.InvalidRequestErrCode)
		}
	}
	return m.ledger.QueryState(Ys)
}

// RestoreSignatures returns the outputs that were signed by the mint
// along with their signatures, in the order of the request.
func (m *Mint) RestoreSignatures(outputs cashu.BlindedMessages) (cashu.BlindedMessages, cashu.BlindedSignatures, error) {
	saved, err := m.db.GetBlindSignatures(blindedMessagesB_s(outputs))
	if err != nil {
		return nil, nil, dbError("error reading blind signatures", err)
	}

	restoredOutputs := make(cashu.BlindedMessages, 0, len(saved))
	signatures := make(cashu.BlindedSignatures, 0, len(saved))
	for _, output := range outputs {
		signature, ok := saved[output.B_]
		if !ok {
			continue
		}
		restoredOutputs = append(restoredOutputs, output)
		signatures = append(signatures, signature)
	}
	return restoredOutputs, signatures, nil
}
