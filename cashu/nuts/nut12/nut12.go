// Package nut12 contains functions for [NUT-12] DLEQ proofs
//
// [NUT-12]: https://github.com/cashubtc/nuts/blob/main/12.md
package nut12

import (
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/crypto"
)

// NewDLEQProof proves the blind signature C_ on B_ was made with k.
func NewDLEQProof(k *secp256k1.PrivateKey, B_, C_ *secp256k1.PublicKey) (*cashu.DLEQProof, error) {
	e, s, err := crypto.GenerateDLEQ(k, B_, C_)
	if err != nil {
		return nil, err
	}
	return &cashu.DLEQProof{
		E: hex.EncodeToString(e.Serialize()),
		S: hex.EncodeToString(s.Serialize()),
	}, nil
}

// VerifyProofsDLEQ verifies the DLEQ proofs that are present.
// Proofs without one are skipped.
func VerifyProofsDLEQ(proofs cashu.Proofs, keyset crypto.WalletKeyset) bool {
	for _, proof := range proofs {
		if proof.DLEQ == nil {
			continue
		}
		pubkey, ok := keyset.PublicKeys[proof.Amount]
		if !ok {
			return false
		}
		if !VerifyProofDLEQ(proof, pubkey) {
			return false
		}
	}
	return true
}

// VerifyProofDLEQ lets a wallet check an unblinded proof against
// the mint's public key A for its amount. It reconstructs
// B_ = Y + rG and C_ = C + rA and checks the DLEQ proof on them.
func VerifyProofDLEQ(proof cashu.Proof, A *secp256k1.PublicKey) bool {
	if proof.DLEQ == nil {
		return false
	}
	e, s, r, err := ParseDLEQ(*proof.DLEQ)
	if err != nil || r == nil {
		return false
	}

	B_, _, err := crypto.BlindMessage(proof.Secret, r)
	if err != nil {
		return false
	}

	C, err := parsePubKey(proof.C)
	if err != nil {
		return false
	}

	var CPoint, APoint, rAPoint, C_Point secp256k1.JacobianPoint
	C.AsJacobian(&CPoint)
	A.AsJacobian(&APoint)
	secp256k1.ScalarMultNonConst(&r.Key, &APoint, &rAPoint)
	secp256k1.AddNonConst(&CPoint, &rAPoint, &C_Point)
	C_Point.ToAffine()
	C_ := secp256k1.NewPublicKey(&C_Point.X, &C_Point.Y)

	return crypto.VerifyDLEQ(e, s, A, B_, C_)
}

func VerifyBlindSignatureDLEQ(
	dleq cashu.DLEQProof,
	A *secp256k1.PublicKey,
	B_str string,
	C_str string,
) bool {
	e, s, _, err := ParseDLEQ(dleq)
	if err != nil {
		return false
	}
	B_, err := parsePubKey(B_str)
	if err != nil {
		return false
	}
	C_, err := parsePubKey(C_str)
	if err != nil {
		return false
	}
	return crypto.VerifyDLEQ(e, s, A, B_, C_)
}

// ParseDLEQ returns e, s and r. r is nil if not present.
func ParseDLEQ(dleq cashu.DLEQProof) (
	*secp256k1.PrivateKey,
	*secp256k1.PrivateKey,
	*secp256k1.PrivateKey,
	error,
) {
	ebytes, err := hex.DecodeString(dleq.E)
	if err != nil {
		return nil, nil, nil, err
	}
	sbytes, err := hex.DecodeString(dleq.S)
	if err != nil {
		return nil, nil, nil, err
	}
	e := secp256k1.PrivKeyFromBytes(ebytes)
	s := secp256k1.PrivKeyFromBytes(sbytes)

	if dleq.R == "" {
		return e, s, nil, nil
	}
	rbytes, err := hex.DecodeString(dleq.R)
	if err != nil {
		return nil, nil, nil, err
	}
	return e, s, secp256k1.PrivKeyFromBytes(rbytes), nil
}

func parsePubKey(s string) (*secp256k1.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(b)
}
