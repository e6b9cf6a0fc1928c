package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// GenerateDLEQ proves that C_ = aB_ for the same a behind A = aG
// without revealing a. Returns (e, s).
//
//	r random nonce, R1 = rG, R2 = rB_
//	e = hash(R1, R2, A, C_)
//	s = r + e*a
func GenerateDLEQ(a *secp256k1.PrivateKey, B_, C_ *secp256k1.PublicKey) (
	*secp256k1.PrivateKey,
	*secp256k1.PrivateKey,
	error,
) {
	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}

	var R1, R2, Bpoint secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&r.Key, &R1)
	R1.ToAffine()

	B_.AsJacobian(&Bpoint)
	secp256k1.ScalarMultNonConst(&r.Key, &Bpoint, &R2)
	R2.ToAffine()

	e := hashE(
		secp256k1.NewPublicKey(&R1.X, &R1.Y),
		secp256k1.NewPublicKey(&R2.X, &R2.Y),
		a.PubKey(),
		C_,
	)

	var s secp256k1.ModNScalar
	s.Mul2(&e.Key, &a.Key).Add(&r.Key)

	return e, secp256k1.NewPrivateKey(&s), nil
}

// VerifyDLEQ checks a DLEQ proof (e, s) for A, B_ and C_.
//
//	R1 = sG - eA
//	R2 = sB_ - eC_
//	e == hash(R1, R2, A, C_)
func VerifyDLEQ(
	e, s *secp256k1.PrivateKey,
	A, B_, C_ *secp256k1.PublicKey,
) bool {
	var eNeg secp256k1.ModNScalar
	eNeg.NegateVal(&e.Key)

	var sG, eA, R1 secp256k1.JacobianPoint
	var Apoint secp256k1.JacobianPoint
	A.AsJacobian(&Apoint)
	secp256k1.ScalarBaseMultNonConst(&s.Key, &sG)
	secp256k1.ScalarMultNonConst(&eNeg, &Apoint, &eA)
	secp256k1.AddNonConst(&sG, &eA, &R1)
	R1.ToAffine()

	var Bpoint, Cpoint, sB, eC, R2 secp256k1.JacobianPoint
	B_.AsJacobian(&Bpoint)
	C_.AsJacobian(&Cpoint)
	secp256k1.ScalarMultNonConst(&s.Key, &Bpoint, &sB)
	secp256k1.ScalarMultNonConst(&eNeg, &Cpoint, &eC)
	secp256k1.AddNonConst(&sB, &eC, &R2)
	R2.ToAffine()

	if (R1.X.IsZero() && R1.Y.IsZero()) || (R2.X.IsZero() && R2.Y.IsZero()) {
		return false
	}

	computed := hashE(
		secp256k1.NewPublicKey(&R1.X, &R1.Y),
		secp256k1.NewPublicKey(&R2.X, &R2.Y),
		A,
		C_,
	)
	return computed.Key.Equals(&e.Key)
}

// hash of the concatenated hex of the uncompressed points
func hashE(publicKeys ...*secp256k1.PublicKey) *secp256k1.PrivateKey {
	var e string
	for _, pk := range publicKeys {
		e += hex.EncodeToString(pk.SerializeUncompressed())
	}
	hash := sha256.Sum256([]byte(e))
	return secp256k1.PrivKeyFromBytes(hash[:])
}
