// Package nut20 implements signatures on mint quotes as defined in [NUT-20]
//
// [NUT-20]: https://github.com/cashubtc/nuts/blob/main/20.md
package nut20

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutmint/nutmint/cashu"
)

// the signed message is sha256(quote_id || B_0 || ... || B_n)
func msgHash(quoteId string, blindedMessages cashu.BlindedMessages) [32]byte {
	hash := sha256.New()
	hash.Write([]byte(quoteId))
	for _, bm := range blindedMessages {
		hash.Write([]byte(bm.B_))
	}
	var out [32]byte
	copy(out[:], hash.Sum(nil))
	return out
}

func SignMintQuote(
	privateKey *secp256k1.PrivateKey,
	quoteId string,
	blindedMessages cashu.BlindedMessages,
) (*schnorr.Signature, error) {
	hash := msgHash(quoteId, blindedMessages)
	return schnorr.Sign(privateKey, hash[:])
}

func VerifyMintQuoteSignature(
	signature *schnorr.Signature,
	quoteId string,
	blindedMessages cashu.BlindedMessages,
	publicKey *secp256k1.PublicKey,
) bool {
	hash := msgHash(quoteId, blindedMessages)
	return signature.Verify(hash[:], publicKey)
}

// VerifyHexSignature parses the hex encoded signature and public key
// and verifies the signature. Any parse failure is reported as invalid.
func VerifyHexSignature(
	signatureHex string,
	quoteId string,
	blindedMessages cashu.BlindedMessages,
	publicKeyHex string,
) bool {
	sigBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	signature, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubkeyBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false
	}
	publicKey, err := secp256k1.ParsePubKey(pubkeyBytes)
	if err != nil {
		return false
	}
	return VerifyMintQuoteSignature(signature, quoteId, blindedMessages, publicKey)
}
