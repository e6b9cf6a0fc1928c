package storage

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nutmint/nutmint/cashu"
	"github.com/nutmint/nutmint/crypto"
	bolt "go.etcd.io/bbolt"
)

const (
	keysetsBucket        = "keysets"
	keysetCountersBucket = "keyset_counters"
	proofsBucket         = "proofs"
	pendingProofsBucket  = "pending_proofs"
	mintQuotesBucket     = "mint_quotes"
	meltQuotesBucket     = "melt_quotes"
	seedBucket           = "seed"

	mnemonicKey = "mnemonic"
	seedKey     = "seed"
)

var ErrKeysetNotFound = errors.New("keyset does not exist")

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating buckets: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) initWalletBuckets() error {
	buckets := []string{
		keysetsBucket,
		keysetCountersBucket,
		proofsBucket,
		pendingProofsBucket,
		mintQuotesBucket,
		meltQuotesBucket,
		seedBucket,
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		if err := seedb.Put([]byte(seedKey), seed); err != nil {
			return err
		}
		return seedb.Put([]byte(mnemonicKey), []byte(mnemonic))
	})
}

func (db *BoltDB) GetMnemonic() string {
	var mnemonic string
	db.bolt.View(func(tx *bolt.Tx) error {
		mnemonic = string(tx.Bucket([]byte(seedBucket)).Get([]byte(mnemonicKey)))
		return nil
	})
	return mnemonic
}

func (db *BoltDB) GetSeed() []byte {
	var seed []byte
	db.bolt.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(seedBucket)).Get([]byte(seedKey))
		// bolt values are only valid during the transaction
		if value != nil {
			seed = make([]byte, len(value))
			copy(seed, value)
		}
		return nil
	})
	return seed
}

func (db *BoltDB) SaveProofs(proofs cashu.Proofs) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, proof := range proofs {
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := proofsb.Put([]byte(proof.Secret), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetProofs() cashu.Proofs {
	proofs := cashu.Proofs{}
	db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(proofsBucket)).ForEach(func(k, v []byte) error {
			var proof cashu.Proof
			if err := json.Unmarshal(v, &proof); err != nil {
				return nil
			}
			proofs = append(proofs, proof)
			return nil
		})
	})
	return proofs
}

func (db *BoltDB) GetProofsByKeysetId(id string) cashu.Proofs {
	proofs := cashu.Proofs{}
	for _, proof := range db.GetProofs() {
		if proof.Id == id {
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

func (db *BoltDB) DeleteProof(secret string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		if proofsb.Get([]byte(secret)) == nil {
			return errors.New("proof does not exist")
		}
		return proofsb.Delete([]byte(secret))
	})
}

func (db *BoltDB) AddPendingProofsByQuoteId(proofs cashu.Proofs, quoteId string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		pendingb := tx.Bucket([]byte(pendingProofsBucket))
		for _, proof := range proofs {
			Y, err := crypto.HashToCurve([]byte(proof.Secret))
			if err != nil {
				return err
			}
			Yhex := hex.EncodeToString(Y.SerializeCompressed())

			dbProof := DBProof{
				Y:           Yhex,
				Amount:      proof.Amount,
				Id:          proof.Id,
				Secret:      proof.Secret,
				C:           proof.C,
				DLEQ:        proof.DLEQ,
				MeltQuoteId: quoteId,
			}
			jsonProof, err := json.Marshal(dbProof)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := pendingb.Put([]byte(Yhex), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetPendingProofs() []DBProof {
	proofs := []DBProof{}
	db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingProofsBucket)).ForEach(func(k, v []byte) error {
			var proof DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return nil
			}
			proofs = append(proofs, proof)
			return nil
		})
	})
	return proofs
}

func (db *BoltDB) GetPendingProofsByQuoteId(quoteId string) []DBProof {
	proofs := []DBProof{}
	for _, proof := range db.GetPendingProofs() {
		if proof.MeltQuoteId == quoteId {
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

func (db *BoltDB) DeletePendingProofsByQuoteId(quoteId string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		pendingb := tx.Bucket([]byte(pendingProofsBucket))

		var keys [][]byte
		err := pendingb.ForEach(func(k, v []byte) error {
			var proof DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			if proof.MeltQuoteId == quoteId {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		// deleting while iterating with ForEach is not allowed
		for _, key := range keys {
			if err := pendingb.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	jsonKeyset, err := json.Marshal(keyset)
	if err != nil {
		return fmt.Errorf("invalid keyset: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		// counter is stored in keysetCountersBucket
		return tx.Bucket([]byte(keysetsBucket)).Put([]byte(keyset.Id), jsonKeyset)
	})
}

func (db *BoltDB) GetKeysets() map[string][]crypto.WalletKeyset {
	keysets := make(map[string][]crypto.WalletKeyset)
	db.bolt.View(func(tx *bolt.Tx) error {
		countersb := tx.Bucket([]byte(keysetCountersBucket))
		return tx.Bucket([]byte(keysetsBucket)).ForEach(func(k, v []byte) error {
			var keyset crypto.WalletKeyset
			if err := json.Unmarshal(v, &keyset); err != nil {
				return nil
			}
			keyset.Counter = counterValue(countersb.Get(k))
			keysets[keyset.MintURL] = append(keysets[keyset.MintURL], keyset)
			return nil
		})
	})
	return keysets
}

func (db *BoltDB) GetKeyset(id string) *crypto.WalletKeyset {
	var keyset *crypto.WalletKeyset
	db.bolt.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(keysetsBucket)).Get([]byte(id))
		if value == nil {
			return nil
		}
		var ks crypto.WalletKeyset
		if err := json.Unmarshal(value, &ks); err != nil {
			return nil
		}
		ks.Counter = counterValue(tx.Bucket([]byte(keysetCountersBucket)).Get([]byte(id)))
		keyset = &ks
		return nil
	})
	return keyset
}

func (db *BoltDB) IncrementKeysetCounter(id string, num uint32) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(keysetsBucket)).Get([]byte(id)) == nil {
			return ErrKeysetNotFound
		}
		countersb := tx.Bucket([]byte(keysetCountersBucket))
		counter := counterValue(countersb.Get([]byte(id))) + num

		value := make([]byte, 4)
		binary.BigEndian.PutUint32(value, counter)
		return countersb.Put([]byte(id), value)
	})
}

func (db *BoltDB) GetKeysetCounter(id string) uint32 {
	var counter uint32
	db.bolt.View(func(tx *bolt.Tx) error {
		counter = counterValue(tx.Bucket([]byte(keysetCountersBucket)).Get([]byte(id)))
		return nil
	})
	return counter
}

func counterValue(value []byte) uint32 {
	if len(value) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(value)
}

func (db *BoltDB) SaveMintQuote(quote MintQuote) error {
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("invalid mint quote: %v", err)
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(mintQuotesBucket)).Put([]byte(quote.QuoteId), jsonQuote)
	})
}

func (db *BoltDB) GetMintQuotes() []MintQuote {
	quotes := []MintQuote{}
	db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(mintQuotesBucket)).ForEach(func(k, v []byte) error {
			var quote MintQuote
			if err := json.Unmarshal(v, &quote); err != nil {
				return nil
			}
			quotes = append(quotes, quote)
			return nil
		})
	})
	return quotes
}

func (db *BoltDB) GetMintQuoteById(id string) *MintQuote {
	var quote *MintQuote
	db.bolt.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(mintQuotesBucket)).Get([]byte(id))
		if value == nil {
			return nil
		}
		var q MintQuote
		if err := json.Unmarshal(value, &q); err != nil {
			return nil
		}
		quote = &q
		return nil
	})
	return quote
}

func (db *BoltDB) SaveMeltQuote(quote MeltQuote) error {
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("invalid melt quote: %v", err)
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(meltQuotesBucket)).Put([]byte(quote.QuoteId), jsonQuote)
	})
}

func (db *BoltDB) GetMeltQuotes() []MeltQuote {
	quotes := []MeltQuote{}
	db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(meltQuotesBucket)).ForEach(func(k, v []byte) error {
			var quote MeltQuote
			if err := json.Unmarshal(v, &quote); err != nil {
				return nil
			}
			quotes = append(quotes, quote)
			return nil
		})
	})
	return quotes
}

func (db *BoltDB) GetMeltQuoteById(id string) *MeltQuote {
	var quote *MeltQuote
	db.bolt.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(meltQuotesBucket)).Get([]byte(id))
		if value == nil {
			return nil
		}
		var q MeltQuote
		if err := json.Unmarshal(value, &q); err != nil {
			return nil
		}
		quote = &q
		return nil
	})
	return quote
}
