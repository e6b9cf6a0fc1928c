package mint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nutmint/nutmint/cashu"
)

type cachedResponse struct {
	requestHash string
	signatures  cashu.BlindedSignatures
}

// DuplicateRequestCache keeps the signatures returned for issuance and swap
// requests so that a retried request gets the exact same response.
type DuplicateRequestCache struct {
	cache *lru.Cache[string, cachedResponse]
}

func NewDuplicateRequestCache(size int) (*DuplicateRequestCache, error) {
	cache, err := lru.New[string, cachedResponse](size)
	if err != nil {
		return nil, err
	}
	return &DuplicateRequestCache{cache: cache}, nil
}

// Get returns the signatures stored for key if the request hash matches.
// If key was used with a different request it returns MintRequestConflictErr.
func (c *DuplicateRequestCache) Get(key, requestHash string) (cashu.BlindedSignatures, bool, error) {
	response, ok := c.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	if response.requestHash != requestHash {
		return nil, false, cashu.MintRequestConflictErr
	}
	return response.signatures, true, nil
}

func (c *DuplicateRequestCache) Add(key, requestHash string, signatures cashu.BlindedSignatures) {
	c.cache.Add(key, cachedResponse{requestHash: requestHash, signatures: signatures})
}

func (c *DuplicateRequestCache) Len() int {
	return c.cache.Len()
}

// mintRequestHash is the canonical hash of an issuance request: the quote id
// and each output's amount, keyset id and B_ in request order.
// The signature is left out since it only authorizes the same content.
func mintRequestHash(quoteId string, outputs cashu.BlindedMessages) string {
	hash := sha256.New()
	fmt.Fprintf(hash, "%s;", quoteId)
	writeOutputs(hash, outputs)
	return hex.EncodeToString(hash.Sum(nil))
}

func swapRequestHash(inputs cashu.Proofs, outputs cashu.BlindedMessages) string {
	hash := sha256.New()
	for _, proof := range inputs {
		fmt.Fprintf(hash, "%d:%s:%s:%s;", proof.Amount, proof.Id, proof.Secret, proof.C)
	}
	writeOutputs(hash, outputs)
	return hex.EncodeToString(hash.Sum(nil))
}

func writeOutputs(w io.Writer, outputs cashu.BlindedMessages) {
	for _, output := range outputs {
		fmt.Fprintf(w, "%d:%s:%s;", output.Amount, output.Id, output.B_)
	}
}

// keyedMutex serializes operations on the same key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock locks key and returns the function to unlock it.
func (km *keyedMutex) Lock(key string) func() {
	km.mu.Lock()
	lock, ok := km.locks[key]
	if !ok {
		lock = &refMutex{}
		km.locks[key] = lock
	}
	lock.refs++
	km.mu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		km.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(km.locks, key)
		}
		km.mu.Unlock()
	}
}
