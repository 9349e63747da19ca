// Package keys signs and verifies consensus votes with ed25519 keys.
package keys

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cometbft/cometbft/crypto"
	"github.com/cometbft/cometbft/crypto/ed25519"

	"tribft/internal/types"
)

var (
	ErrUnknownSigner = errors.New("unknown signer")
	ErrBadSignature  = errors.New("bad vote signature")
)

// Signer holds a node's private key.
type Signer struct {
	id   types.NodeID
	priv ed25519.PrivKey
}

// FromSecret derives the key of id from secret. The same secret always
// yields the same key, which lets simulated nodes agree on keys up front.
func FromSecret(id types.NodeID, secret []byte) *Signer {
	return &Signer{id: id, priv: ed25519.GenPrivKeyFromSecret(secret)}
}

// Generate creates a fresh random key for id.
func Generate(id types.NodeID) *Signer {
	return &Signer{id: id, priv: ed25519.GenPrivKey()}
}

func (s *Signer) ID() types.NodeID { return s.id }

func (s *Signer) PubKey() crypto.PubKey { return s.priv.PubKey() }

// Sign signs msg.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	return s.priv.Sign(msg)
}

// Registry maps node ids to public keys.
type Registry struct {
	mu   sync.RWMutex
	keys map[types.NodeID]crypto.PubKey
}

func NewRegistry() *Registry {
	return &Registry{keys: make(map[types.NodeID]crypto.PubKey)}
}

func (r *Registry) Add(id types.NodeID, pk crypto.PubKey) {
	r.mu.Lock()
	r.keys[id] = pk
	r.mu.Unlock()
}

func (r *Registry) Remove(id types.NodeID) {
	r.mu.Lock()
	delete(r.keys, id)
	r.mu.Unlock()
}

// VerifyVote checks the vote signature against the voter's registered key.
func (r *Registry) VerifyVote(v types.Vote) error {
	r.mu.RLock()
	pk, ok := r.keys[v.VoterID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, v.VoterID)
	}
	if !pk.VerifySignature(v.SignBytes(), v.Signature) {
		return fmt.Errorf("%w: voter %s", ErrBadSignature, v.VoterID)
	}
	return nil
}
