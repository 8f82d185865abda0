package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// KeyRing holds named signing keys. Batch-signing keys for ledger partitions
// are derived from a master secret with HKDF, so a restarted aggregator
// signs with the same key and previously sealed roots stay verifiable.
type KeyRing struct {
	mu     sync.RWMutex
	keys   map[string]*ecdsa.PrivateKey
	master []byte
}

// NewKeyRing creates a keyring. The master secret may be nil if no derived
// keys are needed.
func NewKeyRing(master []byte) *KeyRing {
	return &KeyRing{
		keys:   make(map[string]*ecdsa.PrivateKey),
		master: master,
	}
}

// Add registers a key under an id.
func (k *KeyRing) Add(keyID string, priv *ecdsa.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = priv
}

// Remove drops a key from the ring. Verification of historical material
// signed by the key fails afterwards, which is the point.
func (k *KeyRing) Remove(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, keyID)
}

// Signer returns the private key registered under keyID.
func (k *KeyRing) Signer(keyID string) (*ecdsa.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	priv, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("crypto: unknown key %q", keyID)
	}
	return priv, nil
}

// Verifier returns the public half of the key registered under keyID.
func (k *KeyRing) Verifier(keyID string) (*ecdsa.PublicKey, error) {
	priv, err := k.Signer(keyID)
	if err != nil {
		return nil, err
	}
	return &priv.PublicKey, nil
}

// BatchKeyID names the derived signing key for a ledger partition.
func BatchKeyID(partition int32) string {
	return fmt.Sprintf("batch-p%d", partition)
}

// BatchSigner returns the partition's batch-signing key, deriving and
// caching it on first use.
func (k *KeyRing) BatchSigner(partition int32) (*ecdsa.PrivateKey, error) {
	keyID := BatchKeyID(partition)

	k.mu.RLock()
	priv, ok := k.keys[keyID]
	k.mu.RUnlock()
	if ok {
		return priv, nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if priv, ok = k.keys[keyID]; ok {
		return priv, nil
	}
	if len(k.master) == 0 {
		return nil, fmt.Errorf("crypto: no master secret configured for derived key %q", keyID)
	}
	priv, err := deriveKey(k.master, keyID)
	if err != nil {
		return nil, err
	}
	k.keys[keyID] = priv
	return priv, nil
}

// deriveKey maps (master, info) to a P-256 private key. The HKDF output is
// reduced into [1, N-1], so the derivation is total and deterministic.
func deriveKey(master []byte, info string) (*ecdsa.PrivateKey, error) {
	r := hkdf.New(sha256.New, master, []byte("caracal-batch-signing-v1"), []byte(info))
	seed := make([]byte, 40) // extra bytes keep the mod-N bias negligible
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("crypto: key derivation failed: %w", err)
	}

	curve := elliptic.P256()
	nMinusOne := new(big.Int).Sub(curve.Params().N, big.NewInt(1))
	d := new(big.Int).SetBytes(seed)
	d.Mod(d, nMinusOne)
	d.Add(d, big.NewInt(1))

	priv := &ecdsa.PrivateKey{D: d}
	priv.Curve = curve
	priv.X, priv.Y = curve.ScalarBaseMult(d.Bytes())
	return priv, nil
}
