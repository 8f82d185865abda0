// Package crypto provides the signing primitives of the authority core:
// ECDSA over P-256 with RFC 6979 deterministic nonces, SHA-256 hashing, and
// a keyring with per-partition batch-signing key derivation.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
)

// SignatureSize is the fixed encoding width: 32-byte r followed by 32-byte s.
const SignatureSize = 64

var (
	// ErrBadSignature is returned when a signature fails verification.
	ErrBadSignature = errors.New("crypto: signature verification failed")
	// ErrBadKey is returned for malformed key material.
	ErrBadKey = errors.New("crypto: malformed key")
)

// GenerateKeyPair creates a fresh P-256 keypair.
func GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return priv, nil
}

// Sign hashes msg with SHA-256 and signs the digest with a deterministic
// nonce. The returned signature is r||s, 64 bytes.
func Sign(priv *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	if priv == nil {
		return nil, ErrBadKey
	}
	digest := sha256.Sum256(msg)
	return signDigest(priv, digest[:])
}

func signDigest(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	q := priv.Curve.Params().N
	z := bits2int(digest, q.BitLen())

	for {
		k := deterministicNonce(priv, digest)

		rx, _ := priv.Curve.ScalarBaseMult(k.Bytes())
		r := new(big.Int).Mod(rx, q)
		if r.Sign() == 0 {
			// Re-derive with the updated HMAC state by hashing k into the
			// digest; astronomically unlikely on P-256.
			digest = hmacSum(int2octets(k, 32), digest)
			continue
		}

		kinv := new(big.Int).ModInverse(k, q)
		s := new(big.Int).Mul(r, priv.D)
		s.Add(s, z)
		s.Mul(s, kinv)
		s.Mod(s, q)
		if s.Sign() == 0 {
			digest = hmacSum(int2octets(k, 32), digest)
			continue
		}

		sig := make([]byte, SignatureSize)
		r.FillBytes(sig[:32])
		s.FillBytes(sig[32:])
		return sig, nil
	}
}

// Verify checks a 64-byte r||s signature over msg.
func Verify(pub *ecdsa.PublicKey, msg, sig []byte) bool {
	if pub == nil || len(sig) != SignatureSize {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	digest := sha256.Sum256(msg)
	return ecdsa.Verify(pub, digest[:], r, s)
}

// MarshalPublicKey encodes a public key as PKIX DER, the form stored on the
// principal record.
func MarshalPublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: public key marshal failed: %w", err)
	}
	return der, nil
}

// ParsePublicKey decodes a PKIX DER P-256 public key.
func ParsePublicKey(der []byte) (*ecdsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not an ECDSA P-256 key", ErrBadKey)
	}
	return pub, nil
}

// MarshalPrivateKey encodes a private key as SEC 1 DER for at-rest storage.
func MarshalPrivateKey(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("crypto: private key marshal failed: %w", err)
	}
	return der, nil
}

// ParsePrivateKey decodes a SEC 1 DER P-256 private key.
func ParsePrivateKey(der []byte) (*ecdsa.PrivateKey, error) {
	priv, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not a P-256 key", ErrBadKey)
	}
	return priv, nil
}

// HashBytes computes the SHA-256 digest of data.
func HashBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
