package crypto

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"math/big"
)

// deterministicNonce derives the ECDSA nonce k from the private key and the
// message digest per RFC 6979 (HMAC-SHA256 DRBG). Signing the same payload
// with the same key therefore produces byte-identical signatures, which
// dedupe and exact-equality tests depend on.
func deterministicNonce(priv *ecdsa.PrivateKey, digest []byte) *big.Int {
	q := priv.Curve.Params().N
	qlen := (q.BitLen() + 7) / 8

	x := int2octets(priv.D, qlen)
	h1 := bits2octets(digest, q, qlen)

	v := make([]byte, sha256.Size)
	k := make([]byte, sha256.Size)
	for i := range v {
		v[i] = 0x01
	}

	k = hmacSum(k, v, []byte{0x00}, x, h1)
	v = hmacSum(k, v)
	k = hmacSum(k, v, []byte{0x01}, x, h1)
	v = hmacSum(k, v)

	for {
		v = hmacSum(k, v)
		candidate := bits2int(v, q.BitLen())
		if candidate.Sign() > 0 && candidate.Cmp(q) < 0 {
			return candidate
		}
		k = hmacSum(k, v, []byte{0x00})
		v = hmacSum(k, v)
	}
}

func hmacSum(key []byte, chunks ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, c := range chunks {
		mac.Write(c)
	}
	return mac.Sum(nil)
}

// bits2int interprets the leftmost qbits of b as a big-endian integer.
func bits2int(b []byte, qbits int) *big.Int {
	i := new(big.Int).SetBytes(b)
	if excess := len(b)*8 - qbits; excess > 0 {
		i.Rsh(i, uint(excess))
	}
	return i
}

// int2octets encodes i as a fixed-width big-endian octet string.
func int2octets(i *big.Int, qlen int) []byte {
	out := make([]byte, qlen)
	i.FillBytes(out)
	return out
}

// bits2octets reduces the digest modulo q and encodes it at q's width.
func bits2octets(digest []byte, q *big.Int, qlen int) []byte {
	z := bits2int(digest, q.BitLen())
	z.Mod(z, q)
	return int2octets(z, qlen)
}
