// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for signed and hashed payloads.
//
// Canonical form rules:
//   - map keys sorted lexicographically by UTF-8 bytes (JCS)
//   - strings normalized to Unicode NFC
//   - fractional numbers are rejected: costs and timestamps travel as
//     fixed-point minor units and milliseconds
//   - HTML escaping disabled
//
// Two syntactically different inputs denoting the same record therefore
// produce identical bytes, which is what deterministic signing and dedupe
// rely on.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// ErrFractionalNumber is returned when a payload contains a non-integer
// number. Signed payloads forbid floats.
var ErrFractionalNumber = errors.New("canonicalize: fractional numbers not allowed in signed payloads")

// Marshal returns the canonical JSON bytes of v.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	normalized, err := normalize(generic)
	if err != nil {
		return nil, err
	}

	raw, err := marshalNoEscape(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal failed: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return canonical, nil
}

// Hash returns the SHA-256 digest of the canonical form of v.
func Hash(v any) ([]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// HashHex returns the hex SHA-256 digest of the canonical form of v.
func HashHex(v any) (string, error) {
	sum, err := Hash(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// HashBytes computes the SHA-256 digest of raw bytes.
func HashBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// normalize walks a decoded JSON value, NFC-normalizing strings and
// rejecting fractional numbers. Nulls are preserved: the wire contract uses
// explicit null for absent optional fields of signed records.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool:
		return t, nil
	case string:
		return norm.NFC.String(t), nil
	case json.Number:
		s := t.String()
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("%w: %s", ErrFractionalNumber, s)
		}
		return t, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[norm.NFC.String(k)] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("canonicalize: unsupported type %T", v)
	}
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
