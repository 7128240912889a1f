// Package attest provides the content-digest capability used to stamp
// audit records. Signing is a future drop-in replacement behind the
// same interface.
package attest

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
)

// Digester computes a hex digest of a payload.
type Digester interface {
	Sum(payload []byte) string
}

// New returns the digester for the given algorithm name
// ("sha256" or "sha512").
func New(alg string) (Digester, error) {
	switch alg {
	case "sha256", "":
		return sha256Digester{}, nil
	case "sha512":
		return sha512Digester{}, nil
	default:
		return nil, fmt.Errorf("attest: unsupported algorithm %q", alg)
	}
}

type sha256Digester struct{}

func (sha256Digester) Sum(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}

type sha512Digester struct{}

func (sha512Digester) Sum(payload []byte) string {
	h := sha512.Sum512(payload)
	return hex.EncodeToString(h[:])
}
