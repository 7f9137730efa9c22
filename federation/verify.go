package federation

import (
	"github.com/go-jose/go-jose/v4"
)

// Verifier checks the signature of a compact serialized token against a single key. It is the
// seam between the trust chain engine and the underlying JOSE implementation; errors it returns
// are propagated unchanged by the validation layers above it.
type Verifier interface {
	Verify(token string, key jose.JSONWebKey) ([]byte, error)
}

// JOSEVerifier verifies signatures with go-jose.
type JOSEVerifier struct{}

// Verify parses token as a compact JWS and verifies its signature with key, returning the
// verified payload.
func (JOSEVerifier) Verify(token string, key jose.JSONWebKey) ([]byte, error) {
	jws, err := jose.ParseSigned(token, allowedSignatureAlgorithms)
	if err != nil {
		return nil, err
	}

	return jws.Verify(key)
}
