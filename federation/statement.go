// Package federation implements discovery and validation of OpenID Federation
// trust chains: parsing entity statements, validating entity configurations
// against their own keys, cross-validating subordinate statements issued by
// superiors, and walking authority hints up to a trust anchor.
package federation

import (
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"github.com/carlotafuro/spid-cie-oidc-go/errors"
)

const (
	// WellKnownPath is the discovery suffix appended to an entity identifier to obtain its
	// entity configuration.
	// https://openid.net/specs/openid-federation-1_0.html#name-obtaining-federation-entity
	WellKnownPath = ".well-known/openid-federation"

	EntityStatementHeaderType  = "entity-statement+jwt"
	EntityStatementContentType = "application/entity-statement+jwt"
)

// allowedSignatureAlgorithms is the set of JWS algorithms accepted on entity statements. The JWS
// header declares what algorithm it is signed with, but jose requires an explicit allow list.
var allowedSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512, jose.ES256, jose.ES384, jose.ES512,
}

// Header is the decoded protected header of a compact signed token.
type Header struct {
	Algorithm string
	KeyID     string
	Type      string
}

// Statement is a decoded signed token: its header and payload as read without signature
// verification, plus the original compact serialization so the signature can be re-verified
// downstream against whichever key set turns out to be authoritative.
type Statement struct {
	Header   Header
	Payload  map[string]any
	RawToken string
}

// ParseStatement decodes the header and payload of a compact serialized token without verifying
// its signature. Nothing read from the returned Statement may be trusted until the signature has
// been checked.
func ParseStatement(token string) (*Statement, error) {
	jws, err := jose.ParseSigned(token, allowedSignatureAlgorithms)
	if err != nil {
		return nil, &errors.MalformedTokenError{Cause: err}
	}

	if len(jws.Signatures) != 1 {
		return nil, &errors.MalformedTokenError{
			Cause: fmt.Errorf("expected exactly one signature, got %d", len(jws.Signatures)),
		}
	}

	header := Header{
		Algorithm: jws.Signatures[0].Header.Algorithm,
		KeyID:     jws.Signatures[0].Header.KeyID,
	}
	if typ, ok := jws.Signatures[0].Header.ExtraHeaders[jose.HeaderType].(string); ok {
		header.Type = typ
	}

	var payload map[string]any
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &payload); err != nil {
		return nil, &errors.MalformedTokenError{Cause: err}
	}

	return &Statement{Header: header, Payload: payload, RawToken: token}, nil
}

// KeySet is a collection of JSON web keys with constant-time lookup by kid. Keys that carry no
// kid are retained but can never be matched by kid-based lookup.
type KeySet struct {
	keys  []jose.JSONWebKey
	byKID map[string]jose.JSONWebKey
}

// NewKeySet constructs a KeySet from the provided keys, preserving their order.
func NewKeySet(keys []jose.JSONWebKey) KeySet {
	byKID := make(map[string]jose.JSONWebKey, len(keys))
	for _, key := range keys {
		if key.KeyID != "" {
			byKID[key.KeyID] = key
		}
	}
	return KeySet{keys: keys, byKID: byKID}
}

// Key returns the key with the given kid, if present.
func (ks KeySet) Key(kid string) (jose.JSONWebKey, bool) {
	if kid == "" {
		return jose.JSONWebKey{}, false
	}
	key, ok := ks.byKID[kid]
	return key, ok
}

// KeyIDs returns the kids present in the set, in key order.
func (ks KeySet) KeyIDs() []string {
	kids := []string{}
	for _, key := range ks.keys {
		if key.KeyID != "" {
			kids = append(kids, key.KeyID)
		}
	}
	return kids
}

// Keys returns the keys in the set, in their original order.
func (ks KeySet) Keys() []jose.JSONWebKey {
	return ks.keys
}

// Len returns the number of keys in the set.
func (ks KeySet) Len() int {
	return len(ks.keys)
}

// KeySetFromPayload extracts the key set embedded in a statement payload's jwks claim. Remote key
// sets (jwks_uri, signed_jwks_uri) are not supported and fail loudly rather than silently
// yielding an empty set.
func KeySetFromPayload(payload map[string]any) (KeySet, error) {
	jwksClaim, ok := payload["jwks"]
	if !ok {
		for _, claim := range []string{"jwks_uri", "signed_jwks_uri"} {
			if _, ok := payload[claim]; ok {
				return KeySet{}, &errors.UnsupportedFeatureError{Feature: "remote key set (" + claim + ")"}
			}
		}
		return KeySet{}, errors.Errorf("payload declares no jwks claim")
	}

	// The claim was deserialized into map[string]any. Round-trip it through JSON so jose can give
	// us a richer representation.
	jwksJSON, err := json.Marshal(jwksClaim)
	if err != nil {
		return KeySet{}, errors.Errorf("failed to marshal jwks claim: %w", err)
	}

	var jwks jose.JSONWebKeySet
	if err := json.Unmarshal(jwksJSON, &jwks); err != nil {
		return KeySet{}, &errors.MalformedTokenError{
			Cause: fmt.Errorf("jwks claim is not a JSON web key set: %w", err),
		}
	}

	return NewKeySet(jwks.Keys), nil
}
