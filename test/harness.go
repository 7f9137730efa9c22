// Package test contains a localhost federation harness: signing entities served over HTTP so the
// resolver can be exercised end to end against real well-known and fetch endpoints.
package test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/stretchr/testify/require"

	"github.com/carlotafuro/spid-cie-oidc-go/federation"
)

// signingAlgorithm is the algorithm every harness entity signs with.
var signingAlgorithm = jwa.ES256()

// Signer is one entity's federation signing key, with a thumbprint-derived kid. The public jwks
// claim is computed up front on the test goroutine so HTTP handlers can read it freely.
type Signer struct {
	key       *ecdsa.PrivateKey
	kid       string
	jwksClaim map[string]any
}

func NewSigner(t *testing.T) *Signer {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	publicJWK := jose.JSONWebKey{Key: key.Public(), Algorithm: signingAlgorithm.String(), Use: "sig"}
	thumbprint, err := publicJWK.Thumbprint(crypto.SHA256)
	require.NoError(t, err)
	kid := base64.URLEncoding.EncodeToString(thumbprint)

	keySet := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key: key.Public(), KeyID: kid, Algorithm: signingAlgorithm.String(), Use: "sig",
	}}}
	keySetJSON, err := json.Marshal(keySet)
	require.NoError(t, err)

	var claim map[string]any
	require.NoError(t, json.Unmarshal(keySetJSON, &claim))

	return &Signer{key: key, kid: kid, jwksClaim: claim}
}

// JWKS returns the signer's public key set in the shape it takes as a statement's jwks claim.
func (s *Signer) JWKS() map[string]any {
	return s.jwksClaim
}

// Sign produces a compact serialized entity-statement JWS over payload.
func (s *Signer) Sign(t *testing.T, payload map[string]any) string {
	t.Helper()

	compact, err := s.signPayload(payload)
	require.NoError(t, err)
	return compact
}

// signPayload is the error-returning form of Sign, for callers off the test goroutine (HTTP
// handlers must not FailNow).
func (s *Signer) signPayload(payload map[string]any) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.SignatureAlgorithm(signingAlgorithm.String()), Key: s.key},
		&jose.SignerOptions{
			ExtraHeaders: map[jose.HeaderKey]any{
				jose.HeaderType: federation.EntityStatementHeaderType,
				"kid":           s.kid,
			},
		},
	)
	if err != nil {
		return "", err
	}

	signed, err := signer.Sign(payloadJSON)
	if err != nil {
		return "", err
	}

	return signed.CompactSerialize()
}

// AuthorityOptions configures a harness Authority.
type AuthorityOptions struct {
	// AuthorityHints are the superiors the authority declares in its entity configuration.
	AuthorityHints []string
	// OmitFederationMetadata leaves the federation_entity metadata (and thus the
	// federation_api_endpoint) out of the entity configuration entirely.
	OmitFederationMetadata bool
}

// Authority is a federation entity served over localhost HTTP: it publishes its own entity
// configuration at the well-known path and issues subordinate statements from its fetch
// endpoint.
type Authority struct {
	t       *testing.T
	signer  *Signer
	server  *httptest.Server
	options AuthorityOptions

	// subordinates maps subject -> the jwks claim this authority vouches for that subject.
	subordinates map[string]map[string]any
}

// NewAuthority starts an Authority. The returned entity's identifier is the server's URL; the
// server is torn down with the test.
func NewAuthority(t *testing.T, options AuthorityOptions) *Authority {
	t.Helper()

	authority := &Authority{
		t:            t,
		signer:       NewSigner(t),
		options:      options,
		subordinates: make(map[string]map[string]any),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/"+federation.WellKnownPath, authority.entityConfigurationHandler)
	mux.HandleFunc("/fetch", authority.fetchHandler)

	authority.server = httptest.NewServer(mux)
	t.Cleanup(authority.server.Close)

	return authority
}

// Identifier returns the authority's entity identifier.
func (a *Authority) Identifier() string {
	return a.server.URL
}

// Signer returns the authority's federation signing key.
func (a *Authority) Signer() *Signer {
	return a.signer
}

// AddSubordinate makes the authority vouch for subject with the given jwks claim. The matching
// subordinate statement becomes available from the fetch endpoint.
func (a *Authority) AddSubordinate(subject string, jwks map[string]any) {
	a.subordinates[subject] = jwks
}

// EntityConfigurationPayload builds the authority's self-issued configuration payload.
func (a *Authority) EntityConfigurationPayload() map[string]any {
	payload := map[string]any{
		"iss":  a.Identifier(),
		"sub":  a.Identifier(),
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour).Unix(),
		"jwks": a.signer.JWKS(),
	}
	if len(a.options.AuthorityHints) > 0 {
		payload["authority_hints"] = a.options.AuthorityHints
	}
	if !a.options.OmitFederationMetadata {
		payload["metadata"] = map[string]any{
			"federation_entity": map[string]any{
				"federation_api_endpoint": a.Identifier() + "/fetch",
			},
		}
	}
	return payload
}

func (a *Authority) entityConfigurationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET is allowed", http.StatusMethodNotAllowed)
		return
	}

	a.writeSigned(w, a.EntityConfigurationPayload())
}

// writeSigned signs payload and writes it as an entity statement response. Handlers run off the
// test goroutine, so a signing failure is reported with t.Error, never FailNow.
func (a *Authority) writeSigned(w http.ResponseWriter, payload map[string]any) {
	token, err := a.signer.signPayload(payload)
	if err != nil {
		a.t.Errorf("failed to sign statement for %s: %s", a.Identifier(), err)
		http.Error(w, "signing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", federation.EntityStatementContentType)
	w.Write([]byte(token))
}

func (a *Authority) fetchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET is allowed", http.StatusMethodNotAllowed)
		return
	}

	subject := r.URL.Query().Get("sub")
	if subject == "" {
		http.Error(w, "sub query parameter is required", http.StatusBadRequest)
		return
	}

	jwks, ok := a.subordinates[subject]
	if !ok {
		http.Error(w, "subordinate not found", http.StatusNotFound)
		return
	}

	a.writeSigned(w, map[string]any{
		"iss":  a.Identifier(),
		"sub":  subject,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour).Unix(),
		"jwks": jwks,
	})
}

// NewLeafEntity mints a leaf's signer and entity configuration token. Leaves are never fetched,
// so they need no server, only a token to hand to the resolver.
func NewLeafEntity(t *testing.T, identifier string, authorityHints []string) (*Signer, string) {
	t.Helper()

	signer := NewSigner(t)
	payload := map[string]any{
		"iss":  identifier,
		"sub":  identifier,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour).Unix(),
		"jwks": signer.JWKS(),
	}
	if len(authorityHints) > 0 {
		payload["authority_hints"] = authorityHints
	}

	return signer, signer.Sign(t, payload)
}
