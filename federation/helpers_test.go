package federation

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/carlotafuro/spid-cie-oidc-go/errors"
	"github.com/carlotafuro/spid-cie-oidc-go/httpclient"
)

// testSigner holds one P-256 signing key with a thumbprint-derived kid, like real federation
// entities use.
type testSigner struct {
	key *ecdsa.PrivateKey
	kid string
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	publicJWK := jose.JSONWebKey{Key: key.Public(), Algorithm: "ES256", Use: "sig"}
	thumbprint, err := publicJWK.Thumbprint(crypto.SHA256)
	require.NoError(t, err)

	return &testSigner{key: key, kid: base64.URLEncoding.EncodeToString(thumbprint)}
}

// jwks returns the signer's public key set as the map shape it takes in a statement payload.
func (s *testSigner) jwks(t *testing.T) map[string]any {
	t.Helper()

	keySet := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key: s.key.Public(), KeyID: s.kid, Algorithm: "ES256", Use: "sig",
	}}}
	keySetJSON, err := json.Marshal(keySet)
	require.NoError(t, err)

	var claim map[string]any
	require.NoError(t, json.Unmarshal(keySetJSON, &claim))
	return claim
}

// sign produces a compact serialized entity-statement JWS over payload.
func (s *testSigner) sign(t *testing.T, payload map[string]any) string {
	t.Helper()

	payloadJSON, err := json.Marshal(payload)
	require.NoError(t, err)

	return s.signRaw(t, payloadJSON)
}

func (s *testSigner) signRaw(t *testing.T, payload []byte) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: s.key},
		&jose.SignerOptions{
			ExtraHeaders: map[jose.HeaderKey]any{
				jose.HeaderType: EntityStatementHeaderType,
				"kid":           s.kid,
			},
		},
	)
	require.NoError(t, err)

	signed, err := signer.Sign(payload)
	require.NoError(t, err)

	compact, err := signed.CompactSerialize()
	require.NoError(t, err)
	return compact
}

// entityConfigurationPayload builds the payload of a self-issued entity configuration.
func entityConfigurationPayload(t *testing.T, subject string, signer *testSigner, hints []string) map[string]any {
	t.Helper()

	payload := map[string]any{
		"iss":  subject,
		"sub":  subject,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour).Unix(),
		"jwks": signer.jwks(t),
	}
	if len(hints) > 0 {
		anyHints := make([]any, len(hints))
		for i, hint := range hints {
			anyHints[i] = hint
		}
		payload["authority_hints"] = anyHints
	}
	return payload
}

// entityConfigurationToken builds and signs a self-issued entity configuration.
func entityConfigurationToken(t *testing.T, subject string, signer *testSigner, hints []string) string {
	t.Helper()
	return signer.sign(t, entityConfigurationPayload(t, subject, signer, hints))
}

// subordinateStatementPayload builds the payload of a statement issuer emits about subject,
// vouching for the given key set.
func subordinateStatementPayload(issuer, subject string, jwks map[string]any) map[string]any {
	return map[string]any{
		"iss":  issuer,
		"sub":  subject,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour).Unix(),
		"jwks": jwks,
	}
}

// fakeFetcher serves canned documents by URL and records which URLs were requested.
type fakeFetcher struct {
	mutex     sync.Mutex
	documents map[string]string
	requested []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{documents: make(map[string]string)}
}

func (f *fakeFetcher) serve(url, body string) {
	f.documents[url] = body
}

func (f *fakeFetcher) FetchAll(_ context.Context, urls []string) []httpclient.Result {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	results := make([]httpclient.Result, len(urls))
	for i, url := range urls {
		f.requested = append(f.requested, url)
		body, ok := f.documents[url]
		if !ok {
			results[i] = httpclient.Result{URL: url, Err: &errors.FetchError{
				URL: url, Cause: errors.Errorf("no such document"),
			}}
			continue
		}
		results[i] = httpclient.Result{URL: url, Body: body}
	}
	return results
}

func (f *fakeFetcher) requestedURLs() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string{}, f.requested...)
}

func newTestResolver(t *testing.T, fetcher Fetcher, options ResolverOptions) *Resolver {
	t.Helper()
	options.Fetcher = fetcher
	resolver, err := NewResolver(options)
	require.NoError(t, err)
	return resolver
}
