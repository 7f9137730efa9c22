package federation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlotafuro/spid-cie-oidc-go/errors"
)

func TestNewEntityConfiguration(t *testing.T) {
	signer := newTestSigner(t)
	token := entityConfigurationToken(t, "https://leaf.example", signer,
		[]string{"https://intermediate.example", "https://ta.example"})

	ec, err := NewEntityConfiguration(token, nil)
	require.NoError(t, err)

	assert.Equal(t, "https://leaf.example", ec.Subject)
	assert.Equal(t, []string{"https://intermediate.example", "https://ta.example"}, ec.AuthorityHints)
	assert.Equal(t, ValidityUnknown, ec.Validity())
	assert.Equal(t, []string{signer.kid}, ec.KeySet().KeyIDs())
}

func TestNewEntityConfigurationNotSelfIssued(t *testing.T) {
	signer := newTestSigner(t)
	token := signer.sign(t, map[string]any{
		"iss":  "https://issuer.example",
		"sub":  "https://subject.example",
		"jwks": signer.jwks(t),
	})

	_, err := NewEntityConfiguration(token, nil)
	require.ErrorContains(t, err, "must be identical")
}

func TestNewEntityConfigurationNoSubject(t *testing.T) {
	signer := newTestSigner(t)
	token := signer.sign(t, map[string]any{"jwks": signer.jwks(t)})

	_, err := NewEntityConfiguration(token, nil)
	require.ErrorContains(t, err, "no sub claim")
}

func TestValidateByItself(t *testing.T) {
	signer := newTestSigner(t)
	token := entityConfigurationToken(t, "https://leaf.example", signer, nil)

	ec, err := NewEntityConfiguration(token, nil)
	require.NoError(t, err)

	require.NoError(t, ec.ValidateByItself())
	assert.Equal(t, ValidityValid, ec.Validity())
}

func TestValidateByItselfIdempotent(t *testing.T) {
	signer := newTestSigner(t)
	token := entityConfigurationToken(t, "https://leaf.example", signer, nil)

	ec, err := NewEntityConfiguration(token, nil)
	require.NoError(t, err)

	kidsBefore := ec.KeySet().KeyIDs()
	require.NoError(t, ec.ValidateByItself())
	require.NoError(t, ec.ValidateByItself())
	assert.Equal(t, ValidityValid, ec.Validity())
	assert.Equal(t, kidsBefore, ec.KeySet().KeyIDs())
}

func TestValidateByItselfUnknownKid(t *testing.T) {
	signer := newTestSigner(t)
	other := newTestSigner(t)

	// Signed with signer's key and kid, but the embedded key set is somebody else's.
	token := signer.sign(t, map[string]any{
		"iss":  "https://leaf.example",
		"sub":  "https://leaf.example",
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour).Unix(),
		"jwks": other.jwks(t),
	})

	ec, err := NewEntityConfiguration(token, nil)
	require.NoError(t, err)

	err = ec.ValidateByItself()
	var unknownKid *errors.UnknownKeyIDError
	require.ErrorAs(t, err, &unknownKid)
	assert.Equal(t, signer.kid, unknownKid.KeyID)
	assert.Equal(t, []string{other.kid}, unknownKid.Available)
	assert.Equal(t, ValidityInvalid, ec.Validity())
}

func TestValidateByItselfBadSignature(t *testing.T) {
	signer := newTestSigner(t)
	impostor := newTestSigner(t)
	// The impostor advertises the signer's kid on its own key, so kid lookup succeeds but
	// signature verification must not.
	impostorJWKS := impostor.jwks(t)
	impostorJWKS["keys"].([]any)[0].(map[string]any)["kid"] = signer.kid

	token := signer.sign(t, map[string]any{
		"iss":  "https://leaf.example",
		"sub":  "https://leaf.example",
		"jwks": impostorJWKS,
	})

	ec, err := NewEntityConfiguration(token, nil)
	require.NoError(t, err)

	require.Error(t, ec.ValidateByItself())
	assert.Equal(t, ValidityInvalid, ec.Validity())
}

func TestValidateDescendantStatement(t *testing.T) {
	superiorSigner := newTestSigner(t)
	leafSigner := newTestSigner(t)

	superior, err := NewEntityConfiguration(
		entityConfigurationToken(t, "https://ta.example", superiorSigner, nil), nil)
	require.NoError(t, err)

	statement := superiorSigner.sign(t, subordinateStatementPayload(
		"https://ta.example", "https://leaf.example", leafSigner.jwks(t)))
	require.NoError(t, superior.ValidateDescendantStatement(statement))

	// A statement signed by someone else's key must be refused by kid lookup.
	foreign := leafSigner.sign(t, subordinateStatementPayload(
		"https://ta.example", "https://leaf.example", leafSigner.jwks(t)))
	err = superior.ValidateDescendantStatement(foreign)
	var unknownKid *errors.UnknownKeyIDError
	require.ErrorAs(t, err, &unknownKid)
	assert.Equal(t, leafSigner.kid, unknownKid.KeyID)
}

func TestValidateBySuperiorStatement(t *testing.T) {
	superiorSigner := newTestSigner(t)
	leafSigner := newTestSigner(t)

	leaf, err := NewEntityConfiguration(
		entityConfigurationToken(t, "https://leaf.example", leafSigner,
			[]string{"https://ta.example"}), nil)
	require.NoError(t, err)

	superior, err := NewEntityConfiguration(
		entityConfigurationToken(t, "https://ta.example", superiorSigner, nil), nil)
	require.NoError(t, err)

	statement := superiorSigner.sign(t, subordinateStatementPayload(
		"https://ta.example", "https://leaf.example", leafSigner.jwks(t)))

	require.True(t, leaf.ValidateBySuperiorStatement(statement, superior))
	assert.Equal(t, map[string]bool{"https://ta.example": true}, leaf.VerifiedBySuperiors)
	assert.Empty(t, leaf.FailedBySuperiors)
}

func TestValidateBySuperiorStatementMissingSubjectKid(t *testing.T) {
	superiorSigner := newTestSigner(t)
	leafSigner := newTestSigner(t)
	unrelated := newTestSigner(t)

	leaf, err := NewEntityConfiguration(
		entityConfigurationToken(t, "https://leaf.example", leafSigner,
			[]string{"https://ta.example"}), nil)
	require.NoError(t, err)

	superior, err := NewEntityConfiguration(
		entityConfigurationToken(t, "https://ta.example", superiorSigner, nil), nil)
	require.NoError(t, err)

	// The superior's statement embeds a key set that does not contain the leaf's kid: the
	// cross-check must come back false, never panic or propagate an error.
	statement := superiorSigner.sign(t, subordinateStatementPayload(
		"https://ta.example", "https://leaf.example", unrelated.jwks(t)))

	require.False(t, leaf.ValidateBySuperiorStatement(statement, superior))
	assert.Equal(t, map[string]bool{"https://ta.example": false}, leaf.FailedBySuperiors)
	assert.Empty(t, leaf.VerifiedBySuperiors)
}

func TestValidateBySuperiorStatementMalformed(t *testing.T) {
	superiorSigner := newTestSigner(t)
	leafSigner := newTestSigner(t)

	leaf, err := NewEntityConfiguration(
		entityConfigurationToken(t, "https://leaf.example", leafSigner,
			[]string{"https://ta.example"}), nil)
	require.NoError(t, err)

	superior, err := NewEntityConfiguration(
		entityConfigurationToken(t, "https://ta.example", superiorSigner, nil), nil)
	require.NoError(t, err)

	// Unparsable statement: recorded under the superior's subject since the statement cannot
	// name its issuer.
	require.False(t, leaf.ValidateBySuperiorStatement("garbage", superior))
	assert.Equal(t, map[string]bool{"https://ta.example": false}, leaf.FailedBySuperiors)
}

func TestGetValidTrustMarks(t *testing.T) {
	signer := newTestSigner(t)
	ec, err := NewEntityConfiguration(
		entityConfigurationToken(t, "https://leaf.example", signer, nil), nil)
	require.NoError(t, err)

	var unsupported *errors.UnsupportedFeatureError
	require.ErrorAs(t, ec.GetValidTrustMarks(), &unsupported)
}

func TestFederationFetchEndpoint(t *testing.T) {
	signer := newTestSigner(t)
	payload := entityConfigurationPayload(t, "https://ta.example", signer, nil)
	payload["metadata"] = map[string]any{
		"federation_entity": map[string]any{
			"federation_api_endpoint": "https://ta.example/fetch",
		},
	}

	ec, err := NewEntityConfiguration(signer.sign(t, payload), nil)
	require.NoError(t, err)

	endpoint, ok := ec.FederationFetchEndpoint()
	require.True(t, ok)
	assert.Equal(t, "https://ta.example/fetch", endpoint)

	bare, err := NewEntityConfiguration(
		entityConfigurationToken(t, "https://ta.example", signer, nil), nil)
	require.NoError(t, err)
	_, ok = bare.FederationFetchEndpoint()
	assert.False(t, ok)
}
