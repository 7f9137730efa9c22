package federation

import (
	"github.com/carlotafuro/spid-cie-oidc-go/errors"
)

// Validity is the tri-state outcome of an entity configuration's self-validation.
type Validity int

const (
	// ValidityUnknown means self-validation has not run yet.
	ValidityUnknown Validity = iota
	// ValidityValid means the configuration's signature verified against its own key set.
	ValidityValid
	// ValidityInvalid means self-validation ran and failed.
	ValidityInvalid
)

func (v Validity) String() string {
	switch v {
	case ValidityValid:
		return "valid"
	case ValidityInvalid:
		return "invalid"
	default:
		return "unvalidated"
	}
}

// EntityConfiguration is the self-issued, self-signed statement of a federation entity: its
// subject, its signing keys and the authority hints naming its claimed superiors, together with
// the accumulated outcome of validating it against those superiors.
//
// A configuration is only ever mutated by the single resolution task that owns it. Superiors
// never write to each other's records; results only merge upward through return values.
type EntityConfiguration struct {
	Statement

	// Subject is the entity's identifier (iss and sub coincide in an entity configuration).
	Subject string
	// AuthorityHints is the ordered list of superior subjects declared by this entity. Empty
	// means the entity claims to be a trust anchor or has no superiors.
	AuthorityHints []string

	// VerifiedSuperiors and FailedSuperiors partition every superior fetched for this entity by
	// the outcome of the superior's own self-validation. A nil value in FailedSuperiors records a
	// candidate whose document could not be fetched or parsed at all.
	VerifiedSuperiors map[string]*EntityConfiguration
	FailedSuperiors   map[string]*EntityConfiguration

	// VerifiedBySuperiors and FailedBySuperiors record, per superior subject, the outcome of the
	// bidirectional cross-check against the statement that superior issued about this entity.
	VerifiedBySuperiors map[string]bool
	FailedBySuperiors   map[string]bool

	// UnreachableSuperiors records verified superiors whose federation metadata does not declare
	// a federation_api_endpoint. That is a configuration gap, not a cryptographic failure, so it
	// is kept apart from FailedSuperiors and FailedBySuperiors.
	UnreachableSuperiors map[string]*EntityConfiguration

	keySet   KeySet
	validity Validity
	verifier Verifier
}

// NewEntityConfiguration parses a compact serialized entity configuration token. The token's
// signature is not verified here; call ValidateByItself for that. The verifier may be nil, in
// which case go-jose is used.
func NewEntityConfiguration(token string, verifier Verifier) (*EntityConfiguration, error) {
	statement, err := ParseStatement(token)
	if err != nil {
		return nil, err
	}

	issuer, _ := statement.Payload["iss"].(string)
	subject, _ := statement.Payload["sub"].(string)
	if subject == "" {
		return nil, errors.Errorf("entity configuration has no sub claim")
	}
	if issuer != subject {
		return nil, errors.Errorf(
			"iss '%s' and sub '%s' must be identical in an entity configuration", issuer, subject)
	}
	if err := ValidateIdentifier(subject); err != nil {
		return nil, err
	}

	keySet, err := KeySetFromPayload(statement.Payload)
	if err != nil {
		return nil, err
	}

	var authorityHints []string
	if rawHints, ok := statement.Payload["authority_hints"].([]any); ok {
		for _, rawHint := range rawHints {
			hint, ok := rawHint.(string)
			if !ok {
				return nil, errors.Errorf("authority_hints contains a non-string entry: %v", rawHint)
			}
			authorityHints = append(authorityHints, hint)
		}
	}

	if verifier == nil {
		verifier = JOSEVerifier{}
	}

	return &EntityConfiguration{
		Statement:            *statement,
		Subject:              subject,
		AuthorityHints:       authorityHints,
		VerifiedSuperiors:    make(map[string]*EntityConfiguration),
		FailedSuperiors:      make(map[string]*EntityConfiguration),
		VerifiedBySuperiors:  make(map[string]bool),
		FailedBySuperiors:    make(map[string]bool),
		UnreachableSuperiors: make(map[string]*EntityConfiguration),
		keySet:               keySet,
		verifier:             verifier,
	}, nil
}

// KeySet returns the key set embedded in the configuration's payload.
func (ec *EntityConfiguration) KeySet() KeySet {
	return ec.keySet
}

// Validity reports the outcome of the most recent self-validation.
func (ec *EntityConfiguration) Validity() Validity {
	return ec.validity
}

// ValidateByItself verifies the configuration's own signature against its embedded key set,
// selecting the key by the kid declared in the token header. Success returns nil; there is no
// silent false outcome. The verifier's error is propagated unchanged on signature mismatch.
func (ec *EntityConfiguration) ValidateByItself() error {
	key, ok := ec.keySet.Key(ec.Header.KeyID)
	if !ok {
		ec.validity = ValidityInvalid
		return &errors.UnknownKeyIDError{KeyID: ec.Header.KeyID, Available: ec.keySet.KeyIDs()}
	}

	if _, err := ec.verifier.Verify(ec.RawToken, key); err != nil {
		ec.validity = ValidityInvalid
		return err
	}

	ec.validity = ValidityValid
	return nil
}

// ValidateDescendantStatement checks a statement this entity is asked to vouch for: the
// statement's kid must resolve in this entity's own key set and its signature must verify with
// that key. Run by the superior side of an edge. Failures propagate; they are only converted to
// a boolean at the ValidateBySuperiorStatement boundary.
func (ec *EntityConfiguration) ValidateDescendantStatement(token string) error {
	statement, err := ParseStatement(token)
	if err != nil {
		return err
	}

	key, ok := ec.keySet.Key(statement.Header.KeyID)
	if !ok {
		return &errors.UnknownKeyIDError{KeyID: statement.Header.KeyID, Available: ec.keySet.KeyIDs()}
	}

	_, err = ec.verifier.Verify(token, key)
	return err
}

// ValidateBySuperiorStatement validates this entity with a statement issued about it by a
// superior: the superior must self-validate, the statement must verify as the superior's own
// issuance, and this entity's original token must re-verify against the key set the statement
// embeds for it, matched by this entity's kid.
//
// Every failure is converted into a boolean here. A misbehaving or unreachable superior must
// only mark this one edge failed, never abort resolution of the rest of the chain. The outcome
// is recorded under the statement's declared issuer (falling back to the superior's subject when
// the statement is too broken to name one).
func (ec *EntityConfiguration) ValidateBySuperiorStatement(token string, superior *EntityConfiguration) bool {
	issuer := superior.Subject

	isValid := func() bool {
		statement, err := ParseStatement(token)
		if err != nil {
			return false
		}
		if declaredIssuer, ok := statement.Payload["iss"].(string); ok && declaredIssuer != "" {
			issuer = declaredIssuer
		}

		if err := superior.ValidateByItself(); err != nil {
			return false
		}
		if err := superior.ValidateDescendantStatement(token); err != nil {
			return false
		}

		embeddedKeySet, err := KeySetFromPayload(statement.Payload)
		if err != nil {
			return false
		}
		key, ok := embeddedKeySet.Key(ec.Header.KeyID)
		if !ok {
			return false
		}
		if _, err := ec.verifier.Verify(ec.RawToken, key); err != nil {
			return false
		}

		return true
	}()

	if isValid {
		ec.VerifiedBySuperiors[issuer] = true
	} else {
		ec.FailedBySuperiors[issuer] = false
	}

	return isValid
}

// GetValidTrustMarks would validate the entity configuration only if it carries a well-known
// trust mark issued by a trusted issuer. Trust-mark policy is not implemented in this core.
func (ec *EntityConfiguration) GetValidTrustMarks() error {
	return &errors.UnsupportedFeatureError{Feature: "trust mark validation"}
}

// FederationFetchEndpoint returns the federation_api_endpoint declared in the entity's
// federation_entity metadata, if any.
func (ec *EntityConfiguration) FederationFetchEndpoint() (string, bool) {
	metadata, ok := ec.Payload["metadata"].(map[string]any)
	if !ok {
		return "", false
	}
	federationEntity, ok := metadata["federation_entity"].(map[string]any)
	if !ok {
		return "", false
	}
	endpoint, ok := federationEntity["federation_api_endpoint"].(string)
	if !ok || endpoint == "" {
		return "", false
	}
	return endpoint, true
}

func (ec *EntityConfiguration) String() string {
	return ec.Subject + " " + ec.validity.String()
}
