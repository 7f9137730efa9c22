package federation

import (
	"net/url"
	"strings"

	"github.com/carlotafuro/spid-cie-oidc-go/errors"
)

// ValidateIdentifier checks that the provided string is usable as a federation entity identifier:
// an http(s) URL with no query and no fragment.
//
// https is required by OpenID Federation, but http is accepted here too so that federations of
// http://localhost entities can be exercised in tests.
func ValidateIdentifier(identifier string) error {
	parsed, err := url.Parse(identifier)
	if err != nil {
		return errors.Errorf("'%s' is not a valid entity identifier: %w", identifier, err)
	}

	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.Errorf("'%s' is not a valid entity identifier: scheme must be http(s)", identifier)
	}

	if parsed.Fragment != "" {
		return errors.Errorf("'%s' is not a valid entity identifier: has fragment", identifier)
	}

	if len(parsed.Query()) > 0 {
		return errors.Errorf("'%s' is not a valid entity identifier: has query", identifier)
	}

	return nil
}

// WellKnownURL returns the discovery URL for an entity's configuration: the subject with exactly
// one trailing slash, then the fixed well-known suffix.
func WellKnownURL(subject string) string {
	if !strings.HasSuffix(subject, "/") {
		subject += "/"
	}
	return subject + WellKnownPath
}
