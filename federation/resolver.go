package federation

import (
	"context"
	"log/slog"
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/carlotafuro/spid-cie-oidc-go/errors"
	"github.com/carlotafuro/spid-cie-oidc-go/httpclient"
)

// Fetcher retrieves a batch of remote documents concurrently, one result per URL in input order,
// with independent failure per URL.
type Fetcher interface {
	FetchAll(ctx context.Context, urls []string) []httpclient.Result
}

// Chain is an ordered path of entity configurations from a leaf up to a candidate trust anchor
// (a node with no further authority hints). Every adjacent pair on the path has been
// cross-validated in both directions.
type Chain []*EntityConfiguration

// Subjects returns the subjects on the chain, leaf first.
func (c Chain) Subjects() []string {
	subjects := make([]string, len(c))
	for i, node := range c {
		subjects[i] = node.Subject
	}
	return subjects
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// Fetcher retrieves remote documents. Defaults to an httpclient.Client expecting entity
	// statement content.
	Fetcher Fetcher
	// Verifier checks token signatures. Defaults to go-jose.
	Verifier Verifier
	// MaxAuthorityHints clamps how many authority hints are followed per entity, preserving
	// declared order. Zero means no limit.
	MaxAuthorityHints int
	// MaxDepth bounds recursive ascent toward trust anchors. A node at the limit is treated as
	// terminal. Zero means no limit.
	MaxDepth int
	// FilterByAllowedTrustMarks is not supported. Supplying it is a hard error, not a no-op.
	FilterByAllowedTrustMarks []string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Resolver discovers and validates trust chains: it fetches the entity configurations named by
// authority hints, partitions them into verified and failed superiors, cross-validates the
// statements superiors issue about their subordinates, and recurses upward until it reaches
// candidate trust anchors.
type Resolver struct {
	fetcher           Fetcher
	verifier          Verifier
	maxAuthorityHints int
	maxDepth          int
	logger            *slog.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(options ResolverOptions) (*Resolver, error) {
	if len(options.FilterByAllowedTrustMarks) > 0 {
		return nil, &errors.UnsupportedFeatureError{Feature: "trust mark filtering"}
	}

	fetcher := options.Fetcher
	if fetcher == nil {
		fetcher = httpclient.New(httpclient.Options{
			ExpectedContentType: EntityStatementContentType,
			Logger:              options.Logger,
		})
	}
	verifier := options.Verifier
	if verifier == nil {
		verifier = JOSEVerifier{}
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		fetcher:           fetcher,
		verifier:          verifier,
		maxAuthorityHints: options.MaxAuthorityHints,
		maxDepth:          options.MaxDepth,
		logger:            logger,
	}, nil
}

// clampHints applies the MaxAuthorityHints policy: truncate to the first entries in declared
// order and warn about the discarded subjects. This is a policy clamp, not an error.
func (r *Resolver) clampHints(hints []string) []string {
	if r.maxAuthorityHints <= 0 || len(hints) <= r.maxAuthorityHints {
		return hints
	}

	r.logger.Warn("truncating authority hints",
		"found", len(hints),
		"max_authority_hints", r.maxAuthorityHints,
		"ignored", strings.Join(hints[r.maxAuthorityHints:], ", "))

	return hints[:r.maxAuthorityHints]
}

// GetSuperiors fetches the entity configuration of every superior named by hints (or by the
// entity's own authority hints when hints is empty), self-validates each one and partitions the
// outcomes into the entity's VerifiedSuperiors and FailedSuperiors maps. A configuration whose
// subject differs from the hint it was fetched for fails, so every verified superior is keyed by
// the hint that produced it. One unfetchable or invalid superior never aborts the rest of the
// batch; it is recorded and the batch continues. Returns the accumulated verified superiors.
func (r *Resolver) GetSuperiors(ctx context.Context, ec *EntityConfiguration, hints []string) map[string]*EntityConfiguration {
	if len(hints) == 0 {
		hints = ec.AuthorityHints
	}
	hints = r.clampHints(hints)

	urls := make([]string, len(hints))
	for i, hint := range hints {
		urls[i] = WellKnownURL(hint)
		r.logger.Info("requesting entity configuration", "url", urls[i])
	}

	for i, result := range r.fetcher.FetchAll(ctx, urls) {
		hint := hints[i]

		if result.Err != nil {
			r.logger.Warn("failed to fetch entity configuration",
				"subject", hint, "error", result.Err)
			ec.FailedSuperiors[hint] = nil
			continue
		}

		superior, err := NewEntityConfiguration(result.Body, r.verifier)
		if err != nil {
			r.logger.Warn("failed to parse entity configuration",
				"subject", hint, "error", err)
			ec.FailedSuperiors[hint] = nil
			continue
		}

		// The configuration must be about the entity it was fetched for. A peer that serves a
		// configuration for some other subject (replaying one already on the resolution path, say)
		// must not have it attributed, let alone recursed into, under that subject.
		if superior.Subject != hint {
			r.logger.Warn("entity configuration subject does not match its authority hint",
				"hint", hint, "subject", superior.Subject)
			ec.FailedSuperiors[hint] = superior
			continue
		}

		if err := superior.ValidateByItself(); err != nil {
			r.logger.Warn("entity configuration failed self-validation",
				"subject", superior.Subject, "error", err)
			ec.FailedSuperiors[superior.Subject] = superior
			continue
		}

		ec.VerifiedSuperiors[superior.Subject] = superior
	}

	return ec.VerifiedSuperiors
}

// ValidateBySuperiors fetches, from each already-resolved superior, the statement that superior
// issues about ec's subject, and runs the bidirectional cross-validation protocol on it. A
// superior without a federation_api_endpoint is recorded as unreachable and skipped: a missing
// endpoint is a configuration gap, not a cryptographic failure. Returns the accumulated
// VerifiedBySuperiors map.
func (r *Resolver) ValidateBySuperiors(ctx context.Context, ec *EntityConfiguration, superiors map[string]*EntityConfiguration) map[string]bool {
	for _, subject := range sortedKeys(superiors) {
		superior := superiors[subject]

		endpoint, ok := superior.FederationFetchEndpoint()
		if !ok {
			r.logger.Warn("missing federation_api_endpoint in federation_entity metadata",
				"subject", ec.Subject, "superior", superior.Subject)
			ec.UnreachableSuperiors[superior.Subject] = superior
			continue
		}

		statementURL, err := subordinateStatementURL(endpoint, ec.Subject)
		if err != nil {
			r.logger.Warn("invalid federation_api_endpoint in federation_entity metadata",
				"subject", ec.Subject, "superior", superior.Subject, "error", err)
			ec.UnreachableSuperiors[superior.Subject] = superior
			continue
		}

		r.logger.Info("requesting entity statement", "url", statementURL)
		result := r.fetcher.FetchAll(ctx, []string{statementURL})[0]
		if result.Err != nil {
			r.logger.Warn("failed to fetch entity statement",
				"subject", ec.Subject, "superior", superior.Subject, "error", result.Err)
			ec.FailedBySuperiors[superior.Subject] = false
			continue
		}

		ec.ValidateBySuperiorStatement(result.Body, superior)
	}

	return ec.VerifiedBySuperiors
}

// Resolve parses and self-validates the leaf entity configuration token, then walks the
// authority hint graph upward, validating each level in both directions, until every surviving
// branch ends at a node with no further authority hints or the depth limit. The returned leaf
// retains the full classification (verified, failed, unreachable) of every candidate superior
// encountered; the returned chains are the verified paths, leaf first.
//
// A subject encountered twice on one path is a hard TrustChainCycleError: authority hint graphs
// are only acyclic by convention.
func (r *Resolver) Resolve(ctx context.Context, token string) (*EntityConfiguration, []Chain, error) {
	leaf, err := NewEntityConfiguration(token, r.verifier)
	if err != nil {
		return nil, nil, err
	}
	if err := leaf.ValidateByItself(); err != nil {
		return nil, nil, err
	}

	chains, err := r.resolve(ctx, leaf, []string{leaf.Subject}, 0)
	if err != nil {
		return nil, nil, err
	}

	return leaf, chains, nil
}

func (r *Resolver) resolve(ctx context.Context, node *EntityConfiguration, path []string, depth int) ([]Chain, error) {
	if len(node.AuthorityHints) == 0 {
		// Candidate trust anchor.
		return []Chain{{node}}, nil
	}

	if r.maxDepth > 0 && depth >= r.maxDepth {
		r.logger.Warn("max trust chain depth reached",
			"subject", node.Subject, "max_depth", r.maxDepth)
		return []Chain{{node}}, nil
	}

	hints := r.clampHints(node.AuthorityHints)
	for _, hint := range hints {
		if slices.Contains(path, hint) {
			return nil, &errors.TrustChainCycleError{Subject: hint, Path: path}
		}
	}

	verified := r.GetSuperiors(ctx, node, hints)
	r.ValidateBySuperiors(ctx, node, verified)

	var chains []Chain
	for _, subject := range sortedKeys(verified) {
		if !node.VerifiedBySuperiors[subject] {
			// The superior self-validated but the bidirectional cross-check did not hold; this
			// branch does not extend the chain.
			continue
		}

		superiorChains, err := r.resolve(ctx, verified[subject], append(slices.Clone(path), subject), depth+1)
		if err != nil {
			return nil, err
		}
		for _, superiorChain := range superiorChains {
			chains = append(chains, append(Chain{node}, superiorChain...))
		}
	}

	if len(chains) == 0 {
		// Every branch above this node failed; the node still terminates its own chain so the
		// caller can inspect how far resolution got.
		chains = []Chain{{node}}
	}

	return chains, nil
}

// subordinateStatementURL builds the URL for fetching the statement a superior issues about
// subject, by adding a sub query parameter to the superior's declared endpoint.
func subordinateStatementURL(endpoint, subject string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Errorf("bad federation_api_endpoint '%s': %w", endpoint, err)
	}

	query := parsed.Query()
	query.Set("sub", subject)
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

func sortedKeys(configs map[string]*EntityConfiguration) []string {
	keys := make([]string, 0, len(configs))
	for key := range configs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
