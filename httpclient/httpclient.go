// Package httpclient retrieves remote federation documents. Its one batch primitive fetches a
// set of URLs concurrently with independent per-URL outcomes: one bad or slow URL never fails
// the rest of the batch.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/carlotafuro/spid-cie-oidc-go/errors"
)

// Result is the outcome of fetching a single URL. Exactly one of Body and Err is meaningful.
type Result struct {
	URL  string
	Body string
	Err  error
}

// Options configures a Client.
type Options struct {
	// Timeout bounds each individual request. Zero means no client-side timeout; the context
	// passed to FetchAll may still carry a deadline.
	Timeout time.Duration
	// InsecureSkipVerify disables TLS certificate verification, for federations of test entities
	// with self-signed certificates.
	InsecureSkipVerify bool
	// ExpectedContentType, if set, is checked against each response's Content-Type header. A
	// mismatch is logged, not failed: some deployed entities serve statements with sloppy types.
	ExpectedContentType string
	// CacheTTL enables caching of fetched documents by URL for the given duration. Zero disables
	// the cache.
	CacheTTL time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client fetches federation documents over HTTP.
type Client struct {
	client              http.Client
	documents           *cache.Cache
	expectedContentType string
	logger              *slog.Logger
}

// New constructs a Client.
func New(options Options) *Client {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var documents *cache.Cache
	if options.CacheTTL > 0 {
		documents = cache.New(options.CacheTTL, options.CacheTTL)
	}

	return &Client{
		client: http.Client{
			Timeout: options.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: options.InsecureSkipVerify},
			},
		},
		documents:           documents,
		expectedContentType: options.ExpectedContentType,
		logger:              logger,
	}
}

// FetchAll retrieves every URL concurrently and returns one Result per URL, in input order.
// Failures, including a deadline expiring on ctx, are recorded per URL and never abort the rest
// of the batch.
func (c *Client) FetchAll(ctx context.Context, urls []string) []Result {
	results := make([]Result, len(urls))

	var wg sync.WaitGroup
	for i, url := range urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			results[i] = c.fetch(ctx, url)
		}(i, url)
	}
	wg.Wait()

	return results
}

func (c *Client) fetch(ctx context.Context, url string) Result {
	if c.documents != nil {
		if body, ok := c.documents.Get(url); ok {
			fetches.WithLabelValues(outcomeCached).Inc()
			return Result{URL: url, Body: body.(string)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		fetches.WithLabelValues(outcomeFailure).Inc()
		return Result{URL: url, Err: &errors.FetchError{URL: url, Cause: err}}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		fetches.WithLabelValues(outcomeFailure).Inc()
		return Result{URL: url, Err: &errors.FetchError{URL: url, Cause: err}}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fetches.WithLabelValues(outcomeFailure).Inc()
		return Result{URL: url, Err: &errors.FetchError{
			URL:   url,
			Cause: fmt.Errorf("unexpected HTTP status: %d", resp.StatusCode),
		}}
	}

	if c.expectedContentType != "" && resp.Header.Get("Content-Type") != c.expectedContentType {
		c.logger.Warn("response has unexpected content type",
			"url", url,
			"content_type", resp.Header.Get("Content-Type"),
			"expected", c.expectedContentType)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fetches.WithLabelValues(outcomeFailure).Inc()
		return Result{URL: url, Err: &errors.FetchError{URL: url, Cause: err}}
	}

	if c.documents != nil {
		c.documents.SetDefault(url, string(body))
	}

	fetches.WithLabelValues(outcomeSuccess).Inc()
	return Result{URL: url, Body: string(body)}
}
