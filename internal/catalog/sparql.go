// Package catalog answers product questions from a read-only product
// knowledge base served over the SPARQL 1.1 protocol.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"support-agent/internal/infra/resilience"
)

const DefaultNamespace = "http://example.org/product-inquiry#"

// HTTPStatusError captures non-2xx responses from the SPARQL endpoint.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("catalog: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// sparqlResults is the application/sparql-results+json document shape.
type sparqlResults struct {
	Head struct {
		Vars []string `json:"vars"`
	} `json:"head"`
	Results struct {
		Bindings []map[string]struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"bindings"`
	} `json:"results"`
}

// Row is one solution of a SELECT query, keyed by variable name.
type Row map[string]string

// Client runs SELECT queries against a SPARQL endpoint.
type Client struct {
	endpoint   string
	namespace  string
	httpClient *http.Client
	retry      resilience.Config
}

type Option func(*Client)

func WithNamespace(ns string) Option {
	return func(c *Client) {
		if ns = strings.TrimSpace(ns); ns != "" {
			c.namespace = ns
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithRetry retries failed queries with exponential backoff. Queries are
// read-only so retrying is always safe.
func WithRetry(cfg resilience.Config) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

func NewClient(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("catalog: endpoint must not be empty")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("catalog: invalid endpoint: %w", err)
	}
	c := &Client{
		endpoint:   endpoint,
		namespace:  DefaultNamespace,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      resilience.Config{MaxRetries: 0, InitialBackoff: 100 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Select runs query and returns its solutions.
func (c *Client) Select(ctx context.Context, query string) ([]Row, error) {
	var rows []Row
	err := resilience.RetryWithBackoff(ctx, c.retry, func() error {
		var err error
		rows, err = c.selectOnce(ctx, query)
		return err
	})
	return rows, err
}

func (c *Client) selectOnce(ctx context.Context, query string) ([]Row, error) {
	form := url.Values{"query": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("catalog: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/sparql-results+json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: query failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: c.endpoint, Body: string(buf)}
	}

	var payload sparqlResults
	if err := json.NewDecoder(io.LimitReader(res.Body, 4<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("catalog: decode results: %w", err)
	}
	rows := make([]Row, 0, len(payload.Results.Bindings))
	for _, b := range payload.Results.Bindings {
		row := make(Row, len(b))
		for name, term := range b {
			row[name] = term.Value
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (c *Client) prefix() string {
	return "PREFIX : <" + c.namespace + ">\n"
}

// quote renders s as a SPARQL string literal.
func quote(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"\r", `\r`,
		"\t", `\t`,
	)
	return `"` + r.Replace(s) + `"`
}
