// Package fhirclient submits resources to the target FHIR API and pages
// through search results.
package fhirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/chartseed/internal/platform/fhir"
)

// maxAuthRetries is how many times a request is retried with a refreshed
// token after a 401.
const maxAuthRetries = 1

const (
	maxErrorBody  = 4 << 10
	maxSearchBody = 32 << 20
)

// correlationHeaders are checked in order for a server-side request id.
var correlationHeaders = []string{"X-Correlation-Id", "X-Request-Id"}

// SubmissionError is a terminal non-2xx response.
type SubmissionError struct {
	Status        int
	CorrelationID string
	Message       string
}

func (e *SubmissionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP %d", e.Status)
	if e.CorrelationID != "" {
		fmt.Fprintf(&b, " (correlation id %s)", e.CorrelationID)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// ErrNoLocation is returned when a create succeeds without a usable Location.
var ErrNoLocation = errors.New("created resource has no Location header")

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout. It applies to whichever HTTP
// client ends up installed, without modifying a client passed in through
// WithHTTPClient.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client talks to one FHIR base URL.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
	timeout    time.Duration
	logger     zerolog.Logger
}

func NewClient(baseURL string, tokens TokenProvider, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.timeout > 0 && c.httpClient.Timeout != c.timeout {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	return c
}

// Create POSTs payload as a new resourceType and returns the id the server
// assigned, parsed from the Location header.
func (c *Client) Create(ctx context.Context, resourceType string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", resourceType, err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/"+resourceType, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", newSubmissionError(resp)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody)) // drain

	location := resp.Header.Get("Location")
	if location == "" {
		location = resp.Header.Get("Content-Location")
	}
	id, err := fhir.ParseLocation(location, resourceType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoLocation, err)
	}
	return id, nil
}

// Search GETs resourceType with params and calls fn for every page, following
// next links until there are none.
func (c *Client) Search(ctx context.Context, resourceType string, params map[string]string, fn func(*fhir.Bundle) error) error {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	next := c.baseURL + "/" + resourceType
	if len(q) > 0 {
		next += "?" + q.Encode()
	}

	seen := make(map[string]bool)
	for next != "" {
		if seen[next] {
			return fmt.Errorf("search %s: next link %s repeats", resourceType, next)
		}
		seen[next] = true

		bundle, err := c.fetchBundle(ctx, next)
		if err != nil {
			return fmt.Errorf("search %s: %w", resourceType, err)
		}
		if err := fn(bundle); err != nil {
			return err
		}
		next, err = c.resolve(bundle.LinkURL("next"))
		if err != nil {
			return fmt.Errorf("search %s: %w", resourceType, err)
		}
	}
	return nil
}

func (c *Client) fetchBundle(ctx context.Context, pageURL string) (*fhir.Bundle, error) {
	resp, err := c.do(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newSubmissionError(resp)
	}
	var b fhir.Bundle
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSearchBody)).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}

// resolve turns a possibly relative link into an absolute URL.
func (c *Client) resolve(link string) (string, error) {
	if link == "" {
		return "", nil
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse link %q: %w", link, err)
	}
	if ref.IsAbs() {
		return link, nil
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// do sends one request, retrying with a refreshed token at most
// maxAuthRetries times on 401. The final response is returned as is.
func (c *Client) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	for attempt := 0; attempt <= maxAuthRetries; attempt++ {
		var (
			token string
			err   error
		)
		if attempt == 0 {
			token, err = c.tokens.Token(ctx)
		} else {
			token, err = c.tokens.Refresh(ctx)
		}
		if err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/fhir+json, application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, target, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt < maxAuthRetries {
			io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			c.logger.Debug().Str("method", method).Str("url", target).Msg("401 from target, refreshing token")
			continue
		}
		return resp, nil
	}
	// unreachable: the last attempt always returns
	return nil, errors.New("auth retry loop exhausted")
}

func newSubmissionError(resp *http.Response) *SubmissionError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	e := &SubmissionError{Status: resp.StatusCode, Message: strings.TrimSpace(msg)}
	for _, h := range correlationHeaders {
		if v := resp.Header.Get(h); v != "" {
			e.CorrelationID = v
			break
		}
	}
	return e
}
