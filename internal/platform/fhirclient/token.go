package fhirclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenProvider supplies bearer tokens. Refresh discards any cached token and
// fetches a new one.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// ClientCredentials is a TokenProvider for the OAuth2 client-credentials
// grant. The token is cached until it expires or Refresh is called.
type ClientCredentials struct {
	config     clientcredentials.Config
	httpClient *http.Client

	mu    sync.Mutex
	token *oauth2.Token
}

// NewClientCredentials builds a provider posting credentials as form
// parameters to tokenURL. httpClient may be nil.
func NewClientCredentials(tokenURL, clientID, clientSecret string, httpClient *http.Client) *ClientCredentials {
	return &ClientCredentials{
		config: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
	}
}

func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Valid() {
		return c.token.AccessToken, nil
	}
	return c.fetchLocked(ctx)
}

func (c *ClientCredentials) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchLocked(ctx)
}

func (c *ClientCredentials) fetchLocked(ctx context.Context) (string, error) {
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	tok, err := c.config.Token(ctx)
	if err != nil {
		c.token = nil
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	c.token = tok
	return tok.AccessToken, nil
}
