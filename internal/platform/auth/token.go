// Package auth issues and verifies the bearer tokens of the sandbox target
// API: an OAuth2 client-credentials token endpoint signing HS256 JWTs, and an
// echo middleware that guards the resource routes.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Data Structures
// ---------------------------------------------------------------------------

// OAuthError is an RFC 6749 error response.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// TokenResponse is the token endpoint's success body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// Claims are carried by every issued access token.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// ---------------------------------------------------------------------------
// Issuer
// ---------------------------------------------------------------------------

// Issuer authenticates registered clients and signs their access tokens.
type Issuer struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	clients map[string]string // client id -> secret
}

func NewIssuer(signingKey []byte, issuer string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{
		signingKey: signingKey,
		issuer:     issuer,
		ttl:        ttl,
		now:        time.Now,
		clients:    make(map[string]string),
	}
}

// RegisterClient allows clientID to obtain tokens with secret.
func (i *Issuer) RegisterClient(clientID, secret string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.clients[clientID] = secret
}

func (i *Issuer) authenticate(clientID, secret string) bool {
	i.mu.RLock()
	want, ok := i.clients[clientID]
	i.mu.RUnlock()
	return ok && subtle.ConstantTimeCompare([]byte(want), []byte(secret)) == 1
}

// Issue runs the client-credentials grant.
func (i *Issuer) Issue(grantType, clientID, secret, scope string) (*TokenResponse, error) {
	if grantType != "client_credentials" {
		return nil, &OAuthError{
			Code:        "unsupported_grant_type",
			Description: "grant_type must be 'client_credentials'",
		}
	}
	if clientID == "" || !i.authenticate(clientID, secret) {
		return nil, &OAuthError{
			Code:        "invalid_client",
			Description: "unknown client or bad secret",
		}
	}

	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.New().String(),
		},
		Scope: scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingKey)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}
	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(i.ttl.Seconds()),
		Scope:       scope,
	}, nil
}

// Verify parses and validates an access token.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return i.signingKey, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// ---------------------------------------------------------------------------
// HTTP Endpoints
// ---------------------------------------------------------------------------

// RegisterTokenEndpoint mounts POST /token and POST /token/ on g.
func RegisterTokenEndpoint(g *echo.Group, i *Issuer) {
	g.POST("/token", i.handleToken)
	g.POST("/token/", i.handleToken)
}

func (i *Issuer) handleToken(c echo.Context) error {
	clientID := c.FormValue("client_id")
	secret := c.FormValue("client_secret")
	if id, pw, ok := c.Request().BasicAuth(); ok {
		clientID, secret = id, pw
	}

	token, err := i.Issue(c.FormValue("grant_type"), clientID, secret, c.FormValue("scope"))
	if err != nil {
		oe, ok := err.(*OAuthError)
		if !ok {
			return c.JSON(http.StatusInternalServerError, &OAuthError{Code: "server_error", Description: err.Error()})
		}
		status := http.StatusUnauthorized
		if oe.Code == "unsupported_grant_type" {
			status = http.StatusBadRequest
		}
		return c.JSON(status, oe)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, token)
}
