// Package auth talks to the delegated-credential service that holds each
// account's OAuth grant, and verifies the identity tokens attached to
// provider push callbacks.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/driftline/mailwatch/internal/sync"
)

// Client fetches per-account OAuth tokens from the credential service. The
// service owns storage and refresh; this client only reads the current
// token.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a credential-service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Token returns the account's current access token. A 401, 404 or 410 from
// the credential service means the delegated grant is gone and cannot be
// refreshed; that surfaces as sync.ErrAuthExpired.
func (c *Client) Token(ctx context.Context, accountID string) (*oauth2.Token, error) {
	url := fmt.Sprintf("%s/accounts/%s/token", c.baseURL, accountID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("credential service request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("account %s: %w", accountID, sync.ErrAuthExpired)
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("credential service status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("account %s: empty token: %w", accountID, sync.ErrAuthExpired)
	}

	return &oauth2.Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}

// HTTPClient returns an HTTP client that authorizes requests with the
// account's current token.
func (c *Client) HTTPClient(ctx context.Context, accountID string) (*http.Client, error) {
	tok, err := c.Token(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok)), nil
}
