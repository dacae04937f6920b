package client

import (
	"context"
	"net/url"
	"strings"

	"github.com/idport/idport/internal/api"
	"github.com/idport/idport/internal/core"
	"github.com/idport/idport/internal/flow"
	"github.com/idport/idport/internal/issuer"
)

// IssueToken mints a token through the administrative issue endpoint.
func (c *Client) IssueToken(ctx context.Context, payload api.IssuePayload) (*issuer.Result, string, error) {
	var result issuer.Result
	correlation, err := c.post(ctx, c.url().setPath(api.IssueTokenRoute).build(), payload, &result)
	if err != nil {
		return nil, correlation, err
	}
	return &result, correlation, nil
}

// RevokeToken revokes the named plaintext token.
func (c *Client) RevokeToken(ctx context.Context, kind core.TokenKind, token string) (string, error) {
	payload := api.RevokePayload{Kind: string(kind), Token: token}
	return c.post(ctx, c.url().setPath(api.RevokeTokenRoute).build(), payload, nil)
}

// RevokeTokenByID revokes a token by record id. Requires admin privileges.
func (c *Client) RevokeTokenByID(ctx context.Context, tokenID string) (string, error) {
	payload := api.RevokePayload{TokenID: tokenID}
	return c.post(ctx, c.url().setPath(api.RevokeTokenRoute).build(), payload, nil)
}

// VerifyToken asks the server whether a token is live.
func (c *Client) VerifyToken(ctx context.Context, kind core.TokenKind, token string) (*core.VerifiedToken, string, error) {
	payload := api.VerifyPayload{Kind: string(kind), Token: token}
	var vt core.VerifiedToken
	correlation, err := c.post(ctx, c.url().setPath(api.VerifyTokenRoute).build(), payload, &vt)
	if err != nil {
		return nil, correlation, err
	}
	return &vt, correlation, nil
}

// UpdateToken changes a record's title and/or expiration date.
func (c *Client) UpdateToken(ctx context.Context, tokenID string, payload api.UpdatePayload) (string, error) {
	path := strings.Replace(api.UpdateTokenRoute, "{id}", url.PathEscape(tokenID), 1)
	return c.patch(ctx, c.url().setPath(path).build(), payload, nil)
}

// ExchangeCode trades an authorization code for tokens at the OAuth2 token
// endpoint.
func (c *Client) ExchangeCode(ctx context.Context, clientID, clientSecret, code, codeVerifier string) (*flow.TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"code":          {code},
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	return c.postForm(ctx, c.url().setPath(api.TokenRoute).build(), form)
}
