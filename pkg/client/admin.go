package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/idport/idport/internal/api"
	"github.com/idport/idport/internal/core"
	"github.com/idport/idport/internal/flow"
)

// ListActiveTokens retrieves the list of currently active tokens from the server.
func (c *Client) ListActiveTokens(ctx context.Context) ([]core.TokenRecord, error) {
	var resp struct {
		Tokens []core.TokenRecord `json:"tokens"`
	}
	_, err := c.get(ctx, c.url().setPath(api.ListActiveTokensRoute).build(), &resp)
	return resp.Tokens, err
}

// ListAudits retrieves the audit trail from the server.
func (c *Client) ListAudits(ctx context.Context) ([]core.AuditEntry, error) {
	var resp struct {
		Audits []core.AuditEntry `json:"audits"`
	}
	_, err := c.get(ctx, c.url().setPath(api.ListAuditsRoute).build(), &resp)
	return resp.Audits, err
}

// JWKS fetches the tenant's public signing keys as raw JSON.
func (c *Client) JWKS(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	_, err := c.get(ctx, c.url().setPath(api.JWKSRoute).build(), &raw)
	return raw, err
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (*flow.TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.tenant != "" {
		req.Header.Set("X-Tenant", c.tenant)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var oauthErr struct {
			Code        string `json:"error"`
			Description string `json:"error_description"`
		}
		if json.NewDecoder(resp.Body).Decode(&oauthErr) == nil && oauthErr.Code != "" {
			return nil, fmt.Errorf("token endpoint: %s (%s)", oauthErr.Code, oauthErr.Description)
		}
		return nil, fmt.Errorf("token endpoint failed with status %d", resp.StatusCode)
	}

	var tok flow.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &tok, nil
}
