// Package flow implements the three-step OAuth2/OpenID-Connect
// authorization-code flow with PKCE: authorize, return, token exchange.
// The redirect-driven round trips are held together only by a short-lived
// server-side session whose id doubles as the authorization code.
package flow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/idport/idport/internal/core"
	"github.com/idport/idport/internal/issuer"
)

const (
	// DefaultSessionTTL bounds how long a started flow may wait for the
	// user to log in. Tunable policy, not a protocol requirement.
	DefaultSessionTTL = 30 * time.Minute
	// DefaultControlTTL is the validity window of the login control token.
	DefaultControlTTL = time.Hour

	// GrantAuthorizationCode is the only supported grant type.
	GrantAuthorizationCode = "authorization_code"
)

// Options tune the coordinator.
type Options struct {
	// ControlKey is the AES key sealing login control tokens (16, 24 or
	// 32 bytes).
	ControlKey []byte
	SessionTTL time.Duration
	ControlTTL time.Duration
}

// Coordinator drives the authorize/return/exchange state machine.
type Coordinator struct {
	issuer     *issuer.Issuer
	sessions   core.SessionStore
	directory  core.Directory
	hook       core.AuthHook
	auditor    core.Auditor
	controlKey []byte
	sessionTTL time.Duration
	controlTTL time.Duration
}

func NewCoordinator(
	tokenIssuer *issuer.Issuer,
	sessions core.SessionStore,
	directory core.Directory,
	hook core.AuthHook,
	auditor core.Auditor,
	opts Options,
) *Coordinator {
	if hook == nil {
		hook = core.NoopHook{}
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.ControlTTL <= 0 {
		opts.ControlTTL = DefaultControlTTL
	}
	return &Coordinator{
		issuer:     tokenIssuer,
		sessions:   sessions,
		directory:  directory,
		hook:       hook,
		auditor:    auditor,
		controlKey: opts.ControlKey,
		sessionTTL: opts.SessionTTL,
		controlTTL: opts.ControlTTL,
	}
}

// AuthorizeRequest carries the parsed query parameters of an authorize
// request.
type AuthorizeRequest struct {
	ClientID            string
	Scope               string // space-separated
	RedirectURI         string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// StartResult hands the opened flow to the external login page.
type StartResult struct {
	SessionID string
	// ControlToken is the encrypted handle the login page must present at
	// the return step.
	ControlToken string
}

// Start validates the client, redirect URI and PKCE parameters and opens a
// TTL-bound flow session.
func (c *Coordinator) Start(ctx context.Context, tenant string, req AuthorizeRequest) (*StartResult, error) {
	if req.CodeChallenge != "" && req.CodeChallengeMethod == "" {
		return nil, core.NewFlowError("code_challenge_method is required with code_challenge")
	}
	method := core.CodeChallengeMethod(req.CodeChallengeMethod)
	if req.CodeChallenge != "" && !ValidChallengeMethod(method) {
		return nil, core.NewFlowError("unsupported code_challenge_method %q", req.CodeChallengeMethod)
	}
	if req.CodeChallenge == "" && req.CodeChallengeMethod != "" {
		return nil, core.NewFlowError("code_challenge_method without code_challenge")
	}

	client, err := c.directory.Client(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, core.NewClientError("unknown client %q", req.ClientID)
	}
	if !client.AllowsCallback(req.RedirectURI) {
		return nil, core.NewClientError("redirect_uri %q is not registered for client %q", req.RedirectURI, req.ClientID)
	}

	sessionID, err := newSessionID()
	if err != nil {
		return nil, err
	}

	sess := core.AuthSession{
		ID:            sessionID,
		ClientID:      req.ClientID,
		Scopes:        splitScopes(req.Scope),
		State:         req.State,
		Nonce:         req.Nonce,
		CodeChallenge: req.CodeChallenge,
		CallbackURL:   req.RedirectURI,
	}
	if req.CodeChallenge != "" {
		sess.CodeChallengeMethod = method
	}
	if err := c.sessions.Create(ctx, sess, c.sessionTTL); err != nil {
		return nil, err
	}

	now := time.Now()
	control, err := SealControlToken(c.controlKey, ControlToken{
		SessionID: sessionID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(c.controlTTL).Unix(),
	})
	if err != nil {
		return nil, err
	}

	c.audit(ctx, core.AuditEntry{
		Action:   core.AuditActionFlowStart,
		ClientID: req.ClientID,
		Metadata: map[string]any{"scopes": req.Scope},
	})

	return &StartResult{SessionID: sessionID, ControlToken: control}, nil
}

// OpenControl resolves a presented control token back to the session id,
// enforcing its validity window.
func (c *Coordinator) OpenControl(sealed string) (string, error) {
	tok, err := OpenControlToken(c.controlKey, sealed, time.Now())
	if err != nil {
		return "", err
	}
	return tok.SessionID, nil
}

// ReturnResult tells the transport where to send the user agent after the
// return step.
type ReturnResult struct {
	RedirectURL string
	// Denied is set when the hook vetoed the login; the session is closed.
	Denied bool
	Reason string
}

// Return binds the out-of-band authenticated subject to the session and
// produces the callback redirect carrying the authorization code. An
// absent session yields the collapsed invalid-code error: TTL expiry and
// never-existed are deliberately indistinguishable.
func (c *Coordinator) Return(ctx context.Context, tenant string, sessionID string, subjectID int64) (*ReturnResult, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, core.ErrInvalidCode
	}

	veto, err := c.hook.VetoLogin(ctx, core.LoginAttempt{
		Tenant:    tenant,
		SubjectID: subjectID,
		ClientID:  sess.ClientID,
		Scopes:    sess.Scopes,
	})
	if err != nil {
		return nil, err
	}
	if veto != nil {
		if closeErr := c.sessions.Close(ctx, sessionID); closeErr != nil {
			log.Ctx(ctx).Error().Err(closeErr).Msg("closing vetoed session failed")
		}
		c.audit(ctx, core.AuditEntry{
			Action:    core.AuditActionFlowDenied,
			SubjectID: subjectID,
			ClientID:  sess.ClientID,
			Error:     veto.Reason,
		})
		return &ReturnResult{RedirectURL: veto.RedirectURL, Denied: true, Reason: veto.Reason}, nil
	}

	if err := c.sessions.BindSubject(ctx, sessionID, subjectID); err != nil {
		return nil, core.ErrInvalidCode
	}

	redirect, err := callbackRedirect(sess.CallbackURL, sessionID, sess.State)
	if err != nil {
		return nil, err
	}
	return &ReturnResult{RedirectURL: redirect}, nil
}

// ExchangeRequest carries the parsed form parameters of a token request.
// ClientSecret comes from HTTP Basic auth when present, else from the
// client_secret form field; the transport decides, the coordinator only
// sees the result.
type ExchangeRequest struct {
	ClientID     string
	ClientSecret string
	GrantType    string
	Code         string
	CodeVerifier string
}

// TokenResponse is the token-endpoint success payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	IDToken     string `json:"id_token,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
}

// Exchange trades an authorization code for tokens. The code is the
// session id and is consumed atomically before any further checks, so of
// two concurrent exchanges at most one can mint; any failure after that
// point burns the code and the flow must be restarted.
func (c *Coordinator) Exchange(ctx context.Context, tenant string, req ExchangeRequest) (*TokenResponse, error) {
	if req.GrantType != GrantAuthorizationCode {
		return nil, core.NewFlowError("unsupported grant_type %q", req.GrantType)
	}

	client, err := c.directory.Client(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, core.NewClientError("unknown client %q", req.ClientID)
	}
	if !secretMatches(client.SecretHashes, req.ClientSecret) {
		return nil, core.NewClientError("invalid client credentials")
	}

	// every session/code mismatch collapses into one error to block
	// enumeration
	sess, err := c.sessions.Consume(ctx, req.Code)
	if err != nil {
		return nil, core.ErrInvalidCode
	}
	if !sess.Authenticated() || sess.ClientID != req.ClientID {
		return nil, core.ErrInvalidCode
	}

	if sess.CodeChallenge != "" {
		if req.CodeVerifier == "" || !ValidVerifier(req.CodeVerifier) {
			return nil, core.NewFlowError("missing or malformed code_verifier")
		}
		if !VerifyChallenge(req.CodeVerifier, sess.CodeChallenge, sess.CodeChallengeMethod) {
			return nil, core.ErrWrongVerifier
		}
	}

	result, err := c.issuer.Issue(ctx, tenant, issuer.Request{
		Kind:           core.KindOIDC,
		SubjectID:      sess.SubjectID,
		ClientID:       req.ClientID,
		Scopes:         sess.Scopes,
		CloseSessionID: sess.ID,
		Nonce:          sess.Nonce,
	})
	if err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken: result.AccessToken,
		TokenType:   "Bearer",
		IDToken:     result.IDToken,
	}
	if !result.Expires.IsZero() {
		resp.ExpiresIn = int64(time.Until(result.Expires).Seconds())
	}
	return resp, nil
}

// Client resolves a registered client through the flow's directory.
func (c *Coordinator) Client(ctx context.Context, clientID string) (*core.ClientRegistration, error) {
	return c.directory.Client(ctx, clientID)
}

// Deny closes a started session early when issuance is refused upstream.
func (c *Coordinator) Deny(ctx context.Context, sessionID string) error {
	return c.sessions.Close(ctx, sessionID)
}

func (c *Coordinator) audit(ctx context.Context, entry core.AuditEntry) {
	if c.auditor == nil {
		return
	}
	entry.ID = core.CorrelationID(ctx)
	entry.Time = time.Now().UTC().Truncate(time.Second)
	if err := c.auditor.Log(entry); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("writing audit sink entry failed")
	}
}

func newSessionID() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func splitScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func callbackRedirect(callback, code, state string) (string, error) {
	u, err := url.Parse(callback)
	if err != nil {
		return "", core.NewClientError("invalid callback URL: %v", err)
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func secretMatches(hashes []string, secret string) bool {
	if secret == "" {
		return false
	}
	sum := sha256.Sum256([]byte(secret))
	digest := hex.EncodeToString(sum[:])
	for _, h := range hashes {
		if subtle.ConstantTimeCompare([]byte(strings.ToLower(h)), []byte(digest)) == 1 {
			return true
		}
	}
	return false
}
