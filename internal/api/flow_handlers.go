package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/idport/idport/internal/api/presenter"
	"github.com/idport/idport/internal/core"
	"github.com/idport/idport/internal/flow"
)

// handleAuthorize opens an authorization-code flow and forwards the user
// agent to the external login page, carrying the sealed control token.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		presenter.Error(w, r, "unsupported response_type", http.StatusBadRequest)
		return
	}

	result, err := s.coordinator.Start(ctx, s.tenant(r), flow.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		Scope:               q.Get("scope"),
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("authorize request rejected")
		presenter.Err(w, r, err, "authorize request rejected")
		return
	}

	if s.opts.LoginURL == "" {
		// headless deployments fetch the control token themselves
		presenter.JSON(w, r, map[string]string{"control_token": result.ControlToken}, http.StatusOK)
		return
	}

	loginURL, err := url.Parse(s.opts.LoginURL)
	if err != nil {
		presenter.Error(w, r, "login page misconfigured", http.StatusInternalServerError)
		return
	}
	params := loginURL.Query()
	params.Set("control", result.ControlToken)
	loginURL.RawQuery = params.Encode()

	http.Redirect(w, r, loginURL.String(), http.StatusFound)
}

// FlowReturnPayload is posted by the trusted login frontend after it
// authenticated the user.
type FlowReturnPayload struct {
	ControlToken string `json:"control_token"`
	SubjectID    int64  `json:"subject_id"`
}

func (s *Server) handleFlowReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload FlowReturnPayload
	if err := DecodePayload(r, &payload, false); err != nil {
		presenter.Error(w, r, "invalid request payload", http.StatusBadRequest)
		return
	}

	sessionID, err := s.coordinator.OpenControl(payload.ControlToken)
	if err != nil {
		presenter.Err(w, r, err, "invalid control token")
		return
	}

	result, err := s.coordinator.Return(ctx, s.tenant(r), sessionID, payload.SubjectID)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("flow return rejected")
		presenter.Err(w, r, err, "flow return rejected")
		return
	}
	if result.Denied {
		presenter.JSON(w, r, map[string]any{
			"denied":       true,
			"reason":       result.Reason,
			"redirect_url": result.RedirectURL,
		}, http.StatusOK)
		return
	}
	presenter.JSON(w, r, map[string]string{"redirect_url": result.RedirectURL}, http.StatusOK)
}

// FlowDenyPayload closes a session the login page refused to complete.
type FlowDenyPayload struct {
	ControlToken string `json:"control_token"`
}

func (s *Server) handleFlowDeny(w http.ResponseWriter, r *http.Request) {
	var payload FlowDenyPayload
	if err := DecodePayload(r, &payload, false); err != nil {
		presenter.Error(w, r, "invalid request payload", http.StatusBadRequest)
		return
	}
	sessionID, err := s.coordinator.OpenControl(payload.ControlToken)
	if err != nil {
		presenter.Err(w, r, err, "invalid control token")
		return
	}
	if err := s.coordinator.Deny(r.Context(), sessionID); err != nil {
		presenter.Err(w, r, err, "closing session failed")
		return
	}
	presenter.JSON(w, r, map[string]string{"status": "ok"}, http.StatusOK)
}

// handleTokenExchange implements the OAuth2 token endpoint. The client
// secret arrives via HTTP Basic auth or the client_secret form field.
func (s *Server) handleTokenExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		presenter.JSON(w, r, presenter.OAuthError{Code: "invalid_request"}, http.StatusBadRequest)
		return
	}

	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = basicID, basicSecret
	}

	resp, err := s.coordinator.Exchange(ctx, s.tenant(r), flow.ExchangeRequest{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		CodeVerifier: r.PostFormValue("code_verifier"),
	})
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("client_id", clientID).Msg("token exchange rejected")
		presenter.OAuthErr(w, r, err)
		return
	}

	// token responses must never be cached
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	presenter.JSON(w, r, resp, http.StatusOK)
}

// handleLogout revokes the presented OIDC access token and sends the user
// agent on to the post-logout redirect when one is registered.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.URL.Query().Get("id_token_hint")
	if token == "" {
		auth := r.Header.Get("Authorization")
		token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer"))
	}
	if token != "" {
		if err := s.issuer.Revoke(ctx, core.KindOIDC, token); err != nil {
			// logout is best-effort, a dead token is already logged out
			log.Ctx(ctx).Debug().Err(err).Msg("logout revocation skipped")
		}
	}

	// only redirect to a callback the named client registered
	redirect := r.URL.Query().Get("post_logout_redirect_uri")
	if redirect != "" {
		client, err := s.coordinator.Client(ctx, r.URL.Query().Get("client_id"))
		if err == nil && client != nil && client.AllowsCallback(redirect) {
			http.Redirect(w, r, redirect, http.StatusFound)
			return
		}
	}
	presenter.JSON(w, r, map[string]string{"status": "logged out"}, http.StatusOK)
}
