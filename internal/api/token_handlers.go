package api

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/idport/idport/internal/api/presenter"
	"github.com/idport/idport/internal/core"
	"github.com/idport/idport/internal/issuer"
)

// IssuePayload describes an administrative issuance request.
type IssuePayload struct {
	Kind      string   `json:"kind"`
	SubjectID int64    `json:"subject_id"`
	ClientID  string   `json:"client_id,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`

	// Expires overrides the tenant expiry policy, RFC 3339.
	Expires      *time.Time `json:"expires,omitempty"`
	NeverExpires bool       `json:"never_expires,omitempty"`
	Persistent   bool       `json:"persistent,omitempty"`

	Title    string         `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// handleIssue processes token issuance requests.
func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	var payload IssuePayload
	if err := DecodePayload(r, &payload, false); err != nil {
		logger.Warn().Err(err).Msg("failed to decode issue request payload")
		presenter.Error(w, r, "invalid request payload", http.StatusBadRequest)
		return
	}

	result, err := s.issuer.Issue(ctx, s.tenant(r), issuer.Request{
		Kind:         core.TokenKind(payload.Kind),
		SubjectID:    payload.SubjectID,
		ClientID:     payload.ClientID,
		Scopes:       payload.Scopes,
		Expires:      payload.Expires,
		NeverExpires: payload.NeverExpires,
		Persistent:   payload.Persistent,
		Title:        payload.Title,
		Metadata:     payload.Metadata,
	})
	if err != nil {
		logger.Error().Err(err).Msg("token issuance failed")
		presenter.Err(w, r, err, "token issuance failed")
		return
	}

	logger.Info().
		Str("kind", payload.Kind).
		Int64("subject_id", payload.SubjectID).
		Str("token_id", result.TokenID).
		Msg("token issued successfully")

	presenter.JSON(w, r, result, http.StatusCreated)
}

// RevokePayload names the token to revoke. The plaintext token comes in
// Token; admins may alternatively revoke by record id.
type RevokePayload struct {
	Kind    string `json:"kind,omitempty"`
	Token   string `json:"token,omitempty"`
	TokenID string `json:"token_id,omitempty"`
}

// handleRevoke revokes a token. Self-service: the bearer may always revoke
// the token it presents.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	var payload RevokePayload
	if err := DecodePayload(r, &payload, true); err != nil {
		presenter.Error(w, r, "invalid request payload", http.StatusBadRequest)
		return
	}

	// default to the presented bearer token
	if payload.Token == "" && payload.TokenID == "" {
		auth := r.Header.Get("Authorization")
		payload.Token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer"))
		if payload.Kind == "" {
			payload.Kind = string(core.KindAPI)
		}
	}

	var err error
	switch {
	case payload.TokenID != "":
		// revoking by record id requires an admin bearer token
		auth := r.Header.Get("Authorization")
		bearer := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer"))
		vt, verifyErr := s.verifier.Verify(ctx, core.KindAPI, bearer, false)
		if verifyErr != nil {
			presenter.Error(w, r, "login required", http.StatusUnauthorized)
			return
		}
		if !slices.Contains(vt.Scopes, s.opts.AdminScope) {
			presenter.Error(w, r, "insufficient privileges", http.StatusForbidden)
			return
		}
		err = s.issuer.RevokeByID(ctx, payload.TokenID)
	case payload.Token != "":
		kind := core.TokenKind(payload.Kind)
		if !kind.Valid() {
			presenter.Error(w, r, "invalid token kind", http.StatusBadRequest)
			return
		}
		err = s.issuer.Revoke(ctx, kind, payload.Token)
	default:
		presenter.Error(w, r, "token or token_id is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("revoking token failed")
		presenter.Err(w, r, err, "revoking token failed")
		return
	}

	logger.Info().Msg("token revoked successfully")
	presenter.JSON(w, r, map[string]string{"status": "ok"}, http.StatusOK)
}

// VerifyPayload asks whether a token is live.
type VerifyPayload struct {
	Kind                string `json:"kind"`
	Token               string `json:"token"`
	IgnoreAccountStatus bool   `json:"ignore_account_status,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var payload VerifyPayload
	if err := DecodePayload(r, &payload, false); err != nil {
		presenter.Error(w, r, "invalid request payload", http.StatusBadRequest)
		return
	}
	kind := core.TokenKind(payload.Kind)
	if !kind.Valid() {
		presenter.Error(w, r, "invalid token kind", http.StatusBadRequest)
		return
	}

	vt, err := s.verifier.Verify(r.Context(), kind, payload.Token, payload.IgnoreAccountStatus)
	if err != nil {
		presenter.Err(w, r, err, "token verification failed")
		return
	}
	presenter.JSON(w, r, vt, http.StatusOK)
}

// UpdatePayload carries the only mutable record fields.
type UpdatePayload struct {
	Title   *string    `json:"title,omitempty"`
	Expires *time.Time `json:"expires,omitempty"`

	// NeverExpires clears the expiration date, API tokens only.
	NeverExpires bool `json:"never_expires,omitempty"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	tokenID := r.PathValue("id")

	var payload UpdatePayload
	if err := DecodePayload(r, &payload, false); err != nil {
		presenter.Error(w, r, "invalid request payload", http.StatusBadRequest)
		return
	}
	expires := payload.Expires
	if payload.NeverExpires {
		expires = &time.Time{}
	}

	if err := s.issuer.Update(r.Context(), tokenID, payload.Title, expires); err != nil {
		presenter.Err(w, r, err, "updating token failed")
		return
	}
	presenter.JSON(w, r, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleAdminTokens(w http.ResponseWriter, r *http.Request) {
	records, err := s.tokenStore.ListActive(r.Context())
	if err != nil {
		presenter.Err(w, r, err, "listing tokens failed")
		return
	}
	presenter.JSON(w, r, map[string]any{"tokens": records}, http.StatusOK)
}

func (s *Server) handleAdminAudits(w http.ResponseWriter, r *http.Request) {
	if s.auditTrail == nil {
		presenter.Error(w, r, "audit trail not available on this backend", http.StatusNotFound)
		return
	}
	entries, err := s.auditTrail.AuditEntries(r.Context())
	if err != nil {
		presenter.Err(w, r, err, "listing audit entries failed")
		return
	}
	presenter.JSON(w, r, map[string]any{"audits": entries}, http.StatusOK)
}
