package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/idport/idport/internal/api/presenter"
	"github.com/idport/idport/internal/buildinfo"
)

// handleHealth responds with a simple OK status to indicate the server is healthy.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleAbout responds with service information including version and commit hash.
func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	presenter.JSON(w, r, buildinfo.GetBuildInfo(), http.StatusOK)
}

// handleJWKS publishes the tenant's public signing keys.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.keyManager.JWKS(r.Context(), s.tenant(r))
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("building jwks failed")
		presenter.Err(w, r, err, "listing signing keys failed")
		return
	}
	presenter.JSON(w, r, jwks, http.StatusOK)
}

// DiscoveryDocument is the subset of the OIDC discovery metadata this
// service implements.
type DiscoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	EndSessionEndpoint               string   `json:"end_session_endpoint"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethods         []string `json:"token_endpoint_auth_methods_supported"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuerURL, err := s.tenantIssuer(r)
	if err != nil {
		presenter.Err(w, r, err, "resolving issuer failed")
		return
	}
	doc := DiscoveryDocument{
		Issuer:                           issuerURL,
		AuthorizationEndpoint:            issuerURL + AuthorizeRoute,
		TokenEndpoint:                    issuerURL + TokenRoute,
		JWKSURI:                          issuerURL + JWKSRoute,
		EndSessionEndpoint:               issuerURL + LogoutRoute,
		ResponseTypesSupported:           []string{"code"},
		GrantTypesSupported:              []string{"authorization_code"},
		CodeChallengeMethodsSupported:    []string{"plain", "S256"},
		ScopesSupported:                  []string{"openid", "profile", "email"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		TokenEndpointAuthMethods:         []string{"client_secret_basic", "client_secret_post"},
	}
	presenter.JSON(w, r, doc, http.StatusOK)
}

func DecodePayload(r *http.Request, dest any, allowEmpty bool) error {
	// tolerate parameters such as "; charset=utf-8"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			return errors.New("unsupported content type")
		}
	}

	// strict encoding for JSON
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if !errors.Is(err, io.EOF) || !allowEmpty {
			return err
		}
	}
	// ensure there's no extra data
	if dec.More() {
		return errors.New("extra data in request body")
	}
	return nil
}
