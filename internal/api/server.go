package api

import (
	"context"
	"net/http"

	"github.com/idport/idport/internal/api/middleware"
	"github.com/idport/idport/internal/core"
	"github.com/idport/idport/internal/flow"
	"github.com/idport/idport/internal/issuer"
	"github.com/idport/idport/internal/keys"
	"github.com/idport/idport/internal/verifier"
)

// AuditTrail exposes the transactionally written audit trail. Both token
// store backends implement it.
type AuditTrail interface {
	AuditEntries(ctx context.Context) ([]core.AuditEntry, error)
}

// Options carry the deployment knobs the handlers need.
type Options struct {
	// Tenant is the tenant served when a request carries no X-Tenant
	// header.
	Tenant string

	// LoginURL receives the user agent from the authorize endpoint,
	// with the control token attached as the "control" query parameter.
	LoginURL string

	// AdminScope guards the administrative and internal endpoints.
	AdminScope string
}

type Server struct {
	issuer      *issuer.Issuer
	verifier    *verifier.Verifier
	coordinator *flow.Coordinator
	keyManager  *keys.Manager
	tokenStore  core.TokenStore
	tenantCfg   core.TenantConfig
	auditTrail  AuditTrail
	opts        Options
}

func NewServer(
	tokenIssuer *issuer.Issuer,
	tokenVerifier *verifier.Verifier,
	coordinator *flow.Coordinator,
	keyManager *keys.Manager,
	tokenStore core.TokenStore,
	tenantCfg core.TenantConfig,
	opts Options,
) *Server {
	auditTrail, _ := tokenStore.(AuditTrail)
	if opts.AdminScope == "" {
		opts.AdminScope = "admin"
	}
	return &Server{
		issuer:      tokenIssuer,
		verifier:    tokenVerifier,
		coordinator: coordinator,
		keyManager:  keyManager,
		tokenStore:  tokenStore,
		tenantCfg:   tenantCfg,
		auditTrail:  auditTrail,
		opts:        opts,
	}
}

// tenantIssuer resolves the issuer URL of the addressed tenant.
func (s *Server) tenantIssuer(r *http.Request) (string, error) {
	return s.tenantCfg.Issuer(r.Context(), s.tenant(r))
}

// tenant resolves the tenant a request addresses.
func (s *Server) tenant(r *http.Request) string {
	if t := r.Header.Get("X-Tenant"); t != "" {
		return t
	}
	return s.opts.Tenant
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// public routes
	mux.HandleFunc("GET "+HealthCheckRoute, s.handleHealth)
	mux.HandleFunc("GET "+AboutRoute, s.handleAbout)
	mux.HandleFunc("GET "+JWKSRoute, s.handleJWKS)
	mux.HandleFunc("GET "+DiscoveryRoute, s.handleDiscovery)

	// authorization-code flow
	mux.HandleFunc("GET "+AuthorizeRoute, s.handleAuthorize)
	mux.HandleFunc("POST "+TokenRoute, s.handleTokenExchange)
	mux.HandleFunc("GET "+LogoutRoute, s.handleLogout)
	mux.HandleFunc("POST "+LogoutRoute, s.handleLogout)

	// token self-service
	mux.HandleFunc("POST "+VerifyTokenRoute, s.handleVerify)
	mux.HandleFunc("POST "+RevokeTokenRoute, s.handleRevoke)

	adminAuth := middleware.TokenAuth(s.verifier, s.opts.AdminScope)

	// trusted login-frontend routes
	internalMux := http.NewServeMux()
	internalMux.HandleFunc("POST "+FlowReturnRoute, s.handleFlowReturn)
	internalMux.HandleFunc("POST "+FlowDenyRoute, s.handleFlowDeny)
	mux.Handle("/internal/", adminAuth(internalMux))

	// admin routes
	adminMux := http.NewServeMux()
	adminMux.HandleFunc("POST "+IssueTokenRoute, s.handleIssue)
	adminMux.HandleFunc("PATCH "+UpdateTokenRoute, s.handleUpdate)
	adminMux.HandleFunc("GET "+ListActiveTokensRoute, s.handleAdminTokens)
	adminMux.HandleFunc("GET "+ListAuditsRoute, s.handleAdminAudits)
	mux.Handle("POST "+IssueTokenRoute, adminAuth(adminMux))
	mux.Handle("PATCH "+UpdateTokenRoute, adminAuth(adminMux))
	mux.Handle(AdminParent, adminAuth(adminMux))

	return middleware.RecoverMiddleware(
		middleware.CorrelationIDMiddleware(
			middleware.LoggingMiddleware(
				mux)))
}
