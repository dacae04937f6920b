package api

const (
	HealthCheckRoute = "/healthz"
	AboutRoute       = "/about"

	JWKSRoute      = "/.well-known/jwks.json"
	DiscoveryRoute = "/.well-known/openid-configuration"

	AuthorizeRoute = "/oauth2/authorize"
	TokenRoute     = "/oauth2/token"
	LogoutRoute    = "/oauth2/logout"

	// FlowReturnRoute is called by the trusted login frontend once the
	// user authenticated. It is not a public OAuth endpoint.
	FlowReturnRoute = "/internal/flow/return"
	FlowDenyRoute   = "/internal/flow/deny"

	IssueTokenRoute  = "/v1/token/issue"
	RevokeTokenRoute = "/v1/token/revoke"
	UpdateTokenRoute = "/v1/token/{id}"
	VerifyTokenRoute = "/v1/token/verify"

	AdminParent           = "/v1/admin/"
	ListActiveTokensRoute = AdminParent + "tokens"
	ListAuditsRoute       = AdminParent + "audits"
)
