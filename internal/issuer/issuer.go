// Package issuer mints the first-party and third-party tokens of the
// identity provider. Tokens are JWTs on the wire, but the authoritative
// side of every token is the persisted record written here: issuance
// stores the record, an optional session closure and the audit event as
// one atomic unit.
package issuer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"github.com/idport/idport/internal/core"
	"github.com/idport/idport/internal/expiry"
	"github.com/idport/idport/internal/keys"
)

// DefaultTokenPrefix is the scheme tag prepended to API and OIDC access
// tokens. First-party ID tokens go out bare.
const DefaultTokenPrefix = "secret-token:"

// oidcScopeAllowlist is the fixed set of scopes a relying party may
// obtain. Anything else in a client-controlled scope parameter is dropped
// so extra scopes cannot be smuggled through the authorize request.
var oidcScopeAllowlist = map[string]bool{
	"openid":  true,
	"profile": true,
	"email":   true,
}

// Validation failures, each distinct so callers can tell them apart.
var (
	ErrUnknownKind      = errors.New("unknown token kind")
	ErrNeverOnlyAPI     = errors.New("never-expiring tokens are only allowed for API tokens")
	ErrOpenIDScope      = errors.New(`scope "openid" is only allowed on OIDC tokens`)
	ErrMetadataTooLarge = fmt.Errorf("serialized metadata exceeds %d bytes", core.MaxMetadataBytes)
)

// Request describes one token issuance.
type Request struct {
	Kind      core.TokenKind
	SubjectID int64

	// ClientID must resolve in the directory when set.
	ClientID string

	Scopes []string

	// CloseSessionID closes the named flow session in the same atomic
	// unit as the record insert, so an exchanged code cannot be replayed.
	CloseSessionID string

	// Nonce is echoed into the ID token for OIDC issuance.
	Nonce string

	// Expires overrides the tenant expiry policy when set.
	Expires *time.Time
	// NeverExpires requests the never-expires sentinel, API tokens only.
	NeverExpires bool
	// Persistent selects the keep-me-logged-in lifetime for ID tokens.
	Persistent bool

	Title    string
	Metadata map[string]any

	// ExtraClaims are merged into the access-token payload.
	ExtraClaims map[string]any
}

// Result is the outcome of a successful issuance.
type Result struct {
	AccessToken string    `json:"access_token"`
	IDToken     string    `json:"id_token,omitempty"`
	Expires     time.Time `json:"expires"`
	TokenID     string    `json:"token_id"`
}

// Issuer builds, signs and persists tokens for one deployment.
type Issuer struct {
	keys      *keys.Manager
	store     core.TokenStore
	sessions  core.SessionStore
	directory core.Directory
	config    core.TenantConfig
	auditor   core.Auditor
	hook      core.AuthHook
	prefix    string
}

func New(
	keyManager *keys.Manager,
	tokenStore core.TokenStore,
	sessions core.SessionStore,
	directory core.Directory,
	tenantConfig core.TenantConfig,
	auditor core.Auditor,
	hook core.AuthHook,
) *Issuer {
	if auditor == nil {
		auditor = noopAuditor{}
	}
	if hook == nil {
		hook = core.NoopHook{}
	}
	return &Issuer{
		keys:      keyManager,
		store:     tokenStore,
		sessions:  sessions,
		directory: directory,
		config:    tenantConfig,
		auditor:   auditor,
		hook:      hook,
		prefix:    DefaultTokenPrefix,
	}
}

// Issue validates the request, mints the token(s) and persists the token
// record atomically with its audit event. Any validation failure returns
// before the transaction opens, so a failed issuance leaves no state.
func (i *Issuer) Issue(ctx context.Context, tenant string, req Request) (*Result, error) {
	if !req.Kind.Valid() {
		return nil, ErrUnknownKind
	}
	if req.NeverExpires && req.Kind != core.KindAPI {
		return nil, ErrNeverOnlyAPI
	}
	if containsScope(req.Scopes, "openid") && req.Kind != core.KindOIDC {
		return nil, ErrOpenIDScope
	}

	// JWT numeric dates have whole-second precision
	now := time.Now().UTC().Truncate(time.Second)

	issuerURL, err := i.config.Issuer(ctx, tenant)
	if err != nil {
		return nil, err
	}

	var client *core.ClientRegistration
	if req.ClientID != "" {
		client, err = i.directory.Client(ctx, req.ClientID)
		if err != nil {
			return nil, fmt.Errorf("resolving client: %w", err)
		}
		if client == nil {
			return nil, core.NewClientError("unknown client %q", req.ClientID)
		}
	}

	subjectField := ""
	if client != nil {
		subjectField = client.SubjectField
	}
	externalID, err := i.directory.SubjectAttribute(ctx, req.SubjectID, subjectField)
	if err != nil {
		return nil, err
	}

	expires, err := i.computeExpiry(ctx, tenant, now, req)
	if err != nil {
		return nil, err
	}

	scopes := req.Scopes
	if req.Kind == core.KindOIDC {
		scopes = filterScopes(scopes, oidcScopeAllowlist)
	}

	metadataSize, err := serializedSize(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("serializing metadata: %w", err)
	}
	if metadataSize > core.MaxMetadataBytes {
		return nil, ErrMetadataTooLarge
	}

	keySet, err := i.keys.EnsureKeys(ctx, tenant)
	if err != nil {
		return nil, err
	}

	jti := uuid.NewString()

	var idToken string
	if req.Kind == core.KindOIDC && containsScope(scopes, "openid") && req.ClientID != "" {
		idToken, err = i.mintIDToken(ctx, tenant, idTokenInput{
			issuer:     issuerURL,
			externalID: externalID,
			subjectID:  req.SubjectID,
			clientID:   req.ClientID,
			scopes:     scopes,
			nonce:      req.Nonce,
			now:        now,
			expires:    expires,
			key:        keySet.RSA,
		})
		if err != nil {
			return nil, err
		}
	}

	accessToken, contentHash, err := i.mintAccessToken(accessTokenInput{
		issuer:      issuerURL,
		externalID:  externalID,
		clientID:    req.ClientID,
		scopes:      scopes,
		now:         now,
		expires:     expires,
		neverExp:    req.NeverExpires,
		jti:         jti,
		extraClaims: req.ExtraClaims,
		key:         keySet.EC,
	})
	if err != nil {
		return nil, err
	}
	if req.Kind != core.KindID {
		accessToken = i.prefix + accessToken
	}

	record := core.TokenRecord{
		ID:             xid.New().String(),
		Kind:           req.Kind,
		SubjectID:      req.SubjectID,
		ClientID:       req.ClientID,
		Scopes:         scopes,
		ContentHash:    contentHash,
		CreationDate:   now,
		ExpirationDate: expires,
		Metadata:       req.Metadata,
		Title:          req.Title,
	}

	auditEntry := core.AuditEntry{
		ID:        core.CorrelationID(ctx),
		Time:      now,
		SubjectID: req.SubjectID,
		ClientID:  req.ClientID,
		TokenHash: contentHash,
		TokenID:   record.ID,
	}
	switch req.Kind {
	case core.KindID:
		auditEntry.Action = core.AuditActionLogin
	case core.KindAPI:
		auditEntry.Action = core.AuditActionAPIKey
	}

	err = i.store.WithTx(ctx, func(tx core.TokenTx) error {
		if err := tx.InsertToken(ctx, record); err != nil {
			return err
		}
		if req.CloseSessionID != "" {
			if err := i.sessions.Close(ctx, req.CloseSessionID); err != nil {
				return fmt.Errorf("closing session %q: %w", req.CloseSessionID, err)
			}
		}
		if req.Kind != core.KindOIDC {
			return tx.AppendAudit(ctx, auditEntry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persisting token: %w", err)
	}

	if req.Kind != core.KindOIDC {
		if err := i.auditor.Log(auditEntry); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("writing audit sink entry failed")
		}
	}

	return &Result{
		AccessToken: accessToken,
		IDToken:     idToken,
		Expires:     expires,
		TokenID:     record.ID,
	}, nil
}

func (i *Issuer) computeExpiry(ctx context.Context, tenant string, now time.Time, req Request) (time.Time, error) {
	if req.NeverExpires {
		return time.Time{}, nil
	}
	if req.Expires != nil {
		return req.Expires.Truncate(time.Second), nil
	}

	settings, err := i.config.ExpirySettings(ctx, tenant)
	if err != nil {
		return time.Time{}, err
	}
	policy, err := expiry.FromSettings(settings)
	if err != nil {
		return time.Time{}, err
	}

	var lifetime time.Duration
	switch req.Kind {
	case core.KindOIDC:
		lifetime = settings.ThirdParty
	case core.KindID:
		if req.Persistent {
			lifetime = settings.Persistent
		} else {
			lifetime = settings.FirstParty
		}
	case core.KindAPI:
		lifetime = settings.FirstParty
	}
	return expiry.Compute(now, lifetime, policy)
}

type idTokenInput struct {
	issuer     string
	externalID string
	subjectID  int64
	clientID   string
	scopes     []string
	nonce      string
	now        time.Time
	expires    time.Time
	key        core.SigningKey
}

// mintIDToken builds the OIDC ID token: addressed to the client, RSA
// signed so relying parties only need RS256, with a hook extension point
// for custom claims.
func (i *Issuer) mintIDToken(ctx context.Context, tenant string, in idTokenInput) (string, error) {
	claims := map[string]any{
		"iss": in.issuer,
		"sub": in.externalID,
		"aud": in.clientID,
		"iat": in.now.Unix(),
		"nbf": in.now.Unix(),
		"exp": in.expires.Unix(),
		"jti": uuid.NewString(),
	}
	if in.nonce != "" {
		claims["nonce"] = in.nonce
	}

	err := i.hook.CustomizeIDClaims(ctx, core.ClaimsContext{
		Tenant:    tenant,
		SubjectID: in.subjectID,
		ClientID:  in.clientID,
		Scopes:    in.scopes,
	}, claims)
	if err != nil {
		return "", fmt.Errorf("customizing ID-token claims: %w", err)
	}

	return signClaims(in.key, claims)
}

type accessTokenInput struct {
	issuer      string
	externalID  string
	clientID    string
	scopes      []string
	now         time.Time
	expires     time.Time
	neverExp    bool
	jti         string
	extraClaims map[string]any
	key         core.SigningKey
}

func (i *Issuer) mintAccessToken(in accessTokenInput) (token, contentHash string, err error) {
	claims := map[string]any{
		"iss": in.issuer,
		"sub": in.externalID,
		"iat": in.now.Unix(),
		"nbf": in.now.Unix(),
		// jti is always fresh, so it alone proves this issuer minted the
		// token even without checking the signature
		"jti": in.jti,
	}
	if !in.neverExp {
		claims["exp"] = in.expires.Unix()
	}
	if in.clientID != "" {
		claims["aud"] = in.clientID
	}
	if len(in.scopes) > 0 {
		claims["scope"] = strings.Join(in.scopes, " ")
	}
	for k, v := range in.extraClaims {
		claims[k] = v
	}

	signed, err := signClaims(in.key, claims)
	if err != nil {
		return "", "", err
	}
	return signed, HashToken(signed), nil
}

// HashToken computes the hex-encoded content hash a token record is keyed
// by. The input is the bare compact JWT, without any scheme prefix.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func signClaims(key core.SigningKey, claims map[string]any) (string, error) {
	method, err := keys.SigningMethod(key.Type)
	if err != nil {
		return "", err
	}
	signer, err := keys.Signer(key)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(method, jwt.MapClaims(claims))
	token.Header["kid"] = key.KeyID

	signed, err := token.SignedString(signer)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func filterScopes(scopes []string, allowed map[string]bool) []string {
	filtered := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if allowed[s] {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

func serializedSize(metadata map[string]any) (int, error) {
	if len(metadata) == 0 {
		return 0, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

type noopAuditor struct{}

func (noopAuditor) Log(core.AuditEntry) error { return nil }
func (noopAuditor) Close() error              { return nil }
