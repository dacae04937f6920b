package core

import (
	"context"
	"time"
)

// TokenTx is the transactional view of a TokenStore. Everything done
// through a TokenTx becomes visible atomically on commit; a failure inside
// the callback rolls the whole unit back, so a token record can never be
// persisted without its audit event.
type TokenTx interface {
	InsertToken(ctx context.Context, rec TokenRecord) error
	DeleteToken(ctx context.Context, id string) (bool, error)
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// TokenStore persists the authoritative token records.
type TokenStore interface {
	// WithTx runs fn inside a transaction and commits it when fn returns
	// nil. Any error from fn aborts the transaction.
	WithTx(ctx context.Context, fn func(tx TokenTx) error) error

	// LookupByHash finds the live record for a content hash and kind.
	// A nil record with a nil error means no match (revoked or never
	// issued).
	LookupByHash(ctx context.Context, contentHash string, kind TokenKind) (*TokenRecord, error)

	// DeleteToken revokes a token by record id. Returns false if no such
	// record existed.
	DeleteToken(ctx context.Context, id string) (bool, error)

	// GetToken fetches a record by id. Nil record, nil error when absent.
	GetToken(ctx context.Context, id string) (*TokenRecord, error)

	// DeleteByHash revokes a token by content hash.
	DeleteByHash(ctx context.Context, contentHash string, kind TokenKind) (bool, error)

	// UpdateToken is the administrative update path. Only the title and
	// expiration date may ever change on an existing record.
	UpdateToken(ctx context.Context, id string, title *string, expires *time.Time) error

	ListActive(ctx context.Context) ([]TokenRecord, error)
}

// SessionStore keeps the ephemeral, TTL-bound authorization-flow sessions.
// Create/Get/BindSubject/Close are atomic per session.
type SessionStore interface {
	Create(ctx context.Context, sess AuthSession, ttl time.Duration) error

	// Get returns ErrSessionNotFound for expired and unknown ids alike.
	Get(ctx context.Context, id string) (*AuthSession, error)

	// BindSubject attaches the authenticated subject to the session. This
	// is the only mutation a session ever sees.
	BindSubject(ctx context.Context, id string, subjectID int64) error

	// Consume atomically removes the session and returns it. At most one
	// caller ever gets a given session back; all others see
	// ErrSessionNotFound.
	Consume(ctx context.Context, id string) (*AuthSession, error)

	// Close removes the session so it can never be replayed.
	Close(ctx context.Context, id string) error
}

// Directory resolves subjects and clients. It is external to this core.
type Directory interface {
	// SubjectAttribute resolves the named attribute of a subject, e.g.
	// its stable external identifier. field "" selects the directory's
	// default GUID-like attribute.
	SubjectAttribute(ctx context.Context, subjectID int64, field string) (string, error)

	// AccountStatus reports the subject's account status. tracked is
	// false when the tenant does not track one, in which case the status
	// check is skipped entirely.
	AccountStatus(ctx context.Context, subjectID int64) (status string, tracked bool, err error)

	// Client resolves registered client metadata. A nil client with nil
	// error means the client id is unknown.
	Client(ctx context.Context, clientID string) (*ClientRegistration, error)
}

// TenantConfig is the tenant configuration collaborator: issuer string,
// stored signing keys, login-expiry policy.
type TenantConfig interface {
	Issuer(ctx context.Context, tenant string) (string, error)
	SigningKeys(ctx context.Context, tenant string) ([]SigningKey, error)
	SaveSigningKeys(ctx context.Context, tenant string, keys []SigningKey) error
	ExpirySettings(ctx context.Context, tenant string) (ExpirySettings, error)
}

// NamedLocker provides a named, cross-process mutual exclusion primitive.
// Any implementation (DB advisory lock, lease service) satisfies the
// contract as long as two holders of the same name cannot overlap.
type NamedLocker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// LoginAttempt is what the AuthHook sees when it may veto a login.
type LoginAttempt struct {
	Tenant    string
	SubjectID int64
	ClientID  string
	Scopes    []string
}

// Veto is a hook decision to refuse a login mid-flow. The RedirectURL, if
// set, is where the user agent is sent instead of the client callback.
type Veto struct {
	Reason      string
	RedirectURL string
}

// ClaimsContext is passed to the hook when it may customize ID-token
// claims before signing.
type ClaimsContext struct {
	Tenant    string
	SubjectID int64
	ClientID  string
	Scopes    []string
}

// AuthHook is the extension point invoked mid-flow. The default is a
// no-op; deployments inject richer implementations.
type AuthHook interface {
	// VetoLogin may refuse the login at the return step. A nil Veto lets
	// the flow continue.
	VetoLogin(ctx context.Context, attempt LoginAttempt) (*Veto, error)

	// CustomizeIDClaims may add or change ID-token claims before signing.
	CustomizeIDClaims(ctx context.Context, cc ClaimsContext, claims map[string]any) error
}

// NoopHook is the default AuthHook: never vetoes, never changes claims.
type NoopHook struct{}

func (NoopHook) VetoLogin(context.Context, LoginAttempt) (*Veto, error) { return nil, nil }

func (NoopHook) CustomizeIDClaims(context.Context, ClaimsContext, map[string]any) error {
	return nil
}
