package core

import (
	"time"
)

// TokenKind distinguishes the three token families handled by the core.
type TokenKind string

const (
	// KindID is a first-party login session token.
	KindID TokenKind = "id"
	// KindAPI is a long-lived API key, the only kind allowed to never expire.
	KindAPI TokenKind = "api"
	// KindOIDC is a third-party access token issued through the
	// authorization-code flow.
	KindOIDC TokenKind = "oidc"
)

// Valid reports whether k is one of the known token kinds.
func (k TokenKind) Valid() bool {
	switch k {
	case KindID, KindAPI, KindOIDC:
		return true
	}
	return false
}

// KeyType is the asymmetric key family of a signing key.
type KeyType string

const (
	KeyTypeEC  KeyType = "EC"
	KeyTypeRSA KeyType = "RSA"
)

// SigningKey is a tenant signing key. Keys are immutable once created and
// are never deleted, only superseded by newer keys during selection.
type SigningKey struct {
	KeyID          string    `json:"kid" yaml:"kid"`
	Type           KeyType   `json:"type" yaml:"type"`
	PrivatePEM     []byte    `json:"private_pem" yaml:"private_pem"`
	AvailableSince time.Time `json:"available_since" yaml:"available_since"`
}

// TokenRecord is the authoritative, persisted side of a token. A presented
// JWT is only valid while a record with a matching content hash exists;
// deleting the record revokes the token with immediate effect.
type TokenRecord struct {
	ID        string    `json:"id"`
	Kind      TokenKind `json:"kind"`
	SubjectID int64     `json:"subject_id"`

	// ClientID is empty for first-party tokens.
	ClientID string `json:"client_id,omitempty"`

	Scopes []string `json:"scopes,omitempty"`

	// ContentHash is the hex-encoded SHA-256 of the compact token text
	// (after stripping any scheme prefix). The plaintext token is never
	// stored.
	ContentHash string `json:"content_hash"`

	CreationDate time.Time `json:"creation_date"`

	// ExpirationDate is the zero time for tokens that never expire, which
	// is only allowed for API tokens.
	ExpirationDate time.Time `json:"expiration_date"`

	// Metadata is caller-supplied extra data, capped at MaxMetadataBytes
	// when serialized.
	Metadata map[string]any `json:"metadata,omitempty"`

	Title string `json:"title,omitempty"`
}

// MaxMetadataBytes caps the serialized size of TokenRecord.Metadata.
const MaxMetadataBytes = 4096

// NeverExpires reports whether the record carries the never-expires sentinel.
func (r *TokenRecord) NeverExpires() bool {
	return r.ExpirationDate.IsZero()
}

// CodeChallengeMethod is a PKCE challenge method.
type CodeChallengeMethod string

const (
	ChallengePlain CodeChallengeMethod = "plain"
	ChallengeS256  CodeChallengeMethod = "S256"
)

// AuthSession is the short-lived server-side state tying the authorize,
// return and token-exchange round trips of one authorization-code flow
// together. The session id doubles as the authorization code.
type AuthSession struct {
	ID       string   `json:"id"`
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`

	State string `json:"state,omitempty"`
	Nonce string `json:"nonce,omitempty"`

	// CodeChallenge and CodeChallengeMethod are both set or both empty.
	CodeChallenge       string              `json:"code_challenge,omitempty"`
	CodeChallengeMethod CodeChallengeMethod `json:"code_challenge_method,omitempty"`

	CallbackURL string `json:"callback_url"`

	// SubjectID is 0 until the return step binds the authenticated subject.
	SubjectID int64 `json:"subject_id,omitempty"`
}

// Authenticated reports whether the return step already bound a subject.
func (s *AuthSession) Authenticated() bool {
	return s.SubjectID != 0
}

// ClientRegistration is external client metadata, read-only to this core.
type ClientRegistration struct {
	ClientID     string   `json:"client_id" yaml:"client_id"`
	CallbackURLs []string `json:"callback_urls" yaml:"callback_urls"`

	// SecretHashes are hex-encoded SHA-256 digests of the client secrets.
	// Plaintext secrets are never stored or compared.
	SecretHashes []string `json:"secret_hashes" yaml:"secret_hashes"`

	// SubjectField names the directory attribute used as the token `sub`
	// for this client. Empty means the directory default.
	SubjectField string `json:"subject_field,omitempty" yaml:"subject_field"`
}

// AllowsCallback reports whether the given redirect URI is registered for
// the client. Matching is exact, never by prefix.
func (c *ClientRegistration) AllowsCallback(uri string) bool {
	for _, u := range c.CallbackURLs {
		if u == uri {
			return true
		}
	}
	return false
}

// AccountStatusActive is the only account status that passes verification.
const AccountStatusActive = "active"

// VerifiedToken is the result of a successful store-backed verification.
type VerifiedToken struct {
	TokenID       string    `json:"token_id"`
	SubjectID     int64     `json:"subject_id"`
	AccountStatus string    `json:"account_status,omitempty"`
	Scopes        []string  `json:"scopes,omitempty"`
	ClientID      string    `json:"client_id,omitempty"`
	Expires       time.Time `json:"expires"`
}

// ExpirySettings are the tenant's login-expiry policy knobs.
type ExpirySettings struct {
	// FirstParty is the lifetime of a regular login session.
	FirstParty time.Duration `yaml:"first_party"`
	// Persistent is the lifetime of a keep-me-logged-in session.
	Persistent time.Duration `yaml:"persistent"`
	// ThirdParty is the lifetime of tokens minted for relying parties.
	ThirdParty time.Duration `yaml:"third_party"`

	// RoundEnabled turns on rounding of session ends to the quiet-hours
	// boundary below.
	RoundEnabled bool `yaml:"round_enabled"`
	// BoundaryHour/BoundaryMinute give the local time of day sessions are
	// rounded to.
	BoundaryHour   int `yaml:"boundary_hour"`
	BoundaryMinute int `yaml:"boundary_minute"`
	// Timezone is the IANA zone the boundary is interpreted in.
	Timezone string `yaml:"timezone"`
	// MinimumDuration guarantees a usable session length before rounding
	// may cut it short.
	MinimumDuration time.Duration `yaml:"minimum_duration"`
}
