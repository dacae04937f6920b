package core

import "time"

// Audit actions written by the core.
const (
	AuditActionLogin      = "login"
	AuditActionAPIKey     = "apikey"
	AuditActionRevoke     = "token.revoke"
	AuditActionFlowStart  = "flow.start"
	AuditActionFlowDenied = "flow.denied"
)

// AuditEntry records a security-relevant event. Entries carry the token's
// content hash, never the plaintext token.
type AuditEntry struct {
	// ID is the correlation id of the originating request.
	ID string `json:"id"`

	Time   time.Time `json:"time"`
	Action string    `json:"action"`

	SubjectID int64  `json:"subject_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`

	// TokenHash is the hex-encoded content hash of the affected token.
	TokenHash string `json:"token_hash,omitempty"`
	TokenID   string `json:"token_id,omitempty"`

	Error string `json:"error,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Auditor is an operational audit sink. Implementations: file (JSON lines),
// memory, noop. The authoritative audit trail for token issuance is written
// transactionally by the TokenStore; the Auditor receives a copy plus
// non-transactional flow events.
type Auditor interface {
	Log(entry AuditEntry) error
	Close() error
}
