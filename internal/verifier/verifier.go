// Package verifier checks presented tokens against the persisted token
// records. The record lookup by content hash is the sole authority: a
// correctly signed JWT with no matching record is invalid, which is what
// makes revocation immediate.
package verifier

import (
	"context"
	"time"

	"github.com/idport/idport/internal/core"
	"github.com/idport/idport/internal/issuer"
)

// Verifier resolves presented tokens to verified claims.
type Verifier struct {
	store     core.TokenStore
	directory core.Directory
}

func New(store core.TokenStore, directory core.Directory) *Verifier {
	return &Verifier{store: store, directory: directory}
}

// Verify maps a presented token back to its record and checks expiry and
// the owner's account status. ignoreAccountStatus skips the status check,
// for callers that need to see tokens of blocked accounts.
func (v *Verifier) Verify(ctx context.Context, kind core.TokenKind, presented string, ignoreAccountStatus bool) (*core.VerifiedToken, error) {
	bare := StripPrefix(presented)
	if bare == "" {
		return nil, core.NewTokenError("empty token")
	}

	rec, err := v.store.LookupByHash(ctx, issuer.HashToken(bare), kind)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// revoked, expired-and-cleaned, or never issued here
		return nil, core.NewTokenError("invalid token")
	}

	if rec.NeverExpires() {
		if rec.Kind != core.KindAPI {
			return nil, core.NewTokenError("invalid token")
		}
	} else if !rec.ExpirationDate.After(time.Now()) {
		return nil, core.NewTokenError("token expired")
	}

	status, tracked, err := v.directory.AccountStatus(ctx, rec.SubjectID)
	if err != nil {
		return nil, err
	}
	if tracked && !ignoreAccountStatus && status != core.AccountStatusActive {
		return nil, core.NewTokenError("account is not active")
	}

	return &core.VerifiedToken{
		TokenID:       rec.ID,
		SubjectID:     rec.SubjectID,
		AccountStatus: status,
		Scopes:        rec.Scopes,
		ClientID:      rec.ClientID,
		Expires:       rec.ExpirationDate,
	}, nil
}

// StripPrefix removes an optional `<scheme>:` tag from a presented token.
// JWT compact serializations never contain a colon, so everything up to
// the last colon is prefix.
func StripPrefix(presented string) string {
	for i := len(presented) - 1; i >= 0; i-- {
		if presented[i] == ':' {
			return presented[i+1:]
		}
	}
	return presented
}
