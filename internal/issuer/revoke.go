package issuer

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/idport/idport/internal/core"
)

// Revoke deletes the record behind a presented token, invalidating it for
// every subsequent verification with no propagation delay. The record
// delete and its audit event commit as one unit.
func (i *Issuer) Revoke(ctx context.Context, kind core.TokenKind, presentedToken string) error {
	bare := presentedToken
	if idx := strings.LastIndexByte(bare, ':'); idx >= 0 {
		bare = bare[idx+1:]
	}
	contentHash := HashToken(bare)

	rec, err := i.store.LookupByHash(ctx, contentHash, kind)
	if err != nil {
		return err
	}
	if rec == nil {
		return core.NewTokenError("no matching token")
	}
	return i.RevokeByID(ctx, rec.ID)
}

// RevokeByID deletes a token record by id, for the administrative path.
func (i *Issuer) RevokeByID(ctx context.Context, tokenID string) error {
	entry := core.AuditEntry{
		ID:      core.CorrelationID(ctx),
		Time:    time.Now().UTC().Truncate(time.Second),
		Action:  core.AuditActionRevoke,
		TokenID: tokenID,
	}

	err := i.store.WithTx(ctx, func(tx core.TokenTx) error {
		deleted, err := tx.DeleteToken(ctx, tokenID)
		if err != nil {
			return err
		}
		if !deleted {
			return core.NewTokenError("no token with id %q", tokenID)
		}
		return tx.AppendAudit(ctx, entry)
	})
	if err != nil {
		return err
	}

	if logErr := i.auditor.Log(entry); logErr != nil {
		log.Ctx(ctx).Error().Err(logErr).Msg("writing audit sink entry failed")
	}
	return nil
}

// Update is the administrative update path. Only the title and expiration
// date of an existing record may change; a nil field is left untouched. A
// zero expires time requests never-expires and is only valid for API
// tokens.
func (i *Issuer) Update(ctx context.Context, tokenID string, title *string, expires *time.Time) error {
	if expires != nil && expires.IsZero() {
		rec, err := i.store.GetToken(ctx, tokenID)
		if err != nil {
			return err
		}
		if rec == nil {
			return core.NewTokenError("no token with id %q", tokenID)
		}
		if rec.Kind != core.KindAPI {
			return ErrNeverOnlyAPI
		}
	}
	return i.store.UpdateToken(ctx, tokenID, title, expires)
}
