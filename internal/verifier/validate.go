package verifier

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/idport/idport/internal/keys"
)

// SignatureValidator checks token signatures against the tenant key set.
//
// This is a debug capability only. It cannot see revocation: a token
// remains signature-valid forever after its record is deleted. Never use
// it for an authorization decision; that is what Verifier.Verify is for.
type SignatureValidator struct {
	keys *keys.Manager
}

func NewSignatureValidator(keyManager *keys.Manager) *SignatureValidator {
	return &SignatureValidator{keys: keyManager}
}

// ValidateSignature parses the presented token and verifies its signature
// against the tenant's signing keys, returning the raw claims.
func (sv *SignatureValidator) ValidateSignature(ctx context.Context, tenant, presented string) (jwt.MapClaims, error) {
	bare := StripPrefix(presented)

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(bare, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return sv.keys.PublicKeyByID(ctx, tenant, kid)
	}, jwt.WithValidMethods([]string{"ES256", "RS256"}))
	if err != nil {
		return nil, fmt.Errorf("signature validation failed: %w", err)
	}
	return claims, nil
}
