package keys

import (
	"context"
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"github.com/idport/idport/internal/core"
)

// JWKS exports the public halves of the tenant's signing keys as a JSON
// Web Key Set, suitable for the /.well-known/jwks.json endpoint.
func (m *Manager) JWKS(ctx context.Context, tenant string) (*jose.JSONWebKeySet, error) {
	set, err := m.EnsureKeys(ctx, tenant)
	if err != nil {
		return nil, err
	}

	jwks := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(set.All))}
	for _, key := range set.All {
		signer, err := Signer(key)
		if err != nil {
			return nil, err
		}
		method, err := SigningMethod(key.Type)
		if err != nil {
			return nil, err
		}
		jwks.Keys = append(jwks.Keys, jose.JSONWebKey{
			Key:       signer.Public(),
			KeyID:     key.KeyID,
			Use:       "sig",
			Algorithm: method.Alg(),
		})
	}
	return jwks, nil
}

// PublicKeyByID resolves the public key for a kid, for signature checks.
func (m *Manager) PublicKeyByID(ctx context.Context, tenant, kid string) (any, error) {
	all, err := m.config.SigningKeys(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("reading signing keys: %w", err)
	}
	for _, key := range all {
		if key.KeyID != kid {
			continue
		}
		signer, err := Signer(key)
		if err != nil {
			return nil, err
		}
		return signer.Public(), nil
	}
	return nil, core.NewConfigError("no signing key with kid %q", kid)
}
