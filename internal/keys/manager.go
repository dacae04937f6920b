// Package keys manages the tenant's asymmetric signing keys: generation
// under a cross-process lock, newest-first selection, and JWKS export.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"github.com/idport/idport/internal/core"
)

const rsaKeyBits = 4096

// KeySet is the result of EnsureKeys: the preferred key per type plus the
// full set for selection and JWKS export.
type KeySet struct {
	EC  core.SigningKey
	RSA core.SigningKey
	All []core.SigningKey
}

// Manager ensures a tenant always has at least one EC and one RSA signing
// key and implements the selection policy.
type Manager struct {
	config core.TenantConfig
	locks  core.NamedLocker
}

func NewManager(config core.TenantConfig, locks core.NamedLocker) *Manager {
	return &Manager{config: config, locks: locks}
}

// EnsureKeys returns the tenant's signing keys, generating whichever of
// {EC P-256, RSA-4096} is missing. The read-check-generate-write sequence
// runs under a tenant-scoped named lock so two concurrent first requests
// cannot each mint a redundant key; when both keys already exist the lock
// is skipped entirely.
func (m *Manager) EnsureKeys(ctx context.Context, tenant string) (KeySet, error) {
	existing, err := m.config.SigningKeys(ctx, tenant)
	if err != nil {
		return KeySet{}, fmt.Errorf("reading signing keys: %w", err)
	}
	if set, ok := buildKeySet(existing); ok {
		return set, nil
	}

	var set KeySet
	err = m.locks.WithLock(ctx, "signingkeys:"+tenant, func(ctx context.Context) error {
		// re-read inside the lock: another process may have won the race
		current, err := m.config.SigningKeys(ctx, tenant)
		if err != nil {
			return fmt.Errorf("re-reading signing keys: %w", err)
		}
		if s, ok := buildKeySet(current); ok {
			set = s
			return nil
		}

		updated := current
		if !hasKeyType(current, core.KeyTypeEC) {
			key, err := generateKey(core.KeyTypeEC)
			if err != nil {
				return err
			}
			log.Ctx(ctx).Info().Str("tenant", tenant).Str("kid", key.KeyID).Msg("generated EC signing key")
			updated = append(updated, key)
		}
		if !hasKeyType(updated, core.KeyTypeRSA) {
			key, err := generateKey(core.KeyTypeRSA)
			if err != nil {
				return err
			}
			log.Ctx(ctx).Info().Str("tenant", tenant).Str("kid", key.KeyID).Msg("generated RSA signing key")
			updated = append(updated, key)
		}

		if err := m.config.SaveSigningKeys(ctx, tenant, updated); err != nil {
			return fmt.Errorf("persisting signing keys: %w", err)
		}

		s, ok := buildKeySet(updated)
		if !ok {
			return core.NewConfigError("no signing keys after generation for tenant %q", tenant)
		}
		set = s
		return nil
	})
	if err != nil {
		return KeySet{}, err
	}
	return set, nil
}

// SelectSigningKey picks the signing key to use: restricted to restrict if
// non-empty, EC preferred over RSA, newest first. An empty candidate set
// is a configuration error.
func SelectSigningKey(all []core.SigningKey, restrict core.KeyType) (core.SigningKey, error) {
	candidates := make([]core.SigningKey, 0, len(all))
	for _, k := range all {
		if restrict != "" && k.Type != restrict {
			continue
		}
		candidates = append(candidates, k)
	}
	if len(candidates) == 0 {
		if restrict != "" {
			return core.SigningKey{}, core.NewConfigError("no %s signing key available", restrict)
		}
		return core.SigningKey{}, core.NewConfigError("no signing keys available")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Type != candidates[j].Type {
			return candidates[i].Type == core.KeyTypeEC
		}
		return candidates[i].AvailableSince.After(candidates[j].AvailableSince)
	})
	return candidates[0], nil
}

// SigningMethod returns the JWT alg for a key type: ES256 for EC keys,
// RS256 for RSA keys.
func SigningMethod(t core.KeyType) (jwt.SigningMethod, error) {
	switch t {
	case core.KeyTypeEC:
		return jwt.SigningMethodES256, nil
	case core.KeyTypeRSA:
		return jwt.SigningMethodRS256, nil
	}
	return nil, core.NewConfigError("unknown key type %q", t)
}

// Signer parses the key's private material into a crypto.Signer usable
// with the matching JWT signing method.
func Signer(key core.SigningKey) (crypto.Signer, error) {
	block, _ := pem.Decode(key.PrivatePEM)
	if block == nil {
		return nil, core.NewConfigError("signing key %q has no PEM block", key.KeyID)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, core.NewConfigError("parsing signing key %q: %v", key.KeyID, err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, core.NewConfigError("signing key %q is not a signer", key.KeyID)
	}
	return signer, nil
}

func buildKeySet(all []core.SigningKey) (KeySet, bool) {
	ec, errEC := SelectSigningKey(all, core.KeyTypeEC)
	rsaKey, errRSA := SelectSigningKey(all, core.KeyTypeRSA)
	if errEC != nil || errRSA != nil {
		return KeySet{}, false
	}
	return KeySet{EC: ec, RSA: rsaKey, All: all}, true
}

func hasKeyType(all []core.SigningKey, t core.KeyType) bool {
	for _, k := range all {
		if k.Type == t {
			return true
		}
	}
	return false
}

func generateKey(t core.KeyType) (core.SigningKey, error) {
	var (
		private any
		err     error
	)
	switch t {
	case core.KeyTypeEC:
		private, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case core.KeyTypeRSA:
		private, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
	default:
		return core.SigningKey{}, core.NewConfigError("unknown key type %q", t)
	}
	if err != nil {
		return core.SigningKey{}, fmt.Errorf("generating %s key: %w", t, err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return core.SigningKey{}, fmt.Errorf("encoding %s key: %w", t, err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	return core.SigningKey{
		KeyID:          xid.New().String(),
		Type:           t,
		PrivatePEM:     pemBytes,
		AvailableSince: time.Now().Truncate(time.Second),
	}, nil
}
