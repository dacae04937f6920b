package keys

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/idport/idport/internal/core"
	"github.com/idport/idport/internal/store"
)

func TestSelectSigningKey(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	ecOld := core.SigningKey{KeyID: "ec-old", Type: core.KeyTypeEC, AvailableSince: older}
	ecNew := core.SigningKey{KeyID: "ec-new", Type: core.KeyTypeEC, AvailableSince: newer}
	rsaKey := core.SigningKey{KeyID: "rsa", Type: core.KeyTypeRSA, AvailableSince: newer}

	tests := []struct {
		name     string
		keys     []core.SigningKey
		restrict core.KeyType
		wantKID  string
		wantErr  bool
	}{
		{name: "unrestricted prefers EC", keys: []core.SigningKey{rsaKey, ecOld}, wantKID: "ec-old"},
		{name: "newest EC wins", keys: []core.SigningKey{ecOld, rsaKey, ecNew}, wantKID: "ec-new"},
		{name: "restricted to RSA", keys: []core.SigningKey{ecNew, rsaKey}, restrict: core.KeyTypeRSA, wantKID: "rsa"},
		{name: "restricted to EC", keys: []core.SigningKey{rsaKey, ecOld}, restrict: core.KeyTypeEC, wantKID: "ec-old"},
		{name: "empty set errors", keys: nil, wantErr: true},
		{name: "no key of restricted type", keys: []core.SigningKey{ecNew}, restrict: core.KeyTypeRSA, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectSigningKey(tt.keys, tt.restrict)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectSigningKey: %v", err)
			}
			if got.KeyID != tt.wantKID {
				t.Errorf("got kid %q, want %q", got.KeyID, tt.wantKID)
			}
		})
	}
}

func TestEnsureKeysGeneratesMissingKeys(t *testing.T) {
	cfg := store.NewMemoryTenantConfig()
	cfg.SetTenant("acme", "https://idp.example.com", core.ExpirySettings{})
	mgr := NewManager(cfg, store.NewMemoryLocker())

	set, err := mgr.EnsureKeys(context.Background(), "acme")
	if err != nil {
		t.Fatalf("EnsureKeys: %v", err)
	}
	if set.EC.Type != core.KeyTypeEC || set.RSA.Type != core.KeyTypeRSA {
		t.Fatalf("unexpected key types: %q / %q", set.EC.Type, set.RSA.Type)
	}
	if len(set.All) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(set.All))
	}

	// the keys must be usable with their JWT signing methods
	for _, key := range set.All {
		if _, err := Signer(key); err != nil {
			t.Errorf("Signer(%s): %v", key.KeyID, err)
		}
	}

	// a second call is a pure read and returns the same keys
	again, err := mgr.EnsureKeys(context.Background(), "acme")
	if err != nil {
		t.Fatalf("second EnsureKeys: %v", err)
	}
	if again.EC.KeyID != set.EC.KeyID || again.RSA.KeyID != set.RSA.KeyID {
		t.Error("EnsureKeys regenerated existing keys")
	}
}

func TestEnsureKeysConcurrentFirstRequest(t *testing.T) {
	cfg := store.NewMemoryTenantConfig()
	cfg.SetTenant("acme", "https://idp.example.com", core.ExpirySettings{})
	mgr := NewManager(cfg, store.NewMemoryLocker())

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.EnsureKeys(context.Background(), "acme"); err != nil {
				t.Errorf("EnsureKeys: %v", err)
			}
		}()
	}
	wg.Wait()

	all, err := cfg.SigningKeys(context.Background(), "acme")
	if err != nil {
		t.Fatalf("SigningKeys: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected exactly one EC and one RSA key, got %d keys", len(all))
	}
}

func TestJWKSExportsPublicKeys(t *testing.T) {
	cfg := store.NewMemoryTenantConfig()
	cfg.SetTenant("acme", "https://idp.example.com", core.ExpirySettings{})
	mgr := NewManager(cfg, store.NewMemoryLocker())

	jwks, err := mgr.JWKS(context.Background(), "acme")
	if err != nil {
		t.Fatalf("JWKS: %v", err)
	}
	if len(jwks.Keys) != 2 {
		t.Fatalf("expected 2 JWKS entries, got %d", len(jwks.Keys))
	}
	algs := map[string]bool{}
	for _, k := range jwks.Keys {
		if k.Use != "sig" {
			t.Errorf("key %s: use = %q, want sig", k.KeyID, k.Use)
		}
		if !k.IsPublic() {
			t.Errorf("key %s: JWKS leaked a private key", k.KeyID)
		}
		algs[k.Algorithm] = true
	}
	if !algs["ES256"] || !algs["RS256"] {
		t.Errorf("expected ES256 and RS256 entries, got %v", algs)
	}
}
