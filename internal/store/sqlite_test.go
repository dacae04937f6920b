package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/idport/idport/internal/core"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "idport.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteInsertAndLookup(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	rec := core.TokenRecord{
		ID:           "tok1",
		Kind:         core.KindAPI,
		SubjectID:    42,
		ClientID:     "web-app",
		Scopes:       []string{"filesystem", "admin"},
		ContentHash:  "abc123",
		CreationDate: time.Now().UTC().Truncate(time.Second),
		Metadata:     map[string]any{"device": "laptop"},
		Title:        "ci token",
	}
	err := s.WithTx(ctx, func(tx core.TokenTx) error {
		if err := tx.InsertToken(ctx, rec); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, core.AuditEntry{
			ID:        "a1",
			Time:      rec.CreationDate,
			Action:    core.AuditActionAPIKey,
			SubjectID: 42,
			TokenID:   "tok1",
		})
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	got, err := s.LookupByHash(ctx, "abc123", core.KindAPI)
	if err != nil {
		t.Fatalf("LookupByHash: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got none")
	}
	if got.ID != "tok1" || got.SubjectID != 42 || got.Title != "ci token" {
		t.Errorf("unexpected record: %+v", got)
	}
	if len(got.Scopes) != 2 || got.Scopes[0] != "filesystem" {
		t.Errorf("scopes not round-tripped: %v", got.Scopes)
	}
	if !got.NeverExpires() {
		t.Error("zero expiration should survive the round trip")
	}
	if got.Metadata["device"] != "laptop" {
		t.Errorf("metadata not round-tripped: %v", got.Metadata)
	}

	// kind is part of the lookup key
	if other, _ := s.LookupByHash(ctx, "abc123", core.KindID); other != nil {
		t.Error("lookup with wrong kind should miss")
	}

	entries, err := s.AuditEntries(ctx)
	if err != nil {
		t.Fatalf("AuditEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != core.AuditActionAPIKey {
		t.Errorf("unexpected audit trail: %+v", entries)
	}
}

func TestSQLiteRollback(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx core.TokenTx) error {
		if err := tx.InsertToken(ctx, core.TokenRecord{
			ID: "tok1", Kind: core.KindAPI, SubjectID: 1,
			ContentHash: "h1", CreationDate: time.Now(),
		}); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, core.AuditEntry{ID: "a1", Action: core.AuditActionAPIKey}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	if rec, _ := s.LookupByHash(ctx, "h1", core.KindAPI); rec != nil {
		t.Error("record survived a rolled-back transaction")
	}
	if entries, _ := s.AuditEntries(ctx); len(entries) != 0 {
		t.Errorf("audit entries survived a rolled-back transaction: %+v", entries)
	}
}

func TestSQLiteDeleteAndUpdate(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	insert := func(id, hash string) {
		t.Helper()
		err := s.WithTx(ctx, func(tx core.TokenTx) error {
			return tx.InsertToken(ctx, core.TokenRecord{
				ID: id, Kind: core.KindAPI, SubjectID: 7,
				ContentHash: hash, CreationDate: time.Now(),
			})
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	insert("tok1", "h1")
	insert("tok2", "h2")

	if ok, err := s.DeleteToken(ctx, "tok1"); err != nil || !ok {
		t.Fatalf("DeleteToken = %v, %v", ok, err)
	}
	if ok, _ := s.DeleteToken(ctx, "tok1"); ok {
		t.Error("second delete should report no match")
	}
	if ok, err := s.DeleteByHash(ctx, "h2", core.KindAPI); err != nil || !ok {
		t.Fatalf("DeleteByHash = %v, %v", ok, err)
	}

	insert("tok3", "h3")
	title := "renamed"
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := s.UpdateToken(ctx, "tok3", &title, &expires); err != nil {
		t.Fatalf("UpdateToken: %v", err)
	}
	got, _ := s.GetToken(ctx, "tok3")
	if got.Title != "renamed" || !got.ExpirationDate.Equal(expires) {
		t.Errorf("update not applied: %+v", got)
	}

	var tokenErr *core.TokenError
	if err := s.UpdateToken(ctx, "missing", &title, nil); !errors.As(err, &tokenErr) {
		t.Errorf("updating a missing token should fail with a token error, got %v", err)
	}
}

func TestSQLiteListActive(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	records := []core.TokenRecord{
		{ID: "live", Kind: core.KindAPI, ContentHash: "h1", CreationDate: now, ExpirationDate: now.Add(time.Hour)},
		{ID: "forever", Kind: core.KindAPI, ContentHash: "h2", CreationDate: now},
		{ID: "dead", Kind: core.KindAPI, ContentHash: "h3", CreationDate: now.Add(-2 * time.Hour), ExpirationDate: now.Add(-time.Hour)},
	}
	err := s.WithTx(ctx, func(tx core.TokenTx) error {
		for _, rec := range records {
			if err := tx.InsertToken(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	ids := make(map[string]bool, len(active))
	for _, rec := range active {
		ids[rec.ID] = true
	}
	if !ids["live"] || !ids["forever"] || ids["dead"] {
		t.Errorf("unexpected active set: %v", ids)
	}
}

func TestSQLiteSigningKeys(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	keys := []core.SigningKey{
		{KeyID: "k1", Type: core.KeyTypeEC, PrivatePEM: []byte("pem-ec"), AvailableSince: time.Unix(1000, 0).UTC()},
		{KeyID: "k2", Type: core.KeyTypeRSA, PrivatePEM: []byte("pem-rsa"), AvailableSince: time.Unix(2000, 0).UTC()},
	}
	if err := s.SaveSigningKeys(ctx, "acme", keys); err != nil {
		t.Fatalf("SaveSigningKeys: %v", err)
	}
	// saving again must not duplicate
	if err := s.SaveSigningKeys(ctx, "acme", keys); err != nil {
		t.Fatalf("SaveSigningKeys (again): %v", err)
	}

	got, err := s.SigningKeys(ctx, "acme")
	if err != nil {
		t.Fatalf("SigningKeys: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(got))
	}
	if got[0].KeyID != "k1" || got[0].Type != core.KeyTypeEC || string(got[0].PrivatePEM) != "pem-ec" {
		t.Errorf("unexpected key: %+v", got[0])
	}
	if !got[1].AvailableSince.Equal(time.Unix(2000, 0)) {
		t.Errorf("available-since not round-tripped: %v", got[1].AvailableSince)
	}

	if other, _ := s.SigningKeys(ctx, "other"); len(other) != 0 {
		t.Errorf("keys leaked across tenants: %+v", other)
	}
}

func TestSQLiteTenantSettings(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	var cfgErr *core.ConfigError
	if _, err := s.Issuer(ctx, "acme"); !errors.As(err, &cfgErr) {
		t.Errorf("unseeded issuer should be a config error, got %v", err)
	}

	s.SetTenant("acme", "https://idp.example.com", core.ExpirySettings{FirstParty: time.Hour})
	issuer, err := s.Issuer(ctx, "acme")
	if err != nil || issuer != "https://idp.example.com" {
		t.Errorf("Issuer = %q, %v", issuer, err)
	}
	settings, err := s.ExpirySettings(ctx, "acme")
	if err != nil || settings.FirstParty != time.Hour {
		t.Errorf("ExpirySettings = %+v, %v", settings, err)
	}
}

func TestSQLiteDirectory(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	subjects := []Subject{
		{ID: 42, Status: "active", Attributes: map[string]string{"guid": "u-42", "mail": "a@example.com"}},
		{ID: 7, Status: "locked", Attributes: map[string]string{"guid": "u-7"}},
	}
	clients := []core.ClientRegistration{{
		ClientID:     "web-app",
		CallbackURLs: []string{"https://app.example.com/cb"},
		SecretHashes: []string{"2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b"},
		SubjectField: "mail",
	}}
	if err := s.SeedDirectory(ctx, subjects, clients); err != nil {
		t.Fatalf("SeedDirectory: %v", err)
	}

	guid, err := s.SubjectAttribute(ctx, 42, "")
	if err != nil {
		t.Fatalf("SubjectAttribute: %v", err)
	}
	if guid != "u-42" {
		t.Errorf("default attribute = %q, want u-42", guid)
	}
	mail, err := s.SubjectAttribute(ctx, 42, "mail")
	if err != nil {
		t.Fatalf("SubjectAttribute(mail): %v", err)
	}
	if mail != "a@example.com" {
		t.Errorf("mail attribute = %q", mail)
	}
	if _, err := s.SubjectAttribute(ctx, 42, "phone"); err == nil {
		t.Error("expected error for missing attribute")
	}
	if _, err := s.SubjectAttribute(ctx, 99, ""); err == nil {
		t.Error("expected error for unknown subject")
	}

	status, tracked, err := s.AccountStatus(ctx, 7)
	if err != nil {
		t.Fatalf("AccountStatus: %v", err)
	}
	if !tracked || status != "locked" {
		t.Errorf("AccountStatus = %q tracked=%v", status, tracked)
	}

	reg, err := s.Client(ctx, "web-app")
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if reg == nil || reg.SubjectField != "mail" {
		t.Fatalf("Client = %+v", reg)
	}
	if !reg.AllowsCallback("https://app.example.com/cb") {
		t.Error("registered callback rejected")
	}
	if unknown, err := s.Client(ctx, "nope"); err != nil || unknown != nil {
		t.Errorf("unknown client = %+v, %v", unknown, err)
	}

	// reseeding replaces, not duplicates
	subjects[0].Status = "locked"
	if err := s.SeedDirectory(ctx, subjects, clients); err != nil {
		t.Fatalf("SeedDirectory again: %v", err)
	}
	status, _, err = s.AccountStatus(ctx, 42)
	if err != nil {
		t.Fatalf("AccountStatus after reseed: %v", err)
	}
	if status != "locked" {
		t.Errorf("status after reseed = %q, want locked", status)
	}
}

func TestSQLiteNamedLock(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	var inside bool
	err := s.WithLock(ctx, "keys", func(ctx context.Context) error {
		inside = true

		// a second holder must not get the same name while fn runs
		shortCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
		defer cancel()
		err := s.WithLock(shortCtx, "keys", func(context.Context) error {
			t.Error("second holder entered the locked section")
			return nil
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("second WithLock err = %v, want deadline exceeded", err)
		}

		// a different name is independent
		return s.WithLock(ctx, "other", func(context.Context) error { return nil })
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if !inside {
		t.Fatal("locked section never ran")
	}

	// the lock is released, reacquiring succeeds immediately
	reCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.WithLock(reCtx, "keys", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
}
