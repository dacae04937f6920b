package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
listen: ":9090"
login_url: https://idp.example.com/login
control_key: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

tenants:
  - name: acme
    issuer: https://idp.example.com
    expiry:
      first_party: 12h
      persistent: 336h
      third_party: 1h
      rounding:
        enabled: true
        boundary: "04:00"
        timezone: Europe/Amsterdam
        minimum: 30m

clients:
  - client_id: web-app
    callback_urls:
      - https://client.example.org/cb
    secret_hashes:
      - 2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b

subjects:
  - id: 42
    status: active
    attributes:
      guid: guid-42

store:
  type: sqlite
  path: /var/lib/idport/idport.db

sessions:
  type: redis
  addr: localhost:6379
  ttl: 30m
  control_ttl: 1h

audit:
  enabled: true
  type: file
  path: /var/log/idport/audit.log
`

func loadFrom(t *testing.T, doc string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}
	return Load(path)
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := loadFrom(t, validConfig)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	key, err := cfg.ControlKeyBytes()
	if err != nil || len(key) != 32 {
		t.Errorf("ControlKeyBytes = %d bytes, %v", len(key), err)
	}

	if len(cfg.Tenants) != 1 {
		t.Fatalf("expected 1 tenant, got %d", len(cfg.Tenants))
	}
	settings := cfg.Tenants[0].ExpirySettings()
	if settings.FirstParty != 12*time.Hour || settings.ThirdParty != time.Hour {
		t.Errorf("expiry settings: %+v", settings)
	}
	if !settings.RoundEnabled || settings.BoundaryHour != 4 || settings.BoundaryMinute != 0 {
		t.Errorf("rounding settings: %+v", settings)
	}
	if settings.Timezone != "Europe/Amsterdam" || settings.MinimumDuration != 30*time.Minute {
		t.Errorf("rounding settings: %+v", settings)
	}

	reg := cfg.Clients[0].Registration()
	if reg.ClientID != "web-app" || len(reg.SecretHashes) != 1 {
		t.Errorf("registration: %+v", reg)
	}

	if cfg.Store.Type != "sqlite" || cfg.Sessions.Type != "redis" {
		t.Errorf("backends: store=%q sessions=%q", cfg.Store.Type, cfg.Sessions.Type)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := loadFrom(t, `
control_key: "00112233445566778899aabbccddeeff"
tenants:
  - name: acme
    issuer: https://idp.example.com
    expiry:
      first_party: 1h
      third_party: 1h
`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("default listen = %q", cfg.Listen)
	}
	if cfg.Store.Type != "memory" || cfg.Sessions.Type != "memory" {
		t.Errorf("default backends: store=%q sessions=%q", cfg.Store.Type, cfg.Sessions.Type)
	}
	// persistent falls back to first_party
	if got := cfg.Tenants[0].ExpirySettings().Persistent; got != time.Hour {
		t.Errorf("persistent default = %v", got)
	}
}

func TestValidationErrors(t *testing.T) {
	base := `
control_key: "00112233445566778899aabbccddeeff"
tenants:
  - name: acme
    issuer: https://idp.example.com
    expiry:
      first_party: 1h
      third_party: 1h
`
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "missing control key",
			doc:     strings.Replace(base, `control_key: "00112233445566778899aabbccddeeff"`, "", 1),
			wantErr: "control_key is required",
		},
		{
			name:    "control key wrong length",
			doc:     strings.Replace(base, "ccddeeff", "ccdd", 1),
			wantErr: "16, 24 or 32 bytes",
		},
		{
			name:    "no tenants",
			doc:     `control_key: "00112233445566778899aabbccddeeff"` + "\ntenants: []\n",
			wantErr: "at least one tenant",
		},
		{
			name:    "relative issuer",
			doc:     strings.Replace(base, "https://idp.example.com", "/idp", 1),
			wantErr: "absolute URL",
		},
		{
			name:    "zero lifetime",
			doc:     strings.Replace(base, "first_party: 1h", "first_party: 0s", 1),
			wantErr: "first_party must be positive",
		},
		{
			name: "bad boundary",
			doc: base + `      rounding:
        enabled: true
        boundary: "25:00"
        timezone: UTC
`,
			wantErr: "invalid hour",
		},
		{
			name: "unknown timezone",
			doc: base + `      rounding:
        enabled: true
        boundary: "04:00"
        timezone: Mars/Olympus
`,
			wantErr: "is unknown",
		},
		{
			name:    "unknown store type",
			doc:     base + "store:\n  type: postgres\n",
			wantErr: "unknown store type",
		},
		{
			name:    "sqlite without path",
			doc:     base + "store:\n  type: sqlite\n",
			wantErr: "store.path is required",
		},
		{
			name:    "redis without addr",
			doc:     base + "sessions:\n  type: redis\n",
			wantErr: "sessions.addr is required",
		},
		{
			name: "client without callback",
			doc: base + `clients:
  - client_id: web-app
`,
			wantErr: "no callback_urls",
		},
		{
			name: "client secret hash not sha256",
			doc: base + `clients:
  - client_id: web-app
    callback_urls: [https://client.example.org/cb]
    secret_hashes: [nothex]
`,
			wantErr: "not hex SHA-256",
		},
		{
			name:    "file audit without path",
			doc:     base + "audit:\n  enabled: true\n  type: file\n",
			wantErr: "audit.path is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadFrom(t, tt.doc)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestDuplicateTenantNames(t *testing.T) {
	_, err := loadFrom(t, `
control_key: "00112233445566778899aabbccddeeff"
tenants:
  - name: acme
    issuer: https://a.example.com
    expiry: {first_party: 1h, third_party: 1h}
  - name: acme
    issuer: https://b.example.com
    expiry: {first_party: 1h, third_party: 1h}
`)
	if err == nil || !strings.Contains(err.Error(), "not unique") {
		t.Errorf("expected duplicate-name error, got %v", err)
	}
}
