package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/idport/idport/internal/core"
)

type Config struct {
	// Listen is the HTTP listen address, e.g. ":8080".
	Listen string `yaml:"listen"`

	// LoginURL is where the authorize endpoint sends the user agent to
	// authenticate. The control token is appended as a query parameter.
	LoginURL string `yaml:"login_url"`

	// ControlKey is the hex-encoded AES key sealing the flow control
	// tokens. 32, 48 or 64 hex characters.
	ControlKey string `yaml:"control_key"`

	Tenants  []TenantConfig  `yaml:"tenants"`
	Clients  []ClientConfig  `yaml:"clients"`
	Subjects []SubjectConfig `yaml:"subjects"`

	Store    StoreConfig    `yaml:"store"`
	Sessions SessionsConfig `yaml:"sessions"`
	Audit    AuditConfig    `yaml:"audit"`
	Hooks    HooksConfig    `yaml:"hooks"`
	Admin    AdminConfig    `yaml:"admin"`
}

// TenantConfig describes one tenant this instance serves.
type TenantConfig struct {
	Name   string `yaml:"name"`
	Issuer string `yaml:"issuer"`

	// SubjectField is the directory attribute used as the token subject.
	// Empty selects the directory default.
	SubjectField string `yaml:"subject_field"`

	Expiry ExpiryConfig `yaml:"expiry"`
}

// ExpiryConfig is the per-tenant token lifetime policy.
type ExpiryConfig struct {
	FirstParty time.Duration `yaml:"first_party"`
	Persistent time.Duration `yaml:"persistent"`
	ThirdParty time.Duration `yaml:"third_party"`

	Rounding RoundingConfig `yaml:"rounding"`
}

// RoundingConfig pushes login expiries onto a daily quiet-hours boundary.
type RoundingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Boundary is the daily time of day, "HH:MM".
	Boundary string `yaml:"boundary"`

	Timezone string `yaml:"timezone"`

	// Minimum padding between the naive expiry and the chosen boundary.
	Minimum time.Duration `yaml:"minimum"`
}

type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	CallbackURLs []string `yaml:"callback_urls"`

	// SecretHashes holds hex-encoded SHA-256 digests of the accepted
	// client secrets. Plaintext secrets never appear in the config.
	SecretHashes []string `yaml:"secret_hashes"`

	SubjectField string `yaml:"subject_field"`
}

// SubjectConfig statically registers a subject for deployments without an
// external directory.
type SubjectConfig struct {
	ID         int64          `yaml:"id"`
	Status     string         `yaml:"status"`
	Attributes map[string]any `yaml:"attributes"`
}

type StoreConfig struct {
	// Type selects the token store backend: "memory" or "sqlite".
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

type SessionsConfig struct {
	// Type selects the session backend: "memory" or "redis".
	Type     string        `yaml:"type"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`

	// ControlTTL bounds how long a sealed control token stays usable.
	ControlTTL time.Duration `yaml:"control_ttl"`
}

type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type"` // e.g., "file", "memory"
	Path    string `yaml:"path"`
}

type HooksConfig struct {
	// Rules is the path to the hook rules file. Empty disables the hook.
	Rules string `yaml:"rules"`
	Watch bool   `yaml:"watch"`
}

// AdminConfig guards the administrative endpoints. Tokens presented there
// must verify as API tokens carrying the named scope.
type AdminConfig struct {
	Scope string `yaml:"scope"`
}

// Load reads and parses the configuration file at the given path.
// It returns a Config struct or an error if loading/parsing/validation fails.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config file: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.LoginURL != "" {
		if _, err := url.ParseRequestURI(c.LoginURL); err != nil {
			return fmt.Errorf("login_url is not a valid URL: %w", err)
		}
	}

	if _, err := c.ControlKeyBytes(); err != nil {
		return err
	}

	if len(c.Tenants) == 0 {
		return fmt.Errorf("at least one tenant is required")
	}
	seenTenants := make(map[string]struct{})
	for idx := range c.Tenants {
		t := &c.Tenants[idx]
		if t.Name == "" {
			return fmt.Errorf("tenant at index %d has empty name", idx)
		}
		if _, dup := seenTenants[t.Name]; dup {
			return fmt.Errorf("tenant name '%s' is not unique", t.Name)
		}
		seenTenants[t.Name] = struct{}{}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("validating tenant '%s': %w", t.Name, err)
		}
	}

	for idx, client := range c.Clients {
		if err := client.Validate(); err != nil {
			return fmt.Errorf("validating client at index %d: %w", idx, err)
		}
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("validating store: %w", err)
	}
	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("validating sessions: %w", err)
	}
	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("validating audit: %w", err)
	}
	return nil
}

// ControlKeyBytes decodes and checks the flow control key.
func (c *Config) ControlKeyBytes() ([]byte, error) {
	if c.ControlKey == "" {
		return nil, fmt.Errorf("control_key is required")
	}
	key, err := hex.DecodeString(c.ControlKey)
	if err != nil {
		return nil, fmt.Errorf("control_key is not valid hex: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("control_key must be 16, 24 or 32 bytes, got %d", len(key))
	}
}

func (t *TenantConfig) Validate() error {
	if t.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(t.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer '%s' is not an absolute URL", t.Issuer)
	}
	return t.Expiry.Validate()
}

func (e *ExpiryConfig) Validate() error {
	if e.FirstParty <= 0 {
		return fmt.Errorf("expiry.first_party must be positive")
	}
	if e.Persistent <= 0 {
		e.Persistent = e.FirstParty
	}
	if e.ThirdParty <= 0 {
		return fmt.Errorf("expiry.third_party must be positive")
	}
	if e.Rounding.Enabled {
		if _, _, err := e.Rounding.BoundaryTime(); err != nil {
			return err
		}
		if _, err := time.LoadLocation(e.Rounding.Timezone); err != nil {
			return fmt.Errorf("rounding.timezone '%s' is unknown: %w", e.Rounding.Timezone, err)
		}
		if e.Rounding.Minimum < 0 {
			return fmt.Errorf("rounding.minimum must not be negative")
		}
	}
	return nil
}

// BoundaryTime parses the "HH:MM" boundary.
func (r *RoundingConfig) BoundaryTime() (hour, minute int, err error) {
	parts := strings.SplitN(r.Boundary, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("rounding.boundary '%s' is not HH:MM", r.Boundary)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("rounding.boundary '%s' has an invalid hour", r.Boundary)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("rounding.boundary '%s' has an invalid minute", r.Boundary)
	}
	return hour, minute, nil
}

// ExpirySettings converts the tenant expiry section into the core policy.
func (t *TenantConfig) ExpirySettings() core.ExpirySettings {
	hour, minute, _ := t.Expiry.Rounding.BoundaryTime()
	return core.ExpirySettings{
		FirstParty:      t.Expiry.FirstParty,
		Persistent:      t.Expiry.Persistent,
		ThirdParty:      t.Expiry.ThirdParty,
		RoundEnabled:    t.Expiry.Rounding.Enabled,
		BoundaryHour:    hour,
		BoundaryMinute:  minute,
		Timezone:        t.Expiry.Rounding.Timezone,
		MinimumDuration: t.Expiry.Rounding.Minimum,
	}
}

func (c *ClientConfig) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if len(c.CallbackURLs) == 0 {
		return fmt.Errorf("client '%s' has no callback_urls", c.ClientID)
	}
	for _, cb := range c.CallbackURLs {
		u, err := url.Parse(cb)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("client '%s' callback '%s' is not an absolute URL", c.ClientID, cb)
		}
	}
	for _, h := range c.SecretHashes {
		raw, err := hex.DecodeString(h)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("client '%s' has a secret hash that is not hex SHA-256", c.ClientID)
		}
	}
	return nil
}

// Registration converts the section into the core client registration.
func (c *ClientConfig) Registration() core.ClientRegistration {
	return core.ClientRegistration{
		ClientID:     c.ClientID,
		CallbackURLs: c.CallbackURLs,
		SecretHashes: c.SecretHashes,
		SubjectField: c.SubjectField,
	}
}

func (s *StoreConfig) Validate() error {
	switch s.Type {
	case "", "memory":
		s.Type = "memory"
	case "sqlite":
		if s.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown store type '%s'", s.Type)
	}
	return nil
}

func (s *SessionsConfig) Validate() error {
	switch s.Type {
	case "", "memory":
		s.Type = "memory"
	case "redis":
		if s.Addr == "" {
			return fmt.Errorf("sessions.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown sessions type '%s'", s.Type)
	}
	if s.TTL < 0 || s.ControlTTL < 0 {
		return fmt.Errorf("session TTLs must not be negative")
	}
	return nil
}

func (a *AuditConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	switch a.Type {
	case "", "memory":
		a.Type = "memory"
	case "file":
		if a.Path == "" {
			return fmt.Errorf("audit.path is required for the file auditor")
		}
	default:
		return fmt.Errorf("unknown audit type '%s'", a.Type)
	}
	return nil
}
