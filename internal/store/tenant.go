package store

import (
	"context"
	"sync"

	"github.com/idport/idport/internal/core"
)

type tenantData struct {
	issuer   string
	keys     []core.SigningKey
	settings core.ExpirySettings
}

// MemoryTenantConfig is a TenantConfig holding issuer, signing keys and
// expiry settings per tenant in memory.
type MemoryTenantConfig struct {
	mu      sync.RWMutex
	tenants map[string]*tenantData
}

func NewMemoryTenantConfig() *MemoryTenantConfig {
	return &MemoryTenantConfig{tenants: make(map[string]*tenantData)}
}

// SetTenant seeds issuer and expiry settings for a tenant.
func (c *MemoryTenantConfig) SetTenant(tenant, issuer string, settings core.ExpirySettings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.tenant(tenant)
	data.issuer = issuer
	data.settings = settings
}

func (c *MemoryTenantConfig) Issuer(_ context.Context, tenant string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.tenants[tenant]
	if !ok || data.issuer == "" {
		return "", core.NewConfigError("tenant %q has no issuer configured", tenant)
	}
	return data.issuer, nil
}

func (c *MemoryTenantConfig) SigningKeys(_ context.Context, tenant string) ([]core.SigningKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.tenants[tenant]
	if !ok {
		return nil, nil
	}
	keys := make([]core.SigningKey, len(data.keys))
	copy(keys, data.keys)
	return keys, nil
}

func (c *MemoryTenantConfig) SaveSigningKeys(_ context.Context, tenant string, keys []core.SigningKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.tenant(tenant)
	data.keys = make([]core.SigningKey, len(keys))
	copy(data.keys, keys)
	return nil
}

func (c *MemoryTenantConfig) ExpirySettings(_ context.Context, tenant string) (core.ExpirySettings, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.tenants[tenant]
	if !ok {
		return core.ExpirySettings{}, core.NewConfigError("tenant %q has no expiry settings", tenant)
	}
	return data.settings, nil
}

// tenant returns the tenant's data, creating it if needed. Caller holds mu.
func (c *MemoryTenantConfig) tenant(name string) *tenantData {
	data, ok := c.tenants[name]
	if !ok {
		data = &tenantData{}
		c.tenants[name] = data
	}
	return data
}
