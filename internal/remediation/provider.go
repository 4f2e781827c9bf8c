// Package remediation executes mailbox actions against provider APIs
// once a verdict crosses the configured thresholds: move a message to
// quarantine, label it, or trash it, with every action audited.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Action is the remediation applied to a message.
type Action string

const (
	ActionFlag       Action = "flag"
	ActionQuarantine Action = "quarantine"
	ActionDelete     Action = "delete"
	ActionRelease    Action = "release"
)

// Refresher exchanges a refresh token for a fresh access token. Both
// provider adapters implement it; the token manager calls it when the
// stored token has expired.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*Token, error)
}

// Provider is one mailbox backend bound to a single mailbox. All
// operations are idempotent: acting on an already-moved or
// already-trashed message returns nil.
type Provider interface {
	Refresher

	// Name identifies the integration ("gmail", "microsoft365").
	Name() string

	// MoveTo moves the message into folder, creating it if needed.
	MoveTo(ctx context.Context, folder, messageID string) error

	// AddLabels attaches labels (Gmail labels, Graph categories).
	AddLabels(ctx context.Context, messageID string, labels ...string) error

	// RemoveLabels detaches labels; missing labels are not an error.
	RemoveLabels(ctx context.Context, messageID string, labels ...string) error

	// Trash moves the message to the provider's trash.
	Trash(ctx context.Context, messageID string) error
}

// ErrNoProvider means the tenant has no mailbox integration configured.
var ErrNoProvider = errors.New("remediation: no provider configured for tenant")

// TenantDirectory resolves the mailbox provider for a tenant.
type TenantDirectory interface {
	ProviderFor(ctx context.Context, tenantID string) (Provider, error)
}

// StaticDirectory is a fixed tenant-to-provider map, the directory
// used by the daemon when integrations come from config.
type StaticDirectory struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  Provider
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{providers: make(map[string]Provider)}
}

// Register binds a tenant to its provider.
func (d *StaticDirectory) Register(tenantID string, p Provider) {
	d.mu.Lock()
	d.providers[tenantID] = p
	d.mu.Unlock()
}

// SetFallback sets the provider used for tenants with no explicit
// binding, for single-tenant deployments.
func (d *StaticDirectory) SetFallback(p Provider) {
	d.mu.Lock()
	d.fallback = p
	d.mu.Unlock()
}

func (d *StaticDirectory) ProviderFor(_ context.Context, tenantID string) (Provider, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.providers[tenantID]; ok {
		return p, nil
	}
	if d.fallback != nil {
		return d.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, tenantID)
}
