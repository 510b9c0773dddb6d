// Package auth exposes the embeddable login surface of the bridge: the
// authenticator interface, the manager that coordinates login and
// persistence, and the file-backed token store.
package auth

import (
	"context"

	"github.com/frappe-community/AssistantBridge/internal/auth/frappe"
	"github.com/frappe-community/AssistantBridge/internal/config"
)

// LoginOptions captures generic knobs shared across login invocations.
// Provider-specific logic can inspect Metadata for extra parameters.
type LoginOptions struct {
	NoBrowser    bool
	CallbackPort int
	Metadata     map[string]string
	Prompt       func(prompt string) (string, error)
}

// Record is the result of a completed login: the persisted token storage plus
// bookkeeping the store needs to place it on disk.
type Record struct {
	// ID uniquely identifies the record, matching FileName for file stores.
	ID string
	// Provider names the authentication provider that produced the record.
	Provider string
	// Site is the base URL of the authenticated deployment.
	Site string
	// FileName is the base name of the token file, derived from the site host.
	FileName string
	// Storage holds the token pair and client identity to persist.
	Storage *frappe.FrappeTokenStorage
	// Metadata carries provider-specific details for display and diagnostics.
	Metadata map[string]any
}

// Authenticator manages the login flow for a provider.
type Authenticator interface {
	Provider() string
	Login(ctx context.Context, cfg *config.Config, opts *LoginOptions) (*Record, error)
}

// Store persists and retrieves token records.
type Store interface {
	Save(ctx context.Context, record *Record) (string, error)
	Load(ctx context.Context, site string) (*frappe.FrappeTokenStorage, error)
	List(ctx context.Context) ([]*Record, error)
}
