package memory

import (
	"github.com/visible-governance/platform/internal/remotestore"
	"github.com/visible-governance/platform/internal/shared/auth"
)

// Backend groups the in-memory services so tests can reach their hooks.
type Backend struct {
	Store     *Store
	Auth      *Auth
	Functions *Functions
}

// New creates an in-memory backend.
func New(issuer *auth.Issuer) *Backend {
	return &Backend{
		Store:     NewStore(),
		Auth:      NewAuth(issuer),
		Functions: NewFunctions(),
	}
}

// Client exposes the backend through the remotestore contract.
func (b *Backend) Client() remotestore.Client {
	return remotestore.Client{
		Store:     b.Store,
		Auth:      b.Auth,
		Functions: b.Functions,
	}
}
