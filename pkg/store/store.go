package store

import (
	"context"
	"errors"
	"time"

	"pingai/pkg/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Store persists the provider-side tables: customers, invitations and
// magic_links.
type Store interface {
	// customers
	CreateCustomer(ctx context.Context, email string) (domain.User, error)
	GetCustomerByID(ctx context.Context, id string) (domain.User, bool, error)
	GetCustomerByEmail(ctx context.Context, email string) (domain.User, bool, error)
	UpdateCustomer(ctx context.Context, id string, patch CustomerPatch) (domain.User, error)

	// invitations
	CreateInvitation(ctx context.Context, email, invitedBy string) (domain.Invitation, error)
	GetInvitation(ctx context.Context, id string) (domain.Invitation, bool, error)
	ListInvitations(ctx context.Context) ([]domain.Invitation, error)
	ActivateInvitations(ctx context.Context, email, userID string) ([]domain.Invitation, error)

	// magic links
	SaveMagicLink(ctx context.Context, link domain.MagicLink) error
	GetMagicLink(ctx context.Context, id string) (domain.MagicLink, bool, error)
	SetMagicLinkStatus(ctx context.Context, id string, status domain.MagicLinkStatus) error
}

// CustomerPatch lists the admin-editable customer fields. Nil means unchanged.
type CustomerPatch struct {
	Role   *domain.UserRole   `json:"role,omitempty"`
	Status *domain.UserStatus `json:"status,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p CustomerPatch) Empty() bool {
	return p.Role == nil && p.Status == nil
}

// SessionStore issues and resolves access tokens.
type SessionStore interface {
	NewSession(user domain.User) (token string, expiresAt time.Time, err error)
	Resolve(ctx context.Context, token string) (AccessClaims, error)
	DeleteSession(ctx context.Context, token string) error
}

// UserSessionRevoker revokes every session of a user issued up to a cutoff.
type UserSessionRevoker interface {
	RevokeUserSessions(ctx context.Context, userID string, since time.Time) error
}

// JWK is one entry of the JWKS document.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider publishes verification keys.
type JWKSProvider interface {
	JWKS() []JWK
}
