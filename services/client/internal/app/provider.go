package app

import (
	"context"

	"pingai/internal/realtime"
	"pingai/pkg/domain"
	"pingai/pkg/identity"
)

// Provider is the auth service API the screens use.
type Provider interface {
	Me(ctx context.Context, token string) (domain.User, error)
	ListInvitations(ctx context.Context, token string) ([]domain.Invitation, error)
	Invite(ctx context.Context, token, email, redirectTo string) (domain.Invitation, error)
	ResendInvitation(ctx context.Context, token, id, redirectTo string) (domain.Invitation, error)
	Feed(token, table, filter string) realtime.Stream
}

// TokenSource yields the bearer token of the signed-in user.
type TokenSource interface {
	AccessToken() (string, error)
}

// IdentityProvider adapts identity.Client to Provider.
type IdentityProvider struct {
	*identity.Client
}

func (p IdentityProvider) Feed(token, table, filter string) realtime.Stream {
	return p.Subscribe(token, table, filter)
}
