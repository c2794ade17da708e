package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"pingai/internal/authz"
	"pingai/pkg/domain"
)

var (
	ErrAdminOnly       = errors.New("admin role required")
	ErrEmailRequired   = errors.New("Please enter an email address")
	ErrNotPending      = errors.New("invitation is not pending")
	ErrAlreadyWatching = errors.New("board is already watching")
)

// InvitationBoard is the admin screen listing invitations.
type InvitationBoard struct {
	provider   Provider
	tokens     TokenSource
	profile    *UserProfile
	alerter    Alerter
	redirectTo string

	mu          sync.RWMutex
	invitations []domain.Invitation
	watching    bool
}

func NewInvitationBoard(provider Provider, tokens TokenSource, profile *UserProfile, alerter Alerter, redirectTo string) *InvitationBoard {
	return &InvitationBoard{
		provider:   provider,
		tokens:     tokens,
		profile:    profile,
		alerter:    alerter,
		redirectTo: redirectTo,
	}
}

// Authorize checks that the loaded profile may manage invitations.
func (b *InvitationBoard) Authorize() error {
	if d := b.profile.Can(authz.ManageInvitations); !d.Allowed {
		return fmt.Errorf("%w: %s", ErrAdminOnly, d.Reason)
	}
	return nil
}

// Refresh reloads the list, newest first.
func (b *InvitationBoard) Refresh(ctx context.Context) error {
	if err := b.Authorize(); err != nil {
		return err
	}
	token, err := b.tokens.AccessToken()
	if err != nil {
		return err
	}
	items, err := b.provider.ListInvitations(ctx, token)
	if err != nil {
		slog.Error("error fetching invitations", "err", err)
		b.alerter.Alert("Error", "Failed to fetch invitations")
		return err
	}
	b.mu.Lock()
	b.invitations = items
	b.mu.Unlock()
	return nil
}

// Invitations returns the last fetched list.
func (b *InvitationBoard) Invitations() []domain.Invitation {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Invitation, len(b.invitations))
	copy(out, b.invitations)
	return out
}

// Send invites email.
func (b *InvitationBoard) Send(ctx context.Context, email string) (domain.Invitation, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		b.alerter.Alert("Error", ErrEmailRequired.Error())
		return domain.Invitation{}, ErrEmailRequired
	}
	if err := b.Authorize(); err != nil {
		return domain.Invitation{}, err
	}
	token, err := b.tokens.AccessToken()
	if err != nil {
		return domain.Invitation{}, err
	}
	inv, err := b.provider.Invite(ctx, token, email, b.redirectTo)
	if err != nil {
		slog.Error("error sending invitation", "err", err)
		b.alerter.Alert("Error", failureMessage(err, "Failed to send invitation"))
		return domain.Invitation{}, err
	}
	b.alerter.Alert("Success", "Invitation sent successfully")
	return inv, nil
}

// Resend emails a fresh link for a pending invitation.
func (b *InvitationBoard) Resend(ctx context.Context, inv domain.Invitation) error {
	if inv.Status != domain.InvitationPending {
		return ErrNotPending
	}
	if err := b.Authorize(); err != nil {
		return err
	}
	token, err := b.tokens.AccessToken()
	if err != nil {
		return err
	}
	if _, err := b.provider.ResendInvitation(ctx, token, inv.ID, b.redirectTo); err != nil {
		slog.Error("error resending invitation", "err", err)
		b.alerter.Alert("Error", failureMessage(err, "Failed to resend invitation"))
		return err
	}
	b.alerter.Alert("Success", "Invitation resent successfully")
	return nil
}

// Watch refreshes the list now and on every invitations change until ctx
// ends. onRefresh, when set, runs after each successful refresh. The feed is
// stopped before Watch returns.
func (b *InvitationBoard) Watch(ctx context.Context, onRefresh func([]domain.Invitation)) error {
	b.mu.Lock()
	if b.watching {
		b.mu.Unlock()
		return ErrAlreadyWatching
	}
	b.watching = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.watching = false
		b.mu.Unlock()
	}()

	if err := b.Refresh(ctx); err != nil {
		return err
	}
	if onRefresh != nil {
		onRefresh(b.Invitations())
	}
	token, err := b.tokens.AccessToken()
	if err != nil {
		return err
	}
	stream := b.provider.Feed(token, domain.TableInvitations, "")
	if err := stream.Start(ctx); err != nil {
		return fmt.Errorf("subscribe to invitations: %w", err)
	}
	defer stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-stream.C():
			if !ok {
				return nil
			}
			if err := b.Refresh(ctx); err != nil {
				continue
			}
			if onRefresh != nil {
				onRefresh(b.Invitations())
			}
		}
	}
}

func failureMessage(err error, fallback string) string {
	if err == nil || strings.TrimSpace(err.Error()) == "" {
		return fallback
	}
	return err.Error()
}
