package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"pingai/internal/authz"
	"pingai/internal/realtime"
	"pingai/pkg/domain"
)

// UserProfile is the signed-in customer row, kept fresh from the change feed.
type UserProfile struct {
	provider Provider
	tokens   TokenSource

	mu     sync.RWMutex
	user   *domain.User
	stream realtime.Stream
	done   chan struct{}
}

func NewUserProfile(provider Provider, tokens TokenSource) *UserProfile {
	return &UserProfile{provider: provider, tokens: tokens}
}

// Load reads the customer row of the current session.
func (p *UserProfile) Load(ctx context.Context) error {
	token, err := p.tokens.AccessToken()
	if err != nil {
		p.set(nil)
		return err
	}
	u, err := p.provider.Me(ctx, token)
	if err != nil {
		p.set(nil)
		return fmt.Errorf("fetch user: %w", err)
	}
	p.set(&u)
	return nil
}

// Watch loads the row and applies every later update to it until Close.
func (p *UserProfile) Watch(ctx context.Context) error {
	if err := p.Load(ctx); err != nil {
		return err
	}
	token, err := p.tokens.AccessToken()
	if err != nil {
		return err
	}
	u, _ := p.User()
	stream := p.provider.Feed(token, domain.TableCustomers, "id=eq."+u.ID)
	if err := stream.Start(ctx); err != nil {
		return fmt.Errorf("subscribe to profile: %w", err)
	}
	done := make(chan struct{})
	p.mu.Lock()
	p.stream, p.done = stream, done
	p.mu.Unlock()

	go func() {
		defer close(done)
		for change := range stream.C() {
			if len(change.New) == 0 {
				continue
			}
			var next domain.User
			if err := json.Unmarshal(change.New, &next); err != nil {
				slog.Warn("bad profile change", "err", err)
				continue
			}
			p.set(&next)
		}
	}()
	return nil
}

// Close stops watching. It is safe to call without Watch.
func (p *UserProfile) Close() {
	p.mu.Lock()
	stream, done := p.stream, p.done
	p.stream, p.done = nil, nil
	p.mu.Unlock()
	if stream == nil {
		return
	}
	stream.Stop()
	<-done
}

func (p *UserProfile) User() (domain.User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.user == nil {
		return domain.User{}, false
	}
	return *p.user, true
}

func (p *UserProfile) HasRole(role domain.UserRole) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return authz.HasRole(p.user, role)
}

func (p *UserProfile) IsAdmin() bool { return p.HasRole(domain.RoleAdmin) }

// Can reports whether the loaded row allows action.
func (p *UserProfile) Can(action authz.Action) authz.Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.user == nil {
		return authz.Deny(authz.ReasonUnauthenticated)
	}
	u := *p.user
	return authz.Authorize(authz.Principal{UserID: u.ID, Email: u.Email, Customer: &u}, action)
}

func (p *UserProfile) set(u *domain.User) {
	p.mu.Lock()
	p.user = u
	p.mu.Unlock()
}
