package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pingai/internal/realtime"
	"pingai/pkg/domain"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts [][2]string
}

func (a *recordingAlerter) Alert(title, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, [2]string{title, message})
}

func (a *recordingAlerter) snapshot() [][2]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][2]string(nil), a.alerts...)
}

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) AccessToken() (string, error) { return s.token, s.err }

type fakeStream struct {
	ch       chan realtime.Change
	startErr error

	mu      sync.Mutex
	started bool
	stopped bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan realtime.Change, 8)}
}

func (s *fakeStream) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *fakeStream) C() <-chan realtime.Change { return s.ch }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.ch)
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type inviteCall struct {
	token, email, redirectTo string
}

type fakeProvider struct {
	mu          sync.Mutex
	user        domain.User
	meErr       error
	invitations []domain.Invitation
	listErr     error
	inviteErr   error
	listCalls   int
	invites     []inviteCall
	resent      []string
	filters     map[string]string
	streams     map[string]*fakeStream
}

func newFakeProvider(user domain.User) *fakeProvider {
	return &fakeProvider{
		user:    user,
		filters: make(map[string]string),
		streams: map[string]*fakeStream{
			domain.TableCustomers:   newFakeStream(),
			domain.TableInvitations: newFakeStream(),
		},
	}
}

func (p *fakeProvider) Me(_ context.Context, token string) (domain.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if token == "" {
		return domain.User{}, errors.New("missing token")
	}
	return p.user, p.meErr
}

func (p *fakeProvider) ListInvitations(context.Context, string) ([]domain.Invitation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]domain.Invitation(nil), p.invitations...), nil
}

func (p *fakeProvider) Invite(_ context.Context, token, email, redirectTo string) (domain.Invitation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inviteErr != nil {
		return domain.Invitation{}, p.inviteErr
	}
	p.invites = append(p.invites, inviteCall{token: token, email: email, redirectTo: redirectTo})
	inv := domain.Invitation{ID: "inv-new", Email: email, Status: domain.InvitationPending}
	p.invitations = append([]domain.Invitation{inv}, p.invitations...)
	return inv, nil
}

func (p *fakeProvider) ResendInvitation(_ context.Context, _ string, id, _ string) (domain.Invitation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resent = append(p.resent, id)
	return domain.Invitation{ID: id, Status: domain.InvitationPending}, nil
}

func (p *fakeProvider) Feed(_ string, table, filter string) realtime.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters[table] = filter
	return p.streams[table]
}

func (p *fakeProvider) stream(table string) *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[table]
}

func (p *fakeProvider) setUser(u domain.User) {
	p.mu.Lock()
	p.user = u
	p.mu.Unlock()
}

func adminUser() domain.User {
	return domain.User{ID: "u-admin", Email: "admin@example.com", Role: domain.RoleAdmin, Status: domain.StatusActive}
}

func memberUser() domain.User {
	return domain.User{ID: "u-member", Email: "member@example.com", Role: domain.RoleUser, Status: domain.StatusActive}
}

func loadedProfile(t *testing.T, provider *fakeProvider) *UserProfile {
	t.Helper()
	profile := NewUserProfile(provider, staticTokens{token: "tok"})
	if err := profile.Load(context.Background()); err != nil {
		t.Fatalf("load profile: %v", err)
	}
	return profile
}

func rowChange(t *testing.T, table string, row any) realtime.Change {
	t.Helper()
	raw, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("marshal row: %v", err)
	}
	return realtime.Change{Table: table, Type: realtime.Update, New: raw}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
