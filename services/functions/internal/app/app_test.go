package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"pingai/internal/authz"
	"pingai/pkg/domain"
	"pingai/pkg/identity"
	"pingai/pkg/store"
)

type fakeProvider struct {
	mu        sync.Mutex
	users     map[string]domain.User // by token
	hash      string
	linkErr   error
	generated []string
	otps      []string
}

func (p *fakeProvider) GetUser(_ context.Context, token string) (domain.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[token]
	if !ok {
		return domain.User{}, &identity.APIError{Status: 401, Message: "unauthorized"}
	}
	return u, nil
}

func (p *fakeProvider) GenerateLink(_ context.Context, email, redirectTo string) (identity.GenerateLinkResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.linkErr != nil {
		return identity.GenerateLinkResponse{}, p.linkErr
	}
	p.generated = append(p.generated, email+" "+redirectTo)
	return identity.GenerateLinkResponse{Properties: identity.LinkProperties{HashedToken: p.hash, RedirectTo: redirectTo}}, nil
}

func (p *fakeProvider) SignInWithOTP(_ context.Context, email, redirectTo string, createUser bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if createUser {
		return errors.New("self-service must not create users")
	}
	p.otps = append(p.otps, email+" "+redirectTo)
	return nil
}

type sentMail struct{ to, link string }

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *recordingMailer) SendMagicLink(_ context.Context, email, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: email, link: link})
	return nil
}

type recordingSink struct {
	contentType string
	body        string
	err         error
}

func (s *recordingSink) Forward(_ context.Context, contentType string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.contentType, s.body = contentType, string(data)
	return s.err
}

type fakeVerifier struct{ subject string }

func (v fakeVerifier) VerifySubject(_ context.Context, token string) (string, error) {
	if token == "forged" {
		return "", errors.New("signature is invalid")
	}
	return v.subject, nil
}

var (
	admin  = domain.User{ID: "u-admin", Email: "admin@example.com", Role: domain.RoleAdmin, Status: domain.StatusActive}
	member = domain.User{ID: "u-member", Email: "member@example.com", Role: domain.RoleUser, Status: domain.StatusActive}
)

type testEnv struct {
	app      *App
	provider *fakeProvider
	mailer   *recordingMailer
	sink     *recordingSink
	store    *store.MemoryStore
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	mem.PutCustomer(admin)
	mem.PutCustomer(member)
	env := &testEnv{
		provider: &fakeProvider{
			users: map[string]domain.User{
				"admin-token":  admin,
				"member-token": member,
				"ghost-token":  {ID: "u-ghost", Email: "ghost@example.com"},
				"forged":       admin,
			},
			hash: "hash-1",
		},
		mailer: &recordingMailer{},
		sink:   &recordingSink{},
		store:  mem,
	}
	cfg := Config{
		Provider:   env.provider,
		Directory:  StoreDirectory{Store: mem},
		Mailer:     env.mailer,
		Documents:  env.sink,
		WebsiteURL: "https://app.example.com/",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	env.app = a
	return env
}

func TestSelfServiceEmailsLinkToKnownCustomer(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.app.SendSelfServiceLink(context.Background(), " Member@Example.com ", ""); err != nil {
		t.Fatalf("self service: %v", err)
	}
	if len(env.mailer.sent) != 1 {
		t.Fatalf("expected one email, got %d", len(env.mailer.sent))
	}
	got := env.mailer.sent[0]
	want := "https://app.example.com/auth/verify?email=member%40example.com&token_hash=hash-1"
	if got.to != "member@example.com" || got.link != want {
		t.Fatalf("unexpected mail %+v", got)
	}
}

func TestSelfServiceRejectsUnknownEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.app.SendSelfServiceLink(context.Background(), "stranger@example.com", "")
	if !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if len(env.provider.generated) != 0 || len(env.mailer.sent) != 0 {
		t.Fatalf("no link should be generated for unknown email")
	}
}

func TestSelfServiceValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []struct {
		name     string
		email    string
		redirect string
		want     error
	}{
		{name: "blank email", email: "  ", want: ErrEmailRequired},
		{name: "malformed email", email: "not-an-email", want: ErrInvalidEmail},
		{name: "relative redirect", email: member.Email, redirect: "/auth/verify", want: ErrInvalidRedirect},
		{name: "scheme", email: member.Email, redirect: "javascript:alert(1)", want: ErrInvalidRedirect},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := env.app.SendSelfServiceLink(context.Background(), tc.email, tc.redirect)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSelfServiceDisabledCustomer(t *testing.T) {
	env := newTestEnv(t, nil)
	disabled := member
	disabled.Status = domain.StatusDisabled
	env.store.PutCustomer(disabled)
	err := env.app.SendSelfServiceLink(context.Background(), member.Email, "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSelfServiceProviderDelivery(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Delivery = DeliveryProvider
		c.Mailer = nil
	})
	if got := env.app.Delivery(); got != DeliveryProvider {
		t.Fatalf("delivery = %q", got)
	}
	if err := env.app.SendSelfServiceLink(context.Background(), member.Email, "https://m.example.com/cb"); err != nil {
		t.Fatalf("self service: %v", err)
	}
	if len(env.provider.otps) != 1 || env.provider.otps[0] != "member@example.com https://m.example.com/cb" {
		t.Fatalf("unexpected otp requests %v", env.provider.otps)
	}
	if len(env.provider.generated) != 0 {
		t.Fatalf("provider delivery must not generate links locally")
	}
}

func TestSelfServiceMailFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mailer.err = errors.New("smtp down")
	err := env.app.SendSelfServiceLink(context.Background(), member.Email, "")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	base := Config{
		Provider:   &fakeProvider{},
		Directory:  StoreDirectory{Store: store.NewMemoryStore()},
		Documents:  &recordingSink{},
		WebsiteURL: "https://app.example.com",
	}
	cases := map[string]func(*Config){
		"direct without mailer": func(c *Config) {},
		"unknown delivery":      func(c *Config) { c.Delivery = "carrier-pigeon"; c.Mailer = &recordingMailer{} },
		"no website":            func(c *Config) { c.WebsiteURL = ""; c.Mailer = &recordingMailer{} },
		"no provider":           func(c *Config) { c.Provider = nil; c.Mailer = &recordingMailer{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Fatalf("expected config error")
			}
		})
	}
}

func TestAuthorize(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		action authz.Action
		setup  func(*testEnv)
		ok     bool
		reason string
	}{
		{name: "admin issues links", token: "admin-token", action: authz.IssueLinkForOther, ok: true},
		{name: "admin uploads", token: "admin-token", action: authz.UploadDocument, ok: true},
		{name: "member cannot issue", token: "member-token", action: authz.IssueLinkForOther, reason: authz.ReasonAdminRequired},
		{name: "unknown token", token: "nope"},
		{name: "blank token", token: " "},
		{name: "missing customer row", token: "ghost-token", action: authz.UploadDocument, reason: authz.ReasonUnknownCustomer},
		{
			name: "email drift", token: "admin-token", action: authz.UploadDocument,
			setup: func(e *testEnv) {
				moved := admin
				moved.Email = "moved@example.com"
				e.store.PutCustomer(moved)
			},
			reason: authz.ReasonIdentityMismatch,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			if tc.setup != nil {
				tc.setup(env)
			}
			user, err := env.app.Authorize(context.Background(), tc.token, tc.action)
			if tc.ok {
				if err != nil || user.ID != admin.ID {
					t.Fatalf("expected admin, got %+v err=%v", user, err)
				}
				return
			}
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
			if tc.reason != "" && !strings.Contains(err.Error(), tc.reason) {
				t.Fatalf("expected reason %s in %v", tc.reason, err)
			}
		})
	}
}

func TestAuthorizeChecksLocalSignature(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Verifier = fakeVerifier{subject: admin.ID} })
	if _, err := env.app.Authorize(context.Background(), "forged", authz.IssueLinkForOther); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected forged token to fail, got %v", err)
	}
	if _, err := env.app.Authorize(context.Background(), "admin-token", authz.IssueLinkForOther); err != nil {
		t.Fatalf("admin token: %v", err)
	}

	env = newTestEnv(t, func(c *Config) { c.Verifier = fakeVerifier{subject: "someone-else"} })
	if _, err := env.app.Authorize(context.Background(), "admin-token", authz.IssueLinkForOther); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected subject mismatch to fail, got %v", err)
	}
}

func TestIssueLinkReturnsMaterialWithoutEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	m, err := env.app.IssueLink(context.Background(), "new@example.com", "https://app.example.com/auth/verify")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	if m.TokenHash != "hash-1" || m.Email != "new@example.com" {
		t.Fatalf("unexpected material %+v", m)
	}
	if m.MagicLink != "https://app.example.com/auth/verify?email=new%40example.com&token_hash=hash-1" {
		t.Fatalf("magic link = %s", m.MagicLink)
	}
	if m.RedirectRoute != "/auth/verify?email=new%40example.com&token_hash=hash-1" {
		t.Fatalf("redirect route = %s", m.RedirectRoute)
	}
	if len(env.mailer.sent) != 0 {
		t.Fatalf("admin links must not be emailed")
	}
}

func TestIssueLinkProviderFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.linkErr = &identity.APIError{Status: 404, Message: "user not found"}
	if _, err := env.app.IssueLink(context.Background(), "new@example.com", ""); !errors.Is(err, ErrLinkFailed) {
		t.Fatalf("expected ErrLinkFailed, got %v", err)
	}
}

func TestRelayDocument(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.app.RelayDocument(context.Background(), "multipart/form-data; boundary=x", strings.NewReader("payload")); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if env.sink.contentType != "multipart/form-data; boundary=x" || env.sink.body != "payload" {
		t.Fatalf("unexpected forward %+v", env.sink)
	}

	env.sink.err = errors.New("ingest returned 500")
	if err := env.app.RelayDocument(context.Background(), "text/plain", strings.NewReader("x")); !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}
}
