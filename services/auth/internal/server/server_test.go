package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"pingai/internal/ratelimit"
	"pingai/internal/realtime"
	"pingai/internal/security"
	"pingai/pkg/domain"
	"pingai/pkg/identity"
	"pingai/pkg/store"
	"pingai/services/auth/internal/app"
)

const testServiceKey = "service-key"

type outbox struct {
	mu    sync.Mutex
	links map[string]string
}

func (o *outbox) SendMagicLink(_ context.Context, email, link string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.links == nil {
		o.links = make(map[string]string)
	}
	o.links[email] = link
	return nil
}

func (o *outbox) tokenHash(t *testing.T, email string) string {
	t.Helper()
	o.mu.Lock()
	link := o.links[email]
	o.mu.Unlock()
	u, err := url.Parse(link)
	if err != nil || u.Query().Get("token_hash") == "" {
		t.Fatalf("no link sent to %s (%q)", email, link)
	}
	return u.Query().Get("token_hash")
}

type harness struct {
	url    string
	mail   *outbox
	client *identity.Client
}

func newHarness(t *testing.T, otpLimit int) harness {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	sessions, err := store.NewJWTSessionStore(key, store.JWTConfig{KeyID: "k1"}, store.NewRedisTokenRevoker(rdb, ""))
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	mail := &outbox{}
	core, err := app.New(app.Config{
		WebsiteURL: "https://app.example.com",
		Redis:      rdb,
		Store:      store.NewMemoryStore(),
		Sessions:   sessions,
		Tokens:     store.NewRedisOneTimeTokenStore(rdb, ""),
		Mailer:     mail,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	var limiter *ratelimit.FixedWindowLimiter
	if otpLimit > 0 {
		limiter, err = ratelimit.NewFixedWindowLimiter(rdb, "test:rl", otpLimit, time.Minute)
		if err != nil {
			t.Fatalf("limiter: %v", err)
		}
	}
	srv := New(Config{
		App:        core,
		ServiceKey: testServiceKey,
		OTPLimiter: limiter,
		Alerter:    security.NewAuditAlerter(rdb, "test:alerts"),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return harness{url: ts.URL, mail: mail, client: identity.NewClient(ts.URL, identity.WithServiceKey(testServiceKey))}
}

func (h harness) signIn(t *testing.T, email string) identity.Session {
	t.Helper()
	ctx := context.Background()
	if err := h.client.SignInWithOTP(ctx, email, "", true); err != nil {
		t.Fatalf("otp %s: %v", email, err)
	}
	session, err := h.client.VerifyOTP(ctx, h.mail.tokenHash(t, email))
	if err != nil {
		t.Fatalf("verify %s: %v", email, err)
	}
	return session
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, 0)
	resp, err := http.Get(h.url + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("missing request id header")
	}
}

func TestSignInVerifyAndResolveUser(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	session := h.signIn(t, "owner@example.com")
	if session.AccessToken == "" || session.User.Role != domain.RoleAdmin {
		t.Fatalf("unexpected session %+v", session)
	}
	user, err := h.client.GetUser(ctx, session.AccessToken)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Email != "owner@example.com" {
		t.Fatalf("user = %+v", user)
	}
	me, err := h.client.Me(ctx, session.AccessToken)
	if err != nil || me.ID != user.ID {
		t.Fatalf("me = %+v err=%v", me, err)
	}

	if err := h.client.SignOut(ctx, session.AccessToken); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if _, err := h.client.GetUser(ctx, session.AccessToken); !identity.IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401 after logout, got %v", err)
	}
}

func TestVerifyRejectsReusedTokenHash(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	if err := h.client.SignInWithOTP(ctx, "a@example.com", "", true); err != nil {
		t.Fatalf("otp: %v", err)
	}
	hash := h.mail.tokenHash(t, "a@example.com")
	if _, err := h.client.VerifyOTP(ctx, hash); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := h.client.VerifyOTP(ctx, hash); !identity.IsStatus(err, http.StatusForbidden) {
		t.Fatalf("expected 403 on reuse, got %v", err)
	}
}

func TestServiceKeyRoutes(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.signIn(t, "known@example.com")

	anonymous := identity.NewClient(h.url)
	if _, err := anonymous.GenerateLink(ctx, "known@example.com", ""); !identity.IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401 without service key, got %v", err)
	}
	if _, _, err := anonymous.CustomerByEmail(ctx, "known@example.com"); !identity.IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401 lookup without service key, got %v", err)
	}

	if _, err := h.client.GenerateLink(ctx, "ghost@example.com", ""); !identity.IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 for unknown user, got %v", err)
	}
	link, err := h.client.GenerateLink(ctx, "known@example.com", "https://app.example.com/auth/verify")
	if err != nil {
		t.Fatalf("generate link: %v", err)
	}
	if link.Properties.HashedToken == "" || link.User.Email != "known@example.com" {
		t.Fatalf("unexpected link %+v", link)
	}
	if !strings.HasPrefix(link.Properties.ActionLink, "https://app.example.com/auth/verify?") {
		t.Fatalf("action link = %q", link.Properties.ActionLink)
	}

	user, ok, err := h.client.CustomerByEmail(ctx, "known@example.com")
	if err != nil || !ok || user.Email != "known@example.com" {
		t.Fatalf("lookup = %+v ok=%v err=%v", user, ok, err)
	}
	if _, ok, err := h.client.CustomerByEmail(ctx, "ghost@example.com"); err != nil || ok {
		t.Fatalf("expected missing customer, ok=%v err=%v", ok, err)
	}
}

func TestInvitationsRequireAdmin(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	admin := h.signIn(t, "admin@example.com")
	user := h.signIn(t, "user@example.com")

	if _, err := h.client.ListInvitations(ctx, user.AccessToken); !identity.IsStatus(err, http.StatusForbidden) {
		t.Fatalf("expected 403 for non-admin, got %v", err)
	}
	if _, err := h.client.ListInvitations(ctx, ""); !identity.IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401 without token, got %v", err)
	}

	first, err := h.client.Invite(ctx, admin.AccessToken, "one@example.com", "")
	if err != nil {
		t.Fatalf("invite one: %v", err)
	}
	if _, err := h.client.Invite(ctx, admin.AccessToken, "two@example.com", ""); err != nil {
		t.Fatalf("invite two: %v", err)
	}
	items, err := h.client.ListInvitations(ctx, admin.AccessToken)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].Email != "two@example.com" || items[1].ID != first.ID {
		t.Fatalf("expected newest first, got %+v", items)
	}
	if _, err := h.client.ResendInvitation(ctx, admin.AccessToken, first.ID, ""); err != nil {
		t.Fatalf("resend: %v", err)
	}
}

func TestDisableCustomerRevokesAccess(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	admin := h.signIn(t, "admin@example.com")
	user := h.signIn(t, "user@example.com")

	disabled := domain.StatusDisabled
	updated, err := h.client.UpdateCustomer(ctx, admin.AccessToken, user.User.ID, store.CustomerPatch{Status: &disabled})
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if updated.Status != domain.StatusDisabled {
		t.Fatalf("status = %s", updated.Status)
	}
	if _, err := h.client.GetUser(ctx, user.AccessToken); !identity.IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401 for disabled user, got %v", err)
	}
	if _, err := h.client.UpdateCustomer(ctx, user.AccessToken, admin.User.ID, store.CustomerPatch{Status: &disabled}); !identity.IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected disabled user to be rejected, got %v", err)
	}
}

func TestOTPRateLimited(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := h.client.SignInWithOTP(ctx, "a@example.com", "", true); err != nil {
			t.Fatalf("otp %d: %v", i, err)
		}
	}
	resp, err := http.Post(h.url+"/auth/v1/otp", "application/json", strings.NewReader(`{"email":"a@example.com"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestJWKSPublishesSigningKey(t *testing.T) {
	h := newHarness(t, 0)
	keys, err := h.client.JWKS(context.Background())
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	if len(keys) != 1 || keys[0].Kid != "k1" || keys[0].Alg != "RS256" {
		t.Fatalf("unexpected keys %+v", keys)
	}
}

func TestRealtimeRelaysInvitationChanges(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	admin := h.signIn(t, "admin@example.com")
	user := h.signIn(t, "user@example.com")

	denied := h.client.Subscribe(user.AccessToken, domain.TableInvitations, "")
	if err := denied.Start(ctx); !identity.IsStatus(err, http.StatusForbidden) {
		t.Fatalf("expected 403 for non-admin feed, got %v", err)
	}
	denied.Stop()

	sub := h.client.Subscribe(admin.AccessToken, domain.TableInvitations, "")
	if err := sub.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Stop()

	inv, err := h.client.Invite(ctx, admin.AccessToken, "new@example.com", "")
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	select {
	case c := <-sub.C():
		if c.Type != realtime.Insert || c.RowID() != inv.ID {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for invitation change")
	}
}
