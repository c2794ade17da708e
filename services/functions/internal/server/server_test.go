package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"pingai/internal/ratelimit"
	"pingai/internal/security"
	"pingai/pkg/domain"
	"pingai/pkg/functions"
	"pingai/pkg/identity"
	"pingai/pkg/webhook"
	"pingai/services/functions/internal/app"
)

const serviceKey = "svc-key"

var (
	adminUser  = domain.User{ID: "u-admin", Email: "admin@example.com", Role: domain.RoleAdmin, Status: domain.StatusActive}
	memberUser = domain.User{ID: "u-member", Email: "member@example.com", Role: domain.RoleUser, Status: domain.StatusActive}
)

// newAuthStub answers the handful of auth service routes the functions use.
func newAuthStub(t *testing.T) *httptest.Server {
	t.Helper()
	byToken := map[string]domain.User{"admin-token": adminUser, "member-token": memberUser}
	byEmail := map[string]domain.User{adminUser.Email: adminUser, memberUser.Email: memberUser}
	reply := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	caller := func(r *http.Request) (domain.User, bool) {
		u, ok := byToken[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
		return u, ok
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		u, ok := caller(r)
		if !ok {
			reply(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		reply(w, http.StatusOK, u)
	})
	mux.HandleFunc("/rest/v1/customers/me", func(w http.ResponseWriter, r *http.Request) {
		u, ok := caller(r)
		if !ok {
			reply(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		reply(w, http.StatusOK, u)
	})
	mux.HandleFunc("/rest/v1/customers", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+serviceKey {
			reply(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		u, ok := byEmail[r.URL.Query().Get("email")]
		if !ok {
			reply(w, http.StatusNotFound, map[string]string{"error": "customer not found"})
			return
		}
		reply(w, http.StatusOK, u)
	})
	mux.HandleFunc("/auth/v1/admin/generate_link", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+serviceKey {
			reply(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		var req struct {
			Email      string `json:"email"`
			RedirectTo string `json:"redirectTo"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		reply(w, http.StatusOK, identity.GenerateLinkResponse{
			Properties: identity.LinkProperties{HashedToken: "hash-" + req.Email, RedirectTo: req.RedirectTo, EmailOTPType: "magiclink"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type ingestCall struct {
	contentType string
	fileName    string
	content     string
}

type ingestStub struct {
	mu     sync.Mutex
	status int
	calls  []ingestCall
}

func (s *ingestStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	call := ingestCall{contentType: r.Header.Get("Content-Type")}
	if err := r.ParseMultipartForm(1 << 20); err == nil {
		call.fileName = r.FormValue("fileName")
		if f, _, err := r.FormFile("file"); err == nil {
			data, _ := io.ReadAll(f)
			call.content = string(data)
			f.Close()
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	status := s.status
	s.mu.Unlock()
	w.WriteHeader(status)
}

type outbox struct {
	mu   sync.Mutex
	sent map[string]string
}

func (o *outbox) SendMagicLink(_ context.Context, email, link string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent[email] = link
	return nil
}

type harness struct {
	url    string
	client *functions.Client
	ingest *ingestStub
	outbox *outbox
}

func newHarness(t *testing.T, selfServiceLimit int) *harness {
	t.Helper()
	auth := newAuthStub(t)
	ingest := &ingestStub{status: http.StatusCreated}
	ingestSrv := httptest.NewServer(ingest)
	t.Cleanup(ingestSrv.Close)

	idp := identity.NewClient(auth.URL, identity.WithServiceKey(serviceKey))
	box := &outbox{sent: map[string]string{}}
	core, err := app.New(app.Config{
		Provider:   idp,
		Directory:  app.ProviderDirectory{Client: idp},
		Mailer:     box,
		Documents:  webhook.NewIngestClient(ingestSrv.URL, nil),
		WebsiteURL: "https://app.example.com",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cfg := Config{App: core, Alerter: security.NewAuditAlerter(rdb, "test:alerts")}
	if selfServiceLimit > 0 {
		limiter, err := ratelimit.NewFixedWindowLimiter(rdb, "test:rl", selfServiceLimit, time.Minute)
		if err != nil {
			t.Fatalf("limiter: %v", err)
		}
		cfg.SelfServiceRate = limiter
	}
	srv := httptest.NewServer(New(cfg).Router())
	t.Cleanup(srv.Close)
	return &harness{url: srv.URL, client: functions.NewClient(srv.URL), ingest: ingest, outbox: box}
}

func postJSON(t *testing.T, url, authHeader, body string) (*http.Response, map[string]string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	out := map[string]string{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestPreflight(t *testing.T) {
	h := newHarness(t, 0)
	for _, path := range []string{functions.MagicLinkPath, functions.UploadPath} {
		req, _ := http.NewRequest(http.MethodOptions, h.url+path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("options: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("%s: expected 204, got %d", path, resp.StatusCode)
		}
		if resp.Header.Get("Access-Control-Allow-Origin") != "*" ||
			resp.Header.Get("Access-Control-Allow-Methods") != "POST, OPTIONS" ||
			resp.Header.Get("Access-Control-Allow-Headers") != "*" {
			t.Fatalf("%s: unexpected cors headers %v", path, resp.Header)
		}
	}
}

func TestSelfServiceSendsEmail(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.client.RequestMagicLink(context.Background(), memberUser.Email, "https://app.example.com/auth/verify"); err != nil {
		t.Fatalf("request link: %v", err)
	}
	link := h.outbox.sent[memberUser.Email]
	want := "https://app.example.com/auth/verify?email=member%40example.com&token_hash=hash-member%40example.com"
	if link != want {
		t.Fatalf("link = %q, want %q", link, want)
	}
}

func TestWhitespaceHeaderSelectsSelfService(t *testing.T) {
	h := newHarness(t, 0)
	resp, body := postJSON(t, h.url+functions.MagicLinkPath, "   ", `{"email":"member@example.com"}`)
	if resp.StatusCode != http.StatusOK || body["status"] != "created email" {
		t.Fatalf("expected self-service success, got %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing cors header on response")
	}
}

func TestSelfServiceUnknownEmail(t *testing.T) {
	h := newHarness(t, 0)
	err := h.client.RequestMagicLink(context.Background(), "stranger@example.com", "")
	var apiErr *functions.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Message != "Invalid email" {
		t.Fatalf("expected 401 Invalid email, got %v", err)
	}
	if len(h.outbox.sent) != 0 {
		t.Fatalf("no email expected")
	}
}

func TestSelfServiceRateLimit(t *testing.T) {
	h := newHarness(t, 1)
	if err := h.client.RequestMagicLink(context.Background(), memberUser.Email, ""); err != nil {
		t.Fatalf("first request: %v", err)
	}
	resp, _ := postJSON(t, h.url+functions.MagicLinkPath, "", `{"email":"member@example.com"}`)
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", resp.StatusCode)
	}
}

func TestAdminPathReturnsLinkMaterial(t *testing.T) {
	h := newHarness(t, 0)
	m, err := h.client.IssueMagicLink(context.Background(), "admin-token", "invitee@example.com", "")
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	if m.TokenHash != "hash-invitee@example.com" || m.Email != "invitee@example.com" {
		t.Fatalf("unexpected material %+v", m)
	}
	if !strings.HasPrefix(m.MagicLink, "https://app.example.com/auth/verify?") {
		t.Fatalf("magic link = %s", m.MagicLink)
	}
	if !strings.HasPrefix(m.RedirectRoute, "/auth/verify?") || !strings.Contains(m.RedirectRoute, "token_hash=hash-invitee%40example.com") {
		t.Fatalf("redirect route = %s", m.RedirectRoute)
	}
	if len(h.outbox.sent) != 0 {
		t.Fatalf("admin path must not email")
	}
}

func TestAdminPathRejections(t *testing.T) {
	h := newHarness(t, 0)
	cases := []struct {
		name   string
		header string
	}{
		{name: "non-admin", header: "Bearer member-token"},
		{name: "unknown token", header: "Bearer nope"},
		{name: "not bearer", header: "Basic abc"},
		{name: "empty bearer", header: "Bearer  "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := postJSON(t, h.url+functions.MagicLinkPath, tc.header, `{"email":"x@example.com"}`)
			if resp.StatusCode != http.StatusUnauthorized || body["error"] == "" {
				t.Fatalf("expected 401 with error, got %d %v", resp.StatusCode, body)
			}
		})
	}
}

func TestMalformedBodyIsUnauthorized(t *testing.T) {
	h := newHarness(t, 0)
	resp, body := postJSON(t, h.url+functions.MagicLinkPath, "", `{`)
	if resp.StatusCode != http.StatusUnauthorized || body["error"] == "" {
		t.Fatalf("expected 401, got %d %v", resp.StatusCode, body)
	}
}

func TestUploadRelaysMultipart(t *testing.T) {
	h := newHarness(t, 0)
	err := h.client.UploadDocument(context.Background(), "admin-token", "notes.txt", strings.NewReader("routing tables"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(h.ingest.calls) != 1 {
		t.Fatalf("expected one ingest call, got %d", len(h.ingest.calls))
	}
	call := h.ingest.calls[0]
	mediaType, params, err := mime.ParseMediaType(call.contentType)
	if err != nil || mediaType != "multipart/form-data" || params["boundary"] == "" {
		t.Fatalf("content type not preserved: %q", call.contentType)
	}
	if call.fileName != "notes.txt" || call.content != "routing tables" {
		t.Fatalf("unexpected relayed form %+v", call)
	}
}

func TestUploadFailures(t *testing.T) {
	h := newHarness(t, 0)

	err := h.client.UploadDocument(context.Background(), "", "a.txt", strings.NewReader("x"))
	var apiErr *functions.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %v", err)
	}
	err = h.client.UploadDocument(context.Background(), "member-token", "a.txt", strings.NewReader("x"))
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-admin, got %v", err)
	}
	if len(h.ingest.calls) != 0 {
		t.Fatalf("unauthorized uploads must not reach ingestion")
	}

	h.ingest.status = http.StatusOK
	err = h.client.UploadDocument(context.Background(), "admin-token", "a.txt", strings.NewReader("x"))
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Message != "Error uploading document" {
		t.Fatalf("expected relay failure, got %v", err)
	}
}

func TestUploadRawBody(t *testing.T) {
	h := newHarness(t, 0)
	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("fileName", "raw.txt")
	_ = mw.Close()
	req, _ := http.NewRequest(http.MethodPost, h.url+functions.UploadPath, strings.NewReader(buf.String()))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer admin-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusCreated || body["status"] != "success" {
		t.Fatalf("expected 201 success, got %d %v", resp.StatusCode, body)
	}
}
