// Package identity is the HTTP client for the auth service.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pingai/pkg/domain"
	"pingai/pkg/store"
)

// Client calls the auth service over HTTP.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// APIError is an error response of the auth service.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return e.Message
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type Option func(*Client)

// WithServiceKey authenticates admin-only provider calls.
func WithServiceKey(key string) Option {
	return func(c *Client) { c.serviceKey = strings.TrimSpace(key) }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL is the auth service root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Session is what a successful verification returns.
type Session struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   int         `json:"expires_in"`
	ExpiresAt   int64       `json:"expires_at"`
	User        domain.User `json:"user"`
}

// LinkProperties describe a generated magic link.
type LinkProperties struct {
	HashedToken  string `json:"hashed_token"`
	ActionLink   string `json:"action_link"`
	RedirectTo   string `json:"redirect_to"`
	EmailOTPType string `json:"email_otp_type"`
}

type GenerateLinkResponse struct {
	Properties LinkProperties `json:"properties"`
	User       domain.User    `json:"user"`
}

// SignInWithOTP asks the provider to email a login link.
func (c *Client) SignInWithOTP(ctx context.Context, email, redirectTo string, createUser bool) error {
	payload := map[string]any{"email": email, "redirectTo": redirectTo, "createUser": createUser}
	return c.doJSON(ctx, http.MethodPost, "/auth/v1/otp", "", payload, nil)
}

// GenerateLink mints a magic link without sending it. Requires the service key.
func (c *Client) GenerateLink(ctx context.Context, email, redirectTo string) (GenerateLinkResponse, error) {
	payload := map[string]string{"type": "magiclink", "email": email, "redirectTo": redirectTo}
	var resp GenerateLinkResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/v1/admin/generate_link", c.serviceKey, payload, &resp); err != nil {
		return GenerateLinkResponse{}, err
	}
	return resp, nil
}

// VerifyOTP exchanges a token hash for a session.
func (c *Client) VerifyOTP(ctx context.Context, tokenHash string) (Session, error) {
	payload := map[string]string{"token_hash": tokenHash, "type": "email"}
	var session Session
	if err := c.doJSON(ctx, http.MethodPost, "/auth/v1/verify", "", payload, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// GetUser resolves an access token to the user it was issued to.
func (c *Client) GetUser(ctx context.Context, token string) (domain.User, error) {
	var user domain.User
	if err := c.doJSON(ctx, http.MethodGet, "/auth/v1/user", token, nil, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

func (c *Client) SignOut(ctx context.Context, token string) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/v1/logout", token, nil, nil)
}

func (c *Client) JWKS(ctx context.Context) ([]store.JWK, error) {
	var resp struct {
		Keys []store.JWK `json:"keys"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/auth/v1/jwks", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// CustomerByEmail looks up a customers row. Requires the service key.
func (c *Client) CustomerByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var user domain.User
	path := "/rest/v1/customers?email=" + url.QueryEscape(email)
	if err := c.doJSON(ctx, http.MethodGet, path, c.serviceKey, nil, &user); err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return user, true, nil
}

// Me returns the caller's customers row.
func (c *Client) Me(ctx context.Context, token string) (domain.User, error) {
	var user domain.User
	if err := c.doJSON(ctx, http.MethodGet, "/rest/v1/customers/me", token, nil, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

func (c *Client) UpdateCustomer(ctx context.Context, token, id string, patch store.CustomerPatch) (domain.User, error) {
	var user domain.User
	if err := c.doJSON(ctx, http.MethodPatch, "/rest/v1/customers/"+url.PathEscape(id), token, patch, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// ListInvitations returns invitations newest first.
func (c *Client) ListInvitations(ctx context.Context, token string) ([]domain.Invitation, error) {
	var resp struct {
		Items []domain.Invitation `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/rest/v1/invitations", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Invite sends a sign-in link to email and records a pending invitation.
func (c *Client) Invite(ctx context.Context, token, email, redirectTo string) (domain.Invitation, error) {
	payload := map[string]string{"email": email, "redirectTo": redirectTo}
	var inv domain.Invitation
	if err := c.doJSON(ctx, http.MethodPost, "/rest/v1/invitations", token, payload, &inv); err != nil {
		return domain.Invitation{}, err
	}
	return inv, nil
}

// ResendInvitation emails a fresh link for a pending invitation.
func (c *Client) ResendInvitation(ctx context.Context, token, id, redirectTo string) (domain.Invitation, error) {
	payload := map[string]string{"redirectTo": redirectTo}
	var inv domain.Invitation
	path := "/rest/v1/invitations/" + url.PathEscape(id) + "/resend"
	if err := c.doJSON(ctx, http.MethodPost, path, token, payload, &inv); err != nil {
		return domain.Invitation{}, err
	}
	return inv, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth service %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg, Code: strings.TrimSpace(errResp.Code)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
