package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"pingai/internal/authz"
	"pingai/internal/ratelimit"
	"pingai/internal/security"
	"pingai/internal/util"
	"pingai/pkg/domain"
	"pingai/pkg/store"
	"pingai/services/auth/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	ServiceKey     string
	OTPLimiter     *ratelimit.FixedWindowLimiter
	Alerter        *security.AuditAlerter
	TrustedProxies *util.TrustedProxies
}

// Server exposes the provider HTTP API.
type Server struct {
	app            *app.App
	serviceKey     string
	otpLimiter     *ratelimit.FixedWindowLimiter
	audit          security.Auditor
	trustedProxies *util.TrustedProxies
	upgrader       websocket.Upgrader
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		serviceKey:     strings.TrimSpace(cfg.ServiceKey),
		otpLimiter:     cfg.OTPLimiter,
		audit:          security.Auditor{Service: "auth", Alerter: cfg.Alerter},
		trustedProxies: cfg.TrustedProxies,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.Chain(s.mux,
		util.WithRequestID,
		util.WithRequestLog("auth"),
		util.WithSecurityHeaders,
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/auth/v1/otp", s.handleOTP)
	s.mux.HandleFunc("/auth/v1/verify", s.handleVerify)
	s.mux.HandleFunc("/auth/v1/logout", s.handleLogout)
	s.mux.HandleFunc("/auth/v1/jwks", s.handleJWKS)
	s.mux.Handle("/auth/v1/user", s.authenticated(s.handleUser))
	s.mux.Handle("/auth/v1/admin/generate_link", s.serviceOnly(s.handleGenerateLink))

	// rest
	s.mux.Handle("/rest/v1/customers", s.serviceOnly(s.handleCustomerLookup))
	s.mux.Handle("/rest/v1/customers/me", s.authenticated(s.handleUser))
	s.mux.Handle("/rest/v1/customers/", s.adminOnly(authz.ManageCustomers, s.handleCustomerByID))
	s.mux.Handle("/rest/v1/invitations", s.adminOnly(authz.ManageInvitations, s.handleInvitations))
	s.mux.Handle("/rest/v1/invitations/", s.adminOnly(authz.ManageInvitations, s.handleInvitationByID))

	// realtime
	s.mux.HandleFunc("/realtime/v1/changes", s.handleChanges)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, app.Caller)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.authorize(r, authz.ReadOwnProfile)
		if err != nil {
			s.audit.Record(r.Context(), util.LoggerFromContext(r.Context()), "auth.authorize", security.OutcomeFail, s.clientIP(r), "reason", err.Error())
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, caller)
	})
}

func (s *Server) adminOnly(action authz.Action, next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.authorize(r, action)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, app.ErrForbidden) {
				status = http.StatusForbidden
			}
			s.audit.Record(r.Context(), util.LoggerFromContext(r.Context()), "auth.admin.authorize", security.OutcomeFail, s.clientIP(r),
				"action", string(action), "reason", err.Error())
			writeError(w, status, http.StatusText(status))
			return
		}
		next(w, r, caller)
	})
}

func (s *Server) authorize(r *http.Request, action authz.Action) (app.Caller, error) {
	token, ok := bearerToken(r)
	if !ok {
		return app.Caller{}, app.ErrUnauthorized
	}
	caller, err := s.app.Authenticate(r.Context(), token)
	if err != nil {
		return app.Caller{}, err
	}
	if err := s.app.Authorize(caller, action); err != nil {
		return app.Caller{}, err
	}
	return caller, nil
}

// serviceOnly admits requests carrying the shared service key.
func (s *Server) serviceOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || s.serviceKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.serviceKey)) != 1 {
			s.audit.Record(r.Context(), util.LoggerFromContext(r.Context()), "auth.admin.authorize", security.OutcomeFail, s.clientIP(r), "reason", "service_key")
			writeError(w, http.StatusUnauthorized, "invalid service key")
			return
		}
		next(w, r)
	})
}

// auth handlers
func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ip := s.clientIP(r)
	logger := util.LoggerFromContext(r.Context())
	if s.otpLimiter != nil {
		decision := s.otpLimiter.Allow(r.Context(), "otp:"+ip)
		if !decision.Allowed {
			s.audit.Record(r.Context(), logger, "auth.otp", security.OutcomeRateLimited, ip)
			w.Header().Set("Retry-After", ratelimit.RetryAfterSeconds(decision.RetryAfter))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
	}
	var req otpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	createUser := true
	if req.CreateUser != nil {
		createUser = *req.CreateUser
	}
	if err := s.app.SignInWithOTP(r.Context(), req.Email, req.RedirectTo, createUser); err != nil {
		s.audit.Record(r.Context(), logger, "auth.otp", security.OutcomeFail, ip, "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit.Record(r.Context(), logger, "auth.otp", security.OutcomeSuccess, ip)
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) handleGenerateLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req generateLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type != "" && req.Type != "magiclink" {
		writeError(w, http.StatusBadRequest, "unsupported link type")
		return
	}
	props, user, err := s.app.GenerateLink(r.Context(), req.Email, req.RedirectTo)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generateLinkResponse{Properties: props, User: user})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type != "" && req.Type != "email" && req.Type != "magiclink" {
		writeError(w, http.StatusBadRequest, "unsupported verification type")
		return
	}
	ip := s.clientIP(r)
	session, err := s.app.Verify(r.Context(), req.TokenHash)
	if err != nil {
		s.audit.Record(r.Context(), util.LoggerFromContext(r.Context()), "auth.verify", security.OutcomeFail, ip, "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit.Record(r.Context(), util.LoggerFromContext(r.Context()), "auth.verify", security.OutcomeSuccess, ip, "user_id", session.User.ID)
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		util.LoggerFromContext(r.Context()).Error("logout failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	keys := s.app.JWKS()
	if keys == nil {
		keys = []store.JWK{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request, caller app.Caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, caller.User)
}

// rest handlers
func (s *Server) handleCustomerLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	user, ok, err := s.app.CustomerByEmail(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "customer not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleCustomerByID(w http.ResponseWriter, r *http.Request, caller app.Caller) {
	id := strings.TrimPrefix(r.URL.Path, "/rest/v1/customers/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	var req customerUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var patch store.CustomerPatch
	if req.Role != "" {
		parsed, ok := parseUserRole(req.Role)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid role")
			return
		}
		patch.Role = &parsed
	}
	if req.Status != "" {
		parsed, ok := parseUserStatus(req.Status)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		patch.Status = &parsed
	}
	updated, err := s.app.UpdateCustomer(r.Context(), caller, id, patch)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleInvitations(w http.ResponseWriter, r *http.Request, caller app.Caller) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.app.ListInvitations(r.Context())
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("list invitations failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if items == nil {
			items = []domain.Invitation{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": items,
			"count": len(items),
		})
	case http.MethodPost:
		var req inviteRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		inv, err := s.app.Invite(r.Context(), caller, req.Email, req.RedirectTo)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, inv)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleInvitationByID(w http.ResponseWriter, r *http.Request, _ app.Caller) {
	rest := strings.TrimPrefix(r.URL.Path, "/rest/v1/invitations/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "resend" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req inviteRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	inv, err := s.app.ResendInvitation(r.Context(), id, req.RedirectTo)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type otpRequest struct {
	Email      string `json:"email"`
	RedirectTo string `json:"redirectTo"`
	CreateUser *bool  `json:"createUser"`
}

type generateLinkRequest struct {
	Type       string `json:"type"`
	Email      string `json:"email"`
	RedirectTo string `json:"redirectTo"`
}

type generateLinkResponse struct {
	Properties app.LinkProperties `json:"properties"`
	User       domain.User        `json:"user"`
}

type verifyRequest struct {
	TokenHash string `json:"token_hash"`
	Type      string `json:"type"`
}

type customerUpdateRequest struct {
	Role   string `json:"role"`
	Status string `json:"status"`
}

type inviteRequest struct {
	Email      string `json:"email"`
	RedirectTo string `json:"redirectTo"`
}

func decodeJSON(r *http.Request, out any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(out)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		slog.Debug("missing bearer prefix", "path", r.URL.Path)
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		slog.Warn("empty bearer token", "path", r.URL.Path)
		return "", false
	}
	return token, true
}

func parseUserRole(role string) (domain.UserRole, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case string(domain.RoleUser):
		return domain.RoleUser, true
	case string(domain.RoleAdmin):
		return domain.RoleAdmin, true
	default:
		return "", false
	}
}

func parseUserStatus(status string) (domain.UserStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case string(domain.StatusActive):
		return domain.StatusActive, true
	case string(domain.StatusDisabled):
		return domain.StatusDisabled, true
	default:
		return "", false
	}
}

// writeAppError maps app sentinels to statuses. Unknown errors are logged
// and reported as 500.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrEmailRequired),
		errors.Is(err, app.ErrInvalidEmail),
		errors.Is(err, app.ErrInvalidRedirect),
		errors.Is(err, app.ErrTokenHashRequired),
		errors.Is(err, app.ErrNothingToUpdate),
		errors.Is(err, app.ErrCannotDemoteSelf),
		errors.Is(err, app.ErrCannotDisableSelf),
		errors.Is(err, app.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrUserNotFound), errors.Is(err, app.ErrInvitationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrInvitationNotPending):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrSignupsNotAllowed), errors.Is(err, app.ErrUnsupportedTable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, app.ErrInvalidTokenHash):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrUserDisabled), errors.Is(err, app.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		slog.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
