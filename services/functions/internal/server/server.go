package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"pingai/internal/authz"
	"pingai/internal/ratelimit"
	"pingai/internal/security"
	"pingai/internal/util"
	"pingai/pkg/functions"
	"pingai/services/functions/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App             *app.App
	SelfServiceRate *ratelimit.FixedWindowLimiter
	Alerter         *security.AuditAlerter
	TrustedProxies  *util.TrustedProxies
}

// Server exposes the two functions.
type Server struct {
	app            *app.App
	limiter        *ratelimit.FixedWindowLimiter
	audit          security.Auditor
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		limiter:        cfg.SelfServiceRate,
		audit:          security.Auditor{Service: "functions", Alerter: cfg.Alerter},
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.Chain(s.mux,
		util.WithRequestID,
		util.WithRequestLog("functions"),
		util.WithCORS("POST, OPTIONS"),
		util.WithSecurityHeaders,
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc(functions.MagicLinkPath, s.handleMagicLink)
	s.mux.HandleFunc(functions.UploadPath, s.handleUpload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMagicLink picks the path from the Authorization header: blank or
// absent means self-service, anything else must be a valid admin bearer.
func (s *Server) handleMagicLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req functions.MagicLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid JSON body")
		return
	}
	if strings.TrimSpace(r.Header.Get("Authorization")) == "" {
		s.selfService(w, r, req)
		return
	}
	s.adminIssue(w, r, req)
}

func (s *Server) selfService(w http.ResponseWriter, r *http.Request, req functions.MagicLinkRequest) {
	const event = "magic_link.self_service"
	ip := s.clientIP(r)
	logger := util.LoggerFromContext(r.Context())
	if s.limiter != nil {
		decision := s.limiter.Allow(r.Context(), "magic_link:"+ip)
		if !decision.Allowed {
			s.audit.Record(r.Context(), logger, event, security.OutcomeRateLimited, ip)
			w.Header().Set("Retry-After", ratelimit.RetryAfterSeconds(decision.RetryAfter))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
	}
	if err := s.app.SendSelfServiceLink(r.Context(), req.Email, req.RedirectTo); err != nil {
		s.audit.Record(r.Context(), logger, event, security.OutcomeFail, ip, "reason", err.Error())
		writeError(w, http.StatusUnauthorized, publicMessage(err))
		return
	}
	s.audit.Record(r.Context(), logger, event, security.OutcomeSuccess, ip, "delivery", s.app.Delivery())
	writeJSON(w, http.StatusOK, map[string]string{"status": "created email"})
}

func (s *Server) adminIssue(w http.ResponseWriter, r *http.Request, req functions.MagicLinkRequest) {
	const event = "magic_link.admin"
	ip := s.clientIP(r)
	logger := util.LoggerFromContext(r.Context())
	token, ok := bearerToken(r)
	if !ok {
		s.audit.Record(r.Context(), logger, event, security.OutcomeFail, ip, "reason", "malformed authorization header")
		writeError(w, http.StatusUnauthorized, app.ErrUnauthorized.Error())
		return
	}
	caller, err := s.app.Authorize(r.Context(), token, authz.IssueLinkForOther)
	if err != nil {
		s.audit.Record(r.Context(), logger, event, security.OutcomeFail, ip, "reason", err.Error())
		writeError(w, http.StatusUnauthorized, publicMessage(err))
		return
	}
	material, err := s.app.IssueLink(r.Context(), req.Email, req.RedirectTo)
	if err != nil {
		s.audit.Record(r.Context(), logger, event, security.OutcomeFail, ip, "user_id", caller.ID, "reason", err.Error())
		writeError(w, http.StatusUnauthorized, publicMessage(err))
		return
	}
	s.audit.Record(r.Context(), logger, event, security.OutcomeSuccess, ip, "user_id", caller.ID)
	writeJSON(w, http.StatusOK, material)
}

// handleUpload relays the request body untouched. The multipart content type
// carries the boundary, so it is forwarded as is.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	const event = "document.upload"
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ip := s.clientIP(r)
	logger := util.LoggerFromContext(r.Context())
	token, ok := bearerToken(r)
	if !ok {
		s.audit.Record(r.Context(), logger, event, security.OutcomeFail, ip, "reason", "missing bearer token")
		writeError(w, http.StatusUnauthorized, app.ErrUnauthorized.Error())
		return
	}
	caller, err := s.app.Authorize(r.Context(), token, authz.UploadDocument)
	if err != nil {
		s.audit.Record(r.Context(), logger, event, security.OutcomeFail, ip, "reason", err.Error())
		writeError(w, http.StatusUnauthorized, app.ErrUnauthorized.Error())
		return
	}
	if err := s.app.RelayDocument(r.Context(), r.Header.Get("Content-Type"), r.Body); err != nil {
		logger.Warn("document relay failed", "user_id", caller.ID, "err", err)
		writeError(w, http.StatusUnauthorized, app.ErrUploadFailed.Error())
		return
	}
	s.audit.Record(r.Context(), logger, event, security.OutcomeSuccess, ip, "user_id", caller.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "success"})
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

// publicMessage exposes sentinel messages and hides everything else.
func publicMessage(err error) string {
	for _, known := range []error{
		app.ErrEmailRequired,
		app.ErrInvalidEmail,
		app.ErrInvalidRedirect,
		app.ErrLinkFailed,
		app.ErrDeliveryFailed,
		app.ErrUploadFailed,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return app.ErrUnauthorized.Error()
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(r *http.Request, out any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(out)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
