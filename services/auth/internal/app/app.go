package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"pingai/internal/authz"
	"pingai/internal/mailer"
	"pingai/internal/realtime"
	"pingai/internal/util"
	"pingai/pkg/domain"
	"pingai/pkg/identity"
	"pingai/pkg/store"
)

// Delivery values recorded on magic links.
const (
	DeliveryEmail    = "email"
	DeliveryReturned = "returned"

	issuedByService = "service_role"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL       string
	RedisAddr         string
	RedisPassword     string
	SessionTTL        time.Duration
	LinkTTL           time.Duration
	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTKeyID          string
	JWTIssuer         string
	JWTAudience       string
	WebsiteURL        string
	SMTP              mailer.SMTPConfig

	Redis     redis.UniversalClient
	Store     store.Store
	Sessions  store.SessionStore
	Tokens    store.OneTimeTokenStore
	Mailer    mailer.Sender
	Publisher ChangePublisher
	Hub       *realtime.Hub
}

// ChangePublisher announces row writes to realtime subscribers.
type ChangePublisher interface {
	Publish(ctx context.Context, c realtime.Change) error
}

// App is the provider core: customers, login links, sessions and the change feed.
type App struct {
	store      store.Store
	sessions   store.SessionStore
	tokens     store.OneTimeTokenStore
	mailer     mailer.Sender
	publisher  ChangePublisher
	hub        *realtime.Hub
	linkTTL    time.Duration
	websiteURL string
	now        func() time.Time
}

// New constructs the application. Collaborators left nil in cfg are built
// from the connection settings.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.LinkTTL == 0 {
		cfg.LinkTTL = time.Hour
	}

	rdb := cfg.Redis
	if rdb == nil && (cfg.Sessions == nil || cfg.Tokens == nil || cfg.Publisher == nil || cfg.Hub == nil) {
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redisAddr is required")
		}
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		if strings.TrimSpace(cfg.JWTPrivateKeyPath) == "" {
			return nil, fmt.Errorf("jwtPrivateKeyPath is required")
		}
		rsStore, err := store.NewJWTSessionStoreFromPEM(cfg.JWTPrivateKeyPath, store.JWTConfig{
			KeyID:         cfg.JWTKeyID,
			PublicKeyPath: cfg.JWTPublicKeyPath,
			TTL:           cfg.SessionTTL,
			Issuer:        cfg.JWTIssuer,
			Audience:      cfg.JWTAudience,
		}, store.NewRedisTokenRevoker(rdb, ""))
		if err != nil {
			return nil, fmt.Errorf("init rs256 jwt session store: %w", err)
		}
		sessionStore = rsStore
	}

	tokens := cfg.Tokens
	if tokens == nil {
		tokens = store.NewRedisOneTimeTokenStore(rdb, "")
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = realtime.NewPublisher(rdb, "")
	}
	hub := cfg.Hub
	if hub == nil {
		hub = realtime.NewHub(rdb, "")
	}
	sender := cfg.Mailer
	if sender == nil {
		var err error
		sender, err = mailer.New(cfg.SMTP, os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("init mailer: %w", err)
		}
	}

	return &App{
		store:      dataStore,
		sessions:   sessionStore,
		tokens:     tokens,
		mailer:     sender,
		publisher:  publisher,
		hub:        hub,
		linkTTL:    cfg.LinkTTL,
		websiteURL: cfg.WebsiteURL,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Session is returned by a successful verification.
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

// SignInWithOTP emails a login link to email, creating the customer when
// createUser allows it.
func (a *App) SignInWithOTP(ctx context.Context, email, redirectTo string, createUser bool) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	redirect, err := a.resolveRedirect(redirectTo)
	if err != nil {
		return err
	}
	user, found, err := a.store.GetCustomerByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("fetch customer: %w", err)
	}
	if !found {
		if !createUser {
			return ErrSignupsNotAllowed
		}
		if user, err = a.createCustomer(ctx, email); err != nil {
			return err
		}
	}
	if user.Status == domain.StatusDisabled {
		return ErrUserDisabled
	}
	props, err := a.issueLink(ctx, user.Email, redirect, issuedByService, DeliveryEmail)
	if err != nil {
		return err
	}
	if err := a.mailer.SendMagicLink(ctx, user.Email, props.ActionLink); err != nil {
		return fmt.Errorf("send magic link: %w", err)
	}
	return nil
}

// GenerateLink mints a login link for an existing customer without sending it.
func (a *App) GenerateLink(ctx context.Context, email, redirectTo string) (LinkProperties, domain.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return LinkProperties{}, domain.User{}, err
	}
	redirect, err := a.resolveRedirect(redirectTo)
	if err != nil {
		return LinkProperties{}, domain.User{}, err
	}
	user, found, err := a.store.GetCustomerByEmail(ctx, email)
	if err != nil {
		return LinkProperties{}, domain.User{}, fmt.Errorf("fetch customer: %w", err)
	}
	if !found {
		return LinkProperties{}, domain.User{}, ErrUserNotFound
	}
	if user.Status == domain.StatusDisabled {
		return LinkProperties{}, domain.User{}, ErrUserDisabled
	}
	props, err := a.issueLink(ctx, user.Email, redirect, issuedByService, DeliveryReturned)
	if err != nil {
		return LinkProperties{}, domain.User{}, err
	}
	return props, user, nil
}

// Verify consumes a token hash, activates pending invitations for its email
// and opens a session.
func (a *App) Verify(ctx context.Context, tokenHash string) (Session, error) {
	tokenHash = strings.TrimSpace(tokenHash)
	if tokenHash == "" {
		return Session{}, ErrTokenHashRequired
	}
	grant, err := a.tokens.Consume(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, store.ErrTokenUsed) {
			return Session{}, ErrInvalidTokenHash
		}
		return Session{}, fmt.Errorf("consume token hash: %w", err)
	}
	if err := a.markLinkUsed(ctx, grant.MagicLinkID); err != nil {
		return Session{}, err
	}

	user, found, err := a.store.GetCustomerByEmail(ctx, grant.Email)
	if err != nil {
		return Session{}, fmt.Errorf("fetch customer: %w", err)
	}
	if !found {
		if user, err = a.createCustomer(ctx, grant.Email); err != nil {
			return Session{}, err
		}
	}
	if user.Status == domain.StatusDisabled {
		return Session{}, ErrUserDisabled
	}

	activated, err := a.store.ActivateInvitations(ctx, user.Email, user.ID)
	if err != nil {
		return Session{}, fmt.Errorf("activate invitations: %w", err)
	}
	for _, inv := range activated {
		a.publish(ctx, domain.TableInvitations, realtime.Update, inv, nil)
	}

	token, expiresAt, err := a.sessions.NewSession(user)
	if err != nil {
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}
	return Session{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(expiresAt.Sub(a.now()).Seconds()),
		ExpiresAt:   expiresAt.Unix(),
		User:        user,
	}, nil
}

func (a *App) markLinkUsed(ctx context.Context, id string) error {
	link, ok, err := a.store.GetMagicLink(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch magic link: %w", err)
	}
	if !ok {
		return ErrInvalidTokenHash
	}
	if link.Status != domain.MagicLinkIssued {
		return ErrInvalidTokenHash
	}
	if a.now().After(link.ExpiresAt) {
		_ = a.store.SetMagicLinkStatus(ctx, id, domain.MagicLinkExpired)
		return ErrInvalidTokenHash
	}
	if err := a.store.SetMagicLinkStatus(ctx, id, domain.MagicLinkUsed); err != nil {
		return fmt.Errorf("mark magic link used: %w", err)
	}
	return nil
}

// Caller is an authenticated request principal.
type Caller struct {
	Claims store.AccessClaims
	User   domain.User
}

// Principal is the caller as seen by internal/authz.
func (c Caller) Principal() authz.Principal {
	user := c.User
	return authz.Principal{UserID: c.Claims.Subject, Email: c.Claims.Email, Customer: &user}
}

// Authenticate resolves a bearer token to its customer row.
func (a *App) Authenticate(ctx context.Context, token string) (Caller, error) {
	claims, err := a.sessions.Resolve(ctx, token)
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	user, found, err := a.store.GetCustomerByID(ctx, claims.Subject)
	if err != nil {
		return Caller{}, fmt.Errorf("fetch customer: %w", err)
	}
	if !found {
		return Caller{}, ErrUnauthorized
	}
	return Caller{Claims: claims, User: user}, nil
}

// Authorize maps an authz decision to ErrForbidden or ErrUnauthorized.
func (a *App) Authorize(c Caller, action authz.Action) error {
	d := authz.Authorize(c.Principal(), action)
	if d.Allowed {
		return nil
	}
	if d.Reason == authz.ReasonAdminRequired {
		return fmt.Errorf("%w: %s", ErrForbidden, d.Reason)
	}
	return fmt.Errorf("%w: %s", ErrUnauthorized, d.Reason)
}

// Logout revokes the access token.
func (a *App) Logout(ctx context.Context, token string) error {
	return a.sessions.DeleteSession(ctx, token)
}

// JWKS returns public signing keys when the session store supports it.
func (a *App) JWKS() []store.JWK {
	provider, ok := a.sessions.(store.JWKSProvider)
	if !ok {
		return nil
	}
	return provider.JWKS()
}

// CustomerByEmail looks up a customers row.
func (a *App) CustomerByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.User{}, false, err
	}
	return a.store.GetCustomerByEmail(ctx, email)
}

// UpdateCustomer changes role or status. Disabling a customer revokes every
// session issued to them so far.
func (a *App) UpdateCustomer(ctx context.Context, admin Caller, id string, patch store.CustomerPatch) (domain.User, error) {
	if patch.Empty() {
		return domain.User{}, ErrNothingToUpdate
	}
	target, ok, err := a.store.GetCustomerByID(ctx, id)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch customer: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	if target.ID == admin.User.ID {
		if patch.Role != nil && *patch.Role != admin.User.Role {
			return domain.User{}, ErrCannotDemoteSelf
		}
		if patch.Status != nil && *patch.Status == domain.StatusDisabled {
			return domain.User{}, ErrCannotDisableSelf
		}
	}
	updated, err := a.store.UpdateCustomer(ctx, id, patch)
	if err != nil {
		return domain.User{}, fmt.Errorf("update customer: %w", err)
	}
	if patch.Status != nil && *patch.Status == domain.StatusDisabled {
		revoker, ok := a.sessions.(store.UserSessionRevoker)
		if !ok {
			return domain.User{}, fmt.Errorf("session store does not support user token revocation")
		}
		if err := revoker.RevokeUserSessions(ctx, updated.ID, updated.UpdatedAt); err != nil {
			return domain.User{}, fmt.Errorf("revoke disabled user tokens: %w", err)
		}
	}
	a.publish(ctx, domain.TableCustomers, realtime.Update, updated, target)
	return updated, nil
}

// ListInvitations returns invitations newest first.
func (a *App) ListInvitations(ctx context.Context) ([]domain.Invitation, error) {
	return a.store.ListInvitations(ctx)
}

// Invite emails a login link to email and records a pending invitation from admin.
func (a *App) Invite(ctx context.Context, admin Caller, email, redirectTo string) (domain.Invitation, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return domain.Invitation{}, err
	}
	if err := a.SignInWithOTP(ctx, normalized, redirectTo, true); err != nil {
		return domain.Invitation{}, err
	}
	inv, err := a.store.CreateInvitation(ctx, normalized, admin.User.ID)
	if err != nil {
		return domain.Invitation{}, fmt.Errorf("save invitation: %w", err)
	}
	a.publish(ctx, domain.TableInvitations, realtime.Insert, inv, nil)
	return inv, nil
}

// ResendInvitation emails a fresh link for a pending invitation.
func (a *App) ResendInvitation(ctx context.Context, id, redirectTo string) (domain.Invitation, error) {
	inv, ok, err := a.store.GetInvitation(ctx, id)
	if err != nil {
		return domain.Invitation{}, fmt.Errorf("fetch invitation: %w", err)
	}
	if !ok {
		return domain.Invitation{}, ErrInvitationNotFound
	}
	if inv.Status != domain.InvitationPending {
		return domain.Invitation{}, ErrInvitationNotPending
	}
	if err := a.SignInWithOTP(ctx, inv.Email, redirectTo, true); err != nil {
		return domain.Invitation{}, err
	}
	return inv, nil
}

// OpenFeed authorizes caller for table and returns an unstarted subscription.
// Admins see every row; everyone else only their own customers row.
func (a *App) OpenFeed(c Caller, table, filterExpr string) (*realtime.Subscription, error) {
	filter, err := realtime.ParseFilter(table, filterExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	switch filter.Table {
	case domain.TableCustomers:
		action := authz.ManageCustomers
		if filter.RowID == c.User.ID {
			action = authz.ReadOwnProfile
		}
		if err := a.Authorize(c, action); err != nil {
			return nil, err
		}
	case domain.TableInvitations:
		if err := a.Authorize(c, authz.ManageInvitations); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnsupportedTable
	}
	return a.hub.Subscribe(filter), nil
}

func (a *App) issueLink(ctx context.Context, email, redirect, issuedBy, delivery string) (LinkProperties, error) {
	now := a.now()
	link := domain.MagicLink{
		ID:         util.NewRowID(),
		Email:      email,
		Status:     domain.MagicLinkIssued,
		RedirectTo: redirect,
		IssuedBy:   issuedBy,
		Delivery:   delivery,
		CreatedAt:  now,
		ExpiresAt:  now.Add(a.linkTTL),
	}
	if err := a.store.SaveMagicLink(ctx, link); err != nil {
		return LinkProperties{}, fmt.Errorf("save magic link: %w", err)
	}
	hash, err := a.tokens.Issue(ctx, store.Grant{
		Email:       email,
		MagicLinkID: link.ID,
		RedirectTo:  redirect,
		IssuedAt:    now,
	}, a.linkTTL)
	if err != nil {
		return LinkProperties{}, fmt.Errorf("issue token hash: %w", err)
	}
	return LinkProperties{
		HashedToken:  hash,
		ActionLink:   identity.MagicLink(redirect, hash, email),
		RedirectTo:   redirect,
		EmailOTPType: "magiclink",
	}, nil
}

func (a *App) createCustomer(ctx context.Context, email string) (domain.User, error) {
	user, err := a.store.CreateCustomer(ctx, email)
	if errors.Is(err, store.ErrConflict) {
		existing, found, getErr := a.store.GetCustomerByEmail(ctx, email)
		if getErr != nil {
			return domain.User{}, fmt.Errorf("fetch customer: %w", getErr)
		}
		if found {
			return existing, nil
		}
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("create customer: %w", err)
	}
	a.publish(ctx, domain.TableCustomers, realtime.Insert, user, nil)
	return user, nil
}

func (a *App) publish(ctx context.Context, table string, typ realtime.ChangeType, newRow, oldRow any) {
	change, err := realtime.NewChange(table, typ, newRow, oldRow)
	if err == nil {
		err = a.publisher.Publish(ctx, change)
	}
	if err != nil {
		util.LoggerFromContext(ctx).Warn("realtime_publish_failed", "table", table, "type", string(typ), "err", err)
	}
}

func (a *App) resolveRedirect(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return identity.DefaultRedirect(a.websiteURL), nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidRedirect
	}
	return raw, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", ErrEmailRequired
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}
