package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"net/url"
	"strings"

	"pingai/internal/authz"
	"pingai/internal/mailer"
	"pingai/pkg/domain"
	"pingai/pkg/functions"
	"pingai/pkg/identity"
)

// Self-service delivery variants.
const (
	// DeliveryDirect generates the link and emails it from this service.
	DeliveryDirect = "direct"
	// DeliveryProvider asks the auth service to send its own login email.
	DeliveryProvider = "provider"
)

// Provider is the slice of the auth service API the handlers need.
type Provider interface {
	GetUser(ctx context.Context, token string) (domain.User, error)
	GenerateLink(ctx context.Context, email, redirectTo string) (identity.GenerateLinkResponse, error)
	SignInWithOTP(ctx context.Context, email, redirectTo string, createUser bool) error
}

// TokenVerifier checks an access token signature locally before the provider
// is asked about it.
type TokenVerifier interface {
	VerifySubject(ctx context.Context, token string) (string, error)
}

// DocumentSink receives relayed uploads.
type DocumentSink interface {
	Forward(ctx context.Context, contentType string, body io.Reader) error
}

// Config wires the collaborators of the functions service.
type Config struct {
	Provider   Provider
	Directory  Directory
	Verifier   TokenVerifier
	Mailer     mailer.Sender
	Documents  DocumentSink
	WebsiteURL string
	Delivery   string
}

// App implements create_magic_link and upload-document.
type App struct {
	provider   Provider
	directory  Directory
	verifier   TokenVerifier
	mailer     mailer.Sender
	documents  DocumentSink
	websiteURL string
	delivery   string
}

// New validates cfg and builds the app.
func New(cfg Config) (*App, error) {
	if cfg.Provider == nil {
		return nil, errors.New("auth provider is required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("customer directory is required")
	}
	if cfg.Documents == nil {
		return nil, errors.New("document sink is required")
	}
	delivery := strings.ToLower(strings.TrimSpace(cfg.Delivery))
	switch delivery {
	case "":
		delivery = DeliveryDirect
	case DeliveryDirect, DeliveryProvider:
	default:
		return nil, fmt.Errorf("unknown self-service delivery %q", cfg.Delivery)
	}
	if delivery == DeliveryDirect && cfg.Mailer == nil {
		return nil, errors.New("mailer is required for direct delivery")
	}
	if strings.TrimSpace(cfg.WebsiteURL) == "" {
		return nil, errors.New("website url is required")
	}
	return &App{
		provider:   cfg.Provider,
		directory:  cfg.Directory,
		verifier:   cfg.Verifier,
		mailer:     cfg.Mailer,
		documents:  cfg.Documents,
		websiteURL: cfg.WebsiteURL,
		delivery:   delivery,
	}, nil
}

// Delivery reports the configured self-service variant.
func (a *App) Delivery() string { return a.delivery }

// SendSelfServiceLink emails a login link to an existing customer.
func (a *App) SendSelfServiceLink(ctx context.Context, email, redirectTo string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	redirect, err := a.resolveRedirect(redirectTo)
	if err != nil {
		return err
	}
	customer, ok, err := a.directory.CustomerByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("%w: lookup customer: %v", ErrInvalidEmail, err)
	}
	if !ok {
		return ErrInvalidEmail
	}
	if customer.Status == domain.StatusDisabled {
		return fmt.Errorf("%w: %s", ErrUnauthorized, authz.ReasonDisabled)
	}

	if a.delivery == DeliveryProvider {
		if err := a.provider.SignInWithOTP(ctx, email, redirect, false); err != nil {
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		return nil
	}

	link, err := a.provider.GenerateLink(ctx, email, redirect)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLinkFailed, err)
	}
	magic := identity.MagicLink(redirect, link.Properties.HashedToken, email)
	if err := a.mailer.SendMagicLink(ctx, email, magic); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// Authorize resolves token to a customer allowed to perform action. The
// provider's answer is cross-checked against the customer row by id and
// email.
func (a *App) Authorize(ctx context.Context, token string, action authz.Action) (domain.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.User{}, ErrUnauthorized
	}
	subject := ""
	if a.verifier != nil {
		sub, err := a.verifier.VerifySubject(ctx, token)
		if err != nil {
			return domain.User{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		subject = sub
	}
	user, err := a.provider.GetUser(ctx, token)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if subject != "" && subject != user.ID {
		return domain.User{}, fmt.Errorf("%w: %s", ErrUnauthorized, authz.ReasonIdentityMismatch)
	}

	principal := authz.Principal{UserID: user.ID, Email: user.Email}
	customer, ok, err := a.directory.CustomerByID(ctx, token, user.ID)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: lookup customer: %v", ErrUnauthorized, err)
	}
	if ok {
		principal.Customer = &customer
	}
	if d := authz.Authorize(principal, action); !d.Allowed {
		return domain.User{}, fmt.Errorf("%w: %s", ErrUnauthorized, d.Reason)
	}
	return customer, nil
}

// IssueLink mints a login link for email and returns the material without
// sending it. Callers must have been authorized for authz.IssueLinkForOther.
func (a *App) IssueLink(ctx context.Context, email, redirectTo string) (functions.LinkMaterial, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return functions.LinkMaterial{}, err
	}
	redirect, err := a.resolveRedirect(redirectTo)
	if err != nil {
		return functions.LinkMaterial{}, err
	}
	link, err := a.provider.GenerateLink(ctx, email, redirect)
	if err != nil {
		return functions.LinkMaterial{}, fmt.Errorf("%w: %v", ErrLinkFailed, err)
	}
	hash := link.Properties.HashedToken
	return functions.LinkMaterial{
		TokenHash:     hash,
		Email:         email,
		MagicLink:     identity.MagicLink(redirect, hash, email),
		RedirectRoute: identity.RedirectRoute(hash, email),
	}, nil
}

// RelayDocument streams an upload to the ingestion workflow.
func (a *App) RelayDocument(ctx context.Context, contentType string, body io.Reader) error {
	if err := a.documents.Forward(ctx, contentType, body); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return nil
}

func (a *App) resolveRedirect(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return identity.DefaultRedirect(a.websiteURL), nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", ErrInvalidRedirect
	}
	return raw, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrEmailRequired
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(email), nil
}
