package app

import "errors"

var (
	ErrEmailRequired   = errors.New("email required")
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrInvalidRedirect = errors.New("redirectTo must be an absolute http(s) URL")

	// ErrUserNotFound is only surfaced to service-key callers.
	ErrUserNotFound = errors.New("user not found")

	// ErrSignupsNotAllowed is returned for unknown emails when the caller
	// opted out of account creation.
	ErrSignupsNotAllowed = errors.New("signups not allowed for otp")

	// ErrUserDisabled is returned when an account is disabled.
	// Handlers should generally NOT expose this to clients to avoid account enumeration.
	ErrUserDisabled = errors.New("user disabled")

	ErrTokenHashRequired = errors.New("token_hash required")
	ErrInvalidTokenHash  = errors.New("Email link is invalid or has expired")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")

	ErrNothingToUpdate   = errors.New("role or status is required")
	ErrCannotDemoteSelf  = errors.New("cannot change own role")
	ErrCannotDisableSelf = errors.New("cannot disable self")
	ErrUnsupportedTable  = errors.New("unsupported realtime table")
	ErrInvalidFilter     = errors.New("invalid realtime filter")

	ErrInvitationNotFound   = errors.New("invitation not found")
	ErrInvitationNotPending = errors.New("invitation is no longer pending")
)
