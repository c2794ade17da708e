package app

import "errors"

var (
	ErrEmailRequired   = errors.New("email is required")
	ErrInvalidEmail    = errors.New("Invalid email")
	ErrInvalidRedirect = errors.New("redirectTo must be an absolute http(s) url")
	ErrUnauthorized    = errors.New("Unauthorized")
	ErrLinkFailed      = errors.New("could not generate login link")
	ErrDeliveryFailed  = errors.New("could not deliver login link")
	ErrUploadFailed    = errors.New("Error uploading document")
)
