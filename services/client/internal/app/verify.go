package app

import (
	"errors"
	"net/url"
	"strings"
)

var ErrMissingToken = errors.New("Missing token or email")

// VerifyParams are the query parameters of a magic link.
type VerifyParams struct {
	TokenHash string
	Email     string
}

// ParseVerifyLink accepts a full magic link, an in-app redirect route or a
// bare query string.
func ParseVerifyLink(raw string) (VerifyParams, error) {
	raw = strings.TrimSpace(raw)
	query := raw
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		query = raw[i+1:]
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return VerifyParams{}, ErrMissingToken
	}
	p := VerifyParams{
		TokenHash: strings.TrimSpace(values.Get("token_hash")),
		Email:     strings.TrimSpace(values.Get("email")),
	}
	if p.TokenHash == "" || p.Email == "" {
		return VerifyParams{}, ErrMissingToken
	}
	return p, nil
}
