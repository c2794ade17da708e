package identity

import (
	"net/url"
	"strings"
)

// VerifyRoute is the client route that consumes a token hash.
const VerifyRoute = "/auth/verify"

// LinkQuery encodes the verification parameters of a magic link.
func LinkQuery(tokenHash, email string) string {
	q := url.Values{}
	q.Set("token_hash", tokenHash)
	q.Set("email", email)
	return q.Encode()
}

// DefaultRedirect is where links land when the caller names no target.
func DefaultRedirect(websiteURL string) string {
	return strings.TrimRight(strings.TrimSpace(websiteURL), "/") + VerifyRoute
}

// MagicLink appends the verification parameters to redirectTo.
func MagicLink(redirectTo, tokenHash, email string) string {
	sep := "?"
	if strings.Contains(redirectTo, "?") {
		sep = "&"
	}
	return redirectTo + sep + LinkQuery(tokenHash, email)
}

// RedirectRoute is the in-app route equivalent of a magic link.
func RedirectRoute(tokenHash, email string) string {
	return VerifyRoute + "?" + LinkQuery(tokenHash, email)
}
