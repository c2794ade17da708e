// Package authz holds the single authorization capability used by the
// functions service, the auth service and the terminal client.
package authz

import (
	"strings"

	"pingai/pkg/domain"
)

// Action is something a caller asks to do.
type Action string

const (
	// IssueLinkForOther mints a login link for an arbitrary email and hands
	// the link material back to the caller.
	IssueLinkForOther Action = "issue_link_for_other"
	UploadDocument    Action = "upload_document"
	ManageInvitations Action = "manage_invitations"
	ManageCustomers   Action = "manage_customers"
	ReadOwnProfile    Action = "read_own_profile"
	UseChat           Action = "use_chat"
)

// Deny reasons. They are stable strings so audit logs can be grouped.
const (
	ReasonUnauthenticated  = "unauthenticated"
	ReasonUnknownCustomer  = "unknown_customer"
	ReasonIdentityMismatch = "identity_mismatch"
	ReasonDisabled         = "account_disabled"
	ReasonAdminRequired    = "admin_required"
	ReasonUnknownAction    = "unknown_action"
)

// Principal is the caller as seen by the provider plus its customer row.
// Customer is nil when no row was found.
type Principal struct {
	UserID   string
	Email    string
	Customer *domain.User
}

// Decision is the typed outcome of Authorize.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the allowed decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny refuses with reason.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Authorize decides whether p may perform action.
func Authorize(p Principal, action Action) Decision {
	if strings.TrimSpace(p.UserID) == "" {
		return Deny(ReasonUnauthenticated)
	}
	if p.Customer == nil {
		return Deny(ReasonUnknownCustomer)
	}
	if p.Customer.ID != p.UserID || !strings.EqualFold(strings.TrimSpace(p.Customer.Email), strings.TrimSpace(p.Email)) {
		return Deny(ReasonIdentityMismatch)
	}
	if p.Customer.Status == domain.StatusDisabled {
		return Deny(ReasonDisabled)
	}
	switch action {
	case ReadOwnProfile, UseChat:
		return Allow()
	case IssueLinkForOther, UploadDocument, ManageInvitations, ManageCustomers:
		if p.Customer.Role != domain.RoleAdmin {
			return Deny(ReasonAdminRequired)
		}
		return Allow()
	default:
		return Deny(ReasonUnknownAction)
	}
}

// HasRole reports whether u holds role. A nil user holds none.
func HasRole(u *domain.User, role domain.UserRole) bool {
	return u != nil && u.Role == role
}
