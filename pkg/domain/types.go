package domain

import "time"

// Provider tables that publish realtime changes.
const (
	TableCustomers   = "customers"
	TableInvitations = "invitations"
)

type MessageRole string

const (
	RoleUserMessage      MessageRole = "user"
	RoleAssistantMessage MessageRole = "assistant"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

type InvitationStatus string

const (
	InvitationPending InvitationStatus = "pending"
	InvitationActive  InvitationStatus = "active"
)

type MagicLinkStatus string

const (
	MagicLinkIssued  MagicLinkStatus = "issued"
	MagicLinkUsed    MagicLinkStatus = "used"
	MagicLinkExpired MagicLinkStatus = "expired"
)

// Message is one turn of a locally stored conversation.
type Message struct {
	ID          int64       `json:"id"`
	Role        MessageRole `json:"role"`
	Content     string      `json:"content"`
	CodeSnippet string      `json:"codeSnippet,omitempty"`
	Links       []string    `json:"links,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Chat is a locally stored conversation. Messages keep insertion order.
type Chat struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LastMessage returns the trailing message, if any.
func (c Chat) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Clone returns a deep copy of the chat.
func (c Chat) Clone() Chat {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Links != nil {
		out.Links = append([]string(nil), m.Links...)
	}
	return out
}

// User is a row of the customers table.
type User struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Role      UserRole   `json:"role"`
	Status    UserStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// InvitedUser is the verified account joined onto an invitation.
type InvitedUser struct {
	Email string   `json:"email"`
	Role  UserRole `json:"role"`
}

type Invitation struct {
	ID        string           `json:"id"`
	Email     string           `json:"email"`
	Status    InvitationStatus `json:"status"`
	InvitedBy string           `json:"invited_by,omitempty"`
	UserID    *string          `json:"user_id"`
	User      *InvitedUser     `json:"user"`
	CreatedAt time.Time        `json:"created_at"`
}

type MagicLink struct {
	ID         string          `json:"id"`
	Email      string          `json:"email"`
	Status     MagicLinkStatus `json:"status"`
	RedirectTo string          `json:"redirect_to,omitempty"`
	IssuedBy   string          `json:"issued_by,omitempty"`
	Delivery   string          `json:"delivery,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}
