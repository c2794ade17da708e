package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"pingai/pkg/domain"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu          sync.RWMutex
	customers   map[string]domain.User
	byEmail     map[string]string
	invitations map[string]domain.Invitation
	invSeq      map[string]int
	links       map[string]domain.MagicLink
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		customers:   make(map[string]domain.User),
		byEmail:     make(map[string]string),
		invitations: make(map[string]domain.Invitation),
		invSeq:      make(map[string]int),
		links:       make(map[string]domain.MagicLink),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateCustomer(_ context.Context, email string) (domain.User, error) {
	email = normalizeEmail(email)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[email]; ok {
		return domain.User{}, ErrConflict
	}
	now := m.now()
	u := domain.User{
		ID:        uuid.NewString(),
		Email:     email,
		Role:      roleForNth(int64(len(m.customers))),
		Status:    domain.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.customers[u.ID] = u
	m.byEmail[email] = u.ID
	return u, nil
}

// PutCustomer inserts or replaces a customer row as is.
func (m *MemoryStore) PutCustomer(u domain.User) {
	u.Email = normalizeEmail(u.Email)
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.customers[u.ID]; ok {
		delete(m.byEmail, prev.Email)
	}
	m.customers[u.ID] = u
	m.byEmail[u.Email] = u.ID
}

func (m *MemoryStore) GetCustomerByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.customers[id]
	return u, ok, nil
}

func (m *MemoryStore) GetCustomerByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[normalizeEmail(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.customers[id], true, nil
}

func (m *MemoryStore) UpdateCustomer(_ context.Context, id string, patch CustomerPatch) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.customers[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	if patch.Role != nil {
		u.Role = *patch.Role
	}
	if patch.Status != nil {
		u.Status = *patch.Status
	}
	u.UpdatedAt = m.now()
	m.customers[id] = u
	return u, nil
}

func (m *MemoryStore) CreateInvitation(_ context.Context, email, invitedBy string) (domain.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := domain.Invitation{
		ID:        uuid.NewString(),
		Email:     normalizeEmail(email),
		Status:    domain.InvitationPending,
		InvitedBy: invitedBy,
		CreatedAt: m.now(),
	}
	m.invitations[inv.ID] = inv
	m.invSeq[inv.ID] = len(m.invSeq)
	return inv, nil
}

func (m *MemoryStore) GetInvitation(_ context.Context, id string) (domain.Invitation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invitations[id]
	if !ok {
		return domain.Invitation{}, false, nil
	}
	return m.joinLocked(inv), true, nil
}

func (m *MemoryStore) ListInvitations(_ context.Context) ([]domain.Invitation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Invitation, 0, len(m.invitations))
	for _, inv := range m.invitations {
		out = append(out, m.joinLocked(inv))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return m.invSeq[out[i].ID] > m.invSeq[out[j].ID]
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ActivateInvitations(_ context.Context, email, userID string) ([]domain.Invitation, error) {
	email = normalizeEmail(email)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Invitation
	for id, inv := range m.invitations {
		if inv.Email != email || inv.Status != domain.InvitationPending {
			continue
		}
		uid := userID
		inv.Status = domain.InvitationActive
		inv.UserID = &uid
		m.invitations[id] = inv
		out = append(out, m.joinLocked(inv))
	}
	return out, nil
}

func (m *MemoryStore) joinLocked(inv domain.Invitation) domain.Invitation {
	if inv.UserID != nil {
		if u, ok := m.customers[*inv.UserID]; ok {
			inv.User = &domain.InvitedUser{Email: u.Email, Role: u.Role}
		}
		uid := *inv.UserID
		inv.UserID = &uid
	}
	return inv
}

func (m *MemoryStore) SaveMagicLink(_ context.Context, link domain.MagicLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link.Email = normalizeEmail(link.Email)
	m.links[link.ID] = link
	return nil
}

func (m *MemoryStore) GetMagicLink(_ context.Context, id string) (domain.MagicLink, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	link, ok := m.links[id]
	return link, ok, nil
}

func (m *MemoryStore) SetMagicLinkStatus(_ context.Context, id string, status domain.MagicLinkStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[id]
	if !ok {
		return ErrNotFound
	}
	link.Status = status
	m.links[id] = link
	return nil
}
