package identity

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
)

// SessionKey is the storage key holding the serialized session.
const SessionKey = "session"

var ErrNoSession = errors.New("no active session")

type AuthEventType string

const (
	InitialSession AuthEventType = "INITIAL_SESSION"
	SignedIn       AuthEventType = "SIGNED_IN"
	SignedOut      AuthEventType = "SIGNED_OUT"
	TokenRefreshed AuthEventType = "TOKEN_REFRESHED"
)

// AuthEvent is one session-change notification. Session is nil after sign-out
// and for an empty initial session.
type AuthEvent struct {
	Type    AuthEventType
	Session *Session
}

// BlobStorage persists the session between runs.
type BlobStorage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte) error
}

// Auth owns the client-side session and broadcasts every change to
// listeners registered with OnAuthStateChange.
type Auth struct {
	client  *Client
	storage BlobStorage

	mu        sync.Mutex
	session   *Session
	listeners map[int]chan AuthEvent
	nextID    int
}

func NewAuth(client *Client, storage BlobStorage) *Auth {
	return &Auth{client: client, storage: storage, listeners: make(map[int]chan AuthEvent)}
}

// OnAuthStateChange registers a listener. The returned func unregisters it
// and closes the channel; calling it twice is harmless.
func (a *Auth) OnAuthStateChange() (<-chan AuthEvent, func()) {
	ch := make(chan AuthEvent, 8)
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = ch
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.listeners, id)
			a.mu.Unlock()
			close(ch)
		})
	}
}

// Initialize restores the persisted session, if any, and emits
// INITIAL_SESSION. The stored session is not validated.
func (a *Auth) Initialize(ctx context.Context) {
	var restored *Session
	if raw, ok, err := a.storage.Get(ctx, SessionKey); err != nil {
		slog.Warn("error loading session", "err", err)
	} else if ok && len(raw) > 0 && string(raw) != "null" {
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil {
			slog.Warn("error decoding session", "err", err)
		} else {
			restored = &s
		}
	}
	a.set(ctx, InitialSession, restored, false)
}

// Session returns a copy of the current session.
func (a *Auth) Session() (Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return Session{}, false
	}
	return *a.session, true
}

// AccessToken returns the bearer token of the current session.
func (a *Auth) AccessToken() (string, error) {
	s, ok := a.Session()
	if !ok || s.AccessToken == "" {
		return "", ErrNoSession
	}
	return s.AccessToken, nil
}

// SignInWithOTP asks the provider to email a login link, creating the
// account when needed.
func (a *Auth) SignInWithOTP(ctx context.Context, email, redirectTo string) error {
	return a.client.SignInWithOTP(ctx, email, redirectTo, true)
}

// VerifyOTP consumes a token hash and signs in.
func (a *Auth) VerifyOTP(ctx context.Context, tokenHash string) (Session, error) {
	s, err := a.client.VerifyOTP(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	a.set(ctx, SignedIn, &s, true)
	return s, nil
}

// Refresh re-reads the user behind the current token. A rejected token
// signs the client out.
func (a *Auth) Refresh(ctx context.Context) error {
	current, ok := a.Session()
	if !ok {
		return ErrNoSession
	}
	user, err := a.client.GetUser(ctx, current.AccessToken)
	if err != nil {
		if IsStatus(err, http.StatusUnauthorized) {
			a.set(ctx, SignedOut, nil, true)
		}
		return err
	}
	current.User = user
	a.set(ctx, TokenRefreshed, &current, true)
	return nil
}

// SignOut revokes the token at the provider and forgets it locally even when
// the provider call fails.
func (a *Auth) SignOut(ctx context.Context) error {
	current, ok := a.Session()
	var err error
	if ok {
		err = a.client.SignOut(ctx, current.AccessToken)
	}
	a.set(ctx, SignedOut, nil, true)
	return err
}

func (a *Auth) set(ctx context.Context, typ AuthEventType, s *Session, persist bool) {
	if persist {
		data, err := json.Marshal(s)
		if err == nil {
			err = a.storage.Set(ctx, SessionKey, data)
		}
		if err != nil {
			slog.Warn("error saving session", "err", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = s
	// sends never block, so holding the lock here keeps unsubscribe from
	// closing a channel mid-send
	for _, ch := range a.listeners {
		var snapshot *Session
		if s != nil {
			cp := *s
			snapshot = &cp
		}
		select {
		case ch <- AuthEvent{Type: typ, Session: snapshot}:
		default:
			slog.Warn("auth listener is full, dropping event", "event", string(typ))
		}
	}
}
