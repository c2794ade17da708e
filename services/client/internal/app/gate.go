package app

import (
	"context"
	"sync"

	"pingai/pkg/identity"
)

// Routes the gate redirects to.
const (
	SignInRoute = "/auth/sign-in"
	HomeRoute   = "/"
)

// Access is the session requirement of a view.
type Access int

const (
	Public Access = iota
	RequireAuth
	RequireAnon
)

// View is a screen of the client.
type View struct {
	Route  string
	Access Access
}

var (
	HomeView       = View{Route: HomeRoute, Access: RequireAuth}
	ChatView       = View{Route: "/chat", Access: RequireAuth}
	NewChatView    = View{Route: "/chat/new", Access: RequireAuth}
	BackofficeView = View{Route: "/backoffice", Access: RequireAuth}
	DocumentsView  = View{Route: "/documents", Access: RequireAuth}
	SignInView     = View{Route: SignInRoute, Access: RequireAnon}
	VerifyView     = View{Route: "/auth/verify", Access: RequireAnon}
)

// Decision is the gate's answer for one view. Exactly one of Allow, Wait or
// a non-empty Redirect holds.
type Decision struct {
	Allow    bool
	Wait     bool
	Redirect string
}

// Gate holds the session state every view consults. It starts loading and
// leaves that state on the first provider notification. Session contents are
// never validated here.
type Gate struct {
	mu      sync.RWMutex
	session *identity.Session
	loading bool

	readyOnce sync.Once
	ready     chan struct{}
}

func NewGate() *Gate {
	return &Gate{loading: true, ready: make(chan struct{})}
}

// Run applies provider notifications until ctx ends or events closes. It is
// the only writer of the gate state.
func (g *Gate) Run(ctx context.Context, events <-chan identity.AuthEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.apply(ev)
		}
	}
}

func (g *Gate) apply(ev identity.AuthEvent) {
	g.mu.Lock()
	switch ev.Type {
	case identity.SignedOut:
		g.session = nil
	default:
		g.session = ev.Session
	}
	g.loading = false
	g.mu.Unlock()
	g.readyOnce.Do(func() { close(g.ready) })
}

// Ready is closed once the first notification has been applied.
func (g *Gate) Ready() <-chan struct{} { return g.ready }

// Session returns a copy of the current session.
func (g *Gate) Session() (identity.Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.session == nil {
		return identity.Session{}, false
	}
	return *g.session, true
}

func (g *Gate) Loading() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.loading
}

// Decide routes v against the current state.
func (g *Gate) Decide(v View) Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()
	signedIn := g.session != nil
	switch v.Access {
	case RequireAuth:
		if signedIn {
			return Decision{Allow: true}
		}
		if g.loading {
			return Decision{Wait: true}
		}
		return Decision{Redirect: SignInRoute}
	case RequireAnon:
		if signedIn {
			return Decision{Redirect: HomeRoute}
		}
		return Decision{Allow: true}
	default:
		return Decision{Allow: true}
	}
}
