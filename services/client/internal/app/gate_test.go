package app

import (
	"context"
	"testing"
	"time"

	"pingai/pkg/identity"
)

func TestGateDecide(t *testing.T) {
	session := &identity.Session{AccessToken: "tok"}
	cases := []struct {
		name   string
		events []identity.AuthEvent
		view   View
		want   Decision
	}{
		{name: "loading protected", view: ChatView, want: Decision{Wait: true}},
		{name: "loading sign-in", view: SignInView, want: Decision{Allow: true}},
		{
			name:   "no session protected",
			events: []identity.AuthEvent{{Type: identity.InitialSession}},
			view:   BackofficeView,
			want:   Decision{Redirect: SignInRoute},
		},
		{
			name:   "restored session protected",
			events: []identity.AuthEvent{{Type: identity.InitialSession, Session: session}},
			view:   HomeView,
			want:   Decision{Allow: true},
		},
		{
			name:   "signed in auth view",
			events: []identity.AuthEvent{{Type: identity.SignedIn, Session: session}},
			view:   VerifyView,
			want:   Decision{Redirect: HomeRoute},
		},
		{
			name: "signed out",
			events: []identity.AuthEvent{
				{Type: identity.SignedIn, Session: session},
				{Type: identity.SignedOut, Session: session},
			},
			view: DocumentsView,
			want: Decision{Redirect: SignInRoute},
		},
		{
			name:   "public view",
			events: []identity.AuthEvent{{Type: identity.InitialSession}},
			view:   View{Route: "/about", Access: Public},
			want:   Decision{Allow: true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGate()
			for _, ev := range tc.events {
				g.apply(ev)
			}
			if got := g.Decide(tc.view); got != tc.want {
				t.Fatalf("decide %s = %+v, want %+v", tc.view.Route, got, tc.want)
			}
		})
	}
}

func TestGateRunFollowsAuthEvents(t *testing.T) {
	g := NewGate()
	if !g.Loading() {
		t.Fatal("expected gate to start loading")
	}
	events := make(chan identity.AuthEvent, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Run(ctx, events)
	}()

	events <- identity.AuthEvent{Type: identity.InitialSession, Session: &identity.Session{AccessToken: "tok"}}
	select {
	case <-g.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("gate never became ready")
	}
	if g.Loading() {
		t.Fatal("expected loading to clear")
	}
	if s, ok := g.Session(); !ok || s.AccessToken != "tok" {
		t.Fatalf("unexpected session %+v", s)
	}

	events <- identity.AuthEvent{Type: identity.SignedOut}
	eventually(t, func() bool {
		_, ok := g.Session()
		return !ok
	}, "session was not cleared on sign-out")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
