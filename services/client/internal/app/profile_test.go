package app

import (
	"context"
	"errors"
	"testing"

	"pingai/internal/authz"
	"pingai/pkg/domain"
)

func TestUserProfileWatchAppliesChanges(t *testing.T) {
	provider := newFakeProvider(memberUser())
	profile := NewUserProfile(provider, staticTokens{token: "tok"})
	if err := profile.Watch(context.Background()); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if profile.IsAdmin() {
		t.Fatal("member should not be admin")
	}
	if got := provider.filters[domain.TableCustomers]; got != "id=eq.u-member" {
		t.Fatalf("filter = %q", got)
	}

	promoted := memberUser()
	promoted.Role = domain.RoleAdmin
	provider.stream(domain.TableCustomers).ch <- rowChange(t, domain.TableCustomers, promoted)
	eventually(t, profile.IsAdmin, "profile never picked up the role change")

	profile.Close()
	if !provider.stream(domain.TableCustomers).isStopped() {
		t.Fatal("expected stream to stop on close")
	}
	profile.Close()
}

func TestUserProfileCan(t *testing.T) {
	provider := newFakeProvider(memberUser())
	profile := NewUserProfile(provider, staticTokens{token: "tok"})
	if d := profile.Can(authz.UseChat); d.Allowed || d.Reason != authz.ReasonUnauthenticated {
		t.Fatalf("unloaded profile decision = %+v", d)
	}
	if err := profile.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if d := profile.Can(authz.UseChat); !d.Allowed {
		t.Fatalf("member should chat: %+v", d)
	}
	if d := profile.Can(authz.UploadDocument); d.Allowed {
		t.Fatal("member should not upload")
	}

	disabled := adminUser()
	disabled.Status = domain.StatusDisabled
	provider.setUser(disabled)
	if err := profile.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if d := profile.Can(authz.ManageInvitations); d.Allowed {
		t.Fatal("disabled admin should be denied")
	}
}

func TestUserProfileLoadFailureClearsUser(t *testing.T) {
	provider := newFakeProvider(memberUser())
	profile := loadedProfile(t, provider)
	provider.meErr = errors.New("gone")
	if err := profile.Load(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	if _, ok := profile.User(); ok {
		t.Fatal("expected user to be cleared")
	}

	signedOut := NewUserProfile(provider, staticTokens{err: errors.New("no session")})
	if err := signedOut.Watch(context.Background()); err == nil {
		t.Fatal("expected watch to fail without a token")
	}
}
