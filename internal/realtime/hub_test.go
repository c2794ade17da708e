package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type row struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func newTestHub(t *testing.T) (*Publisher, *Hub) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPublisher(client, "test:rt"), NewHub(client, "test:rt")
}

func publish(t *testing.T, p *Publisher, table string, typ ChangeType, r row) {
	t.Helper()
	c, err := NewChange(table, typ, r, nil)
	if err != nil {
		t.Fatalf("new change: %v", err)
	}
	if err := p.Publish(context.Background(), c); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func receive(t *testing.T, s Stream) Change {
	t.Helper()
	select {
	case c, ok := <-s.C():
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return Change{}
}

func TestSubscriptionDeliversFilteredRows(t *testing.T) {
	pub, hub := newTestHub(t)
	sub := hub.Subscribe(Filter{Table: "customers", RowID: "u-2"})
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Stop()

	publish(t, pub, "customers", Update, row{ID: "u-1", Email: "a@example.com"})
	publish(t, pub, "invitations", Insert, row{ID: "u-2"})
	publish(t, pub, "customers", Update, row{ID: "u-2", Email: "b@example.com"})

	got := receive(t, sub)
	if got.Table != "customers" || got.Type != Update || got.RowID() != "u-2" {
		t.Fatalf("unexpected change: %+v", got)
	}
}

func TestStopIsIdempotentAndClosesChannel(t *testing.T) {
	_, hub := newTestHub(t)
	sub := hub.Subscribe(Filter{Table: "invitations"})
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sub.Stop()
	sub.Stop()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after stop")
	}
	if err := sub.Start(context.Background()); err != ErrStopped {
		t.Fatalf("restart err = %v, want ErrStopped", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	_, hub := newTestHub(t)
	sub := hub.Subscribe(Filter{Table: "invitations"})
	sub.Stop()
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("customers", "id=eq.abc")
	if err != nil || f.RowID != "abc" || f.String() != "id=eq.abc" {
		t.Fatalf("unexpected filter %+v err=%v", f, err)
	}
	if _, err := ParseFilter("customers", "email=eq.x"); err == nil {
		t.Fatal("expected unsupported column to fail")
	}
	if _, err := ParseFilter("", ""); err == nil {
		t.Fatal("expected missing table to fail")
	}
	if f, err := ParseFilter("invitations", ""); err != nil || f.RowID != "" {
		t.Fatalf("table-only filter: %+v err=%v", f, err)
	}
}
