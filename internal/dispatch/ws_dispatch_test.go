package dispatch

import (
	"sync"
	"testing"

	"github.com/example/mandado-dispatch/internal/models"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []models.Event
	closed bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v.(models.Event))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) events() []models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Event, len(f.sent))
	copy(out, f.sent)
	return out
}

func courier(id string) models.Identity { return models.Identity{ID: id, Role: models.RoleCourier} }
func customer(id string) models.Identity {
	return models.Identity{ID: id, Role: models.RoleCustomer}
}

func TestBroadcastReachesOnlyCouriers(t *testing.T) {
	r := NewRegistry(nil)
	c1, c2, cust := &fakeConn{}, &fakeConn{}, &fakeConn{}
	r.Register(c1, courier("d1"))
	r.Register(c2, courier("d2"))
	r.Register(cust, customer("u1"))

	r.BroadcastToCouriers(models.NewEvent(models.EventNewOrder, nil))

	if len(c1.events()) != 1 || len(c2.events()) != 1 {
		t.Fatalf("couriers missed the broadcast: %d %d", len(c1.events()), len(c2.events()))
	}
	if len(cust.events()) != 0 {
		t.Fatalf("customer received a courier broadcast")
	}
}

func TestBroadcastSkipsUnavailableCouriers(t *testing.T) {
	r := NewRegistry(nil)
	c1, c2 := &fakeConn{}, &fakeConn{}
	r.Register(c1, courier("d1"))
	r.Register(c2, courier("d2"))
	r.SetAvailable("d2", false)

	r.BroadcastToCouriers(models.NewEvent(models.EventNewOrder, nil))

	if len(c1.events()) != 1 {
		t.Fatalf("available courier missed the broadcast")
	}
	if len(c2.events()) != 0 {
		t.Fatalf("unavailable courier received a broadcast")
	}

	// individual notifications still get through
	if !r.NotifyIdentity("d2", models.NewEvent(models.EventStatusChanged, nil)) {
		t.Fatal("unavailable courier should still be individually reachable")
	}
	if len(c2.events()) != 1 {
		t.Fatalf("individual notify did not reach unavailable courier")
	}
}

func TestNotifyOfflineIsNotAnError(t *testing.T) {
	r := NewRegistry(nil)
	if r.NotifyIdentity("ghost", models.NewEvent(models.EventTest, nil)) {
		t.Fatal("expected not-delivered for unregistered identity")
	}
}

func TestRegisterSupersedesPriorConnection(t *testing.T) {
	r := NewRegistry(nil)
	old, fresh := &fakeConn{}, &fakeConn{}
	r.Register(old, courier("d1"))
	r.Register(fresh, courier("d1"))

	if !old.closed {
		t.Fatal("superseded connection was not closed")
	}
	r.NotifyIdentity("d1", models.NewEvent(models.EventTest, nil))
	if len(old.events()) != 0 || len(fresh.events()) != 1 {
		t.Fatalf("delivery went to the stale connection")
	}
	if r.Connected() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Connected())
	}

	// unregistering the stale conn must not evict the fresh session
	r.Unregister(old)
	if !r.NotifyIdentity("d1", models.NewEvent(models.EventTest, nil)) {
		t.Fatal("fresh session was evicted by stale unregister")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	c := &fakeConn{}
	r.Register(c, courier("d1"))
	r.Unregister(c)
	r.Unregister(c)
	if r.Connected() != 0 {
		t.Fatalf("expected 0 sessions, got %d", r.Connected())
	}
	if r.NotifyIdentity("d1", models.NewEvent(models.EventTest, nil)) {
		t.Fatal("unregistered identity should be unreachable")
	}
}

func TestPerConnectionFIFO(t *testing.T) {
	r := NewRegistry(nil)
	c := &fakeConn{}
	r.Register(c, courier("d1"))

	for i := 0; i < 50; i++ {
		r.NotifyIdentity("d1", models.NewEvent(models.EventStatusChanged, map[string]any{"seq": i}))
	}
	evs := c.events()
	if len(evs) != 50 {
		t.Fatalf("expected 50 events, got %d", len(evs))
	}
	for i, ev := range evs {
		if ev.Payload["seq"] != i {
			t.Fatalf("event %d out of order: %v", i, ev.Payload["seq"])
		}
	}
}

func TestConcurrentRegistryAccess(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &fakeConn{}
			id := courier(string(rune('a' + i)))
			r.Register(c, id)
			r.BroadcastToCouriers(models.NewEvent(models.EventNewOrder, nil))
			r.NotifyIdentity(id.ID, models.NewEvent(models.EventTest, nil))
			r.Unregister(c)
		}(i)
	}
	wg.Wait()
	if r.Connected() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Connected())
	}
}

func TestMultiSinkReportsAnyDelivery(t *testing.T) {
	r := NewRegistry(nil)
	c := &fakeConn{}
	r.Register(c, courier("d1"))
	m := MultiSink{&nopSink{}, r}

	if !m.NotifyIdentity("d1", models.NewEvent(models.EventTest, nil)) {
		t.Fatal("expected delivery through the registry sink")
	}
	if m.NotifyIdentity("ghost", models.NewEvent(models.EventTest, nil)) {
		t.Fatal("no sink reached the recipient")
	}
}

type nopSink struct{}

func (n *nopSink) BroadcastToCouriers(ev models.Event) {}

func (n *nopSink) NotifyIdentity(id string, ev models.Event) bool { return false }
