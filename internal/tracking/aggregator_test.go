package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/mandado-dispatch/internal/location"
	"github.com/example/mandado-dispatch/internal/models"
	"github.com/example/mandado-dispatch/internal/storage"
)

func newAggregator(t *testing.T) (*Aggregator, *storage.MemoryStore, *location.MemoryRegistry) {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := location.NewMemoryRegistry()
	a := &Aggregator{
		Store:         store,
		Locations:     reg,
		StaleAfter:    45 * time.Second,
		AvgSpeedMps:   7,
		MinETAMinutes: 5,
	}
	return a, store, reg
}

func seedOrder(t *testing.T, store *storage.MemoryStore, courierID string) *models.Order {
	t.Helper()
	o := &models.Order{
		ID:          "o1",
		Description: "package",
		Category:    models.CategoryOther,
		RequesterID: "cust-1",
		State:       models.StatePending,
		Delivery:    models.Place{Address: "Carrera 9", Coord: &models.Coord{Lat: 4.60, Lng: -74.08}},
		Deadline:    time.Now().Add(time.Hour),
		CreatedAt:   time.Now(),
	}
	if err := store.Insert(context.Background(), o); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if courierID != "" {
		got, err := store.AcceptOrder(context.Background(), o.ID, courierID, time.Now())
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		return got
	}
	return o
}

func TestViewAuthorization(t *testing.T) {
	a, store, _ := newAggregator(t)
	seedOrder(t, store, "cour-1")
	ctx := context.Background()

	allowed := []models.Identity{
		{ID: "cust-1", Role: models.RoleCustomer},
		{ID: "cour-1", Role: models.RoleCourier},
		{ID: "boss", Role: models.RoleAdmin},
	}
	for _, id := range allowed {
		if _, err := a.View(ctx, "o1", id); err != nil {
			t.Fatalf("%s should be allowed: %v", id.ID, err)
		}
	}

	_, err := a.View(ctx, "o1", models.Identity{ID: "stranger", Role: models.RoleCustomer})
	var ae *models.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}

func TestViewNoCourierNoETA(t *testing.T) {
	a, store, _ := newAggregator(t)
	seedOrder(t, store, "")
	v, err := a.View(context.Background(), "o1", models.Identity{ID: "cust-1", Role: models.RoleCustomer})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if v.Courier != nil || v.ETAMinutes != nil {
		t.Fatalf("pending order must have no courier position or ETA: %+v", v)
	}
}

func TestViewCourierNeverReported(t *testing.T) {
	a, store, _ := newAggregator(t)
	seedOrder(t, store, "cour-1")
	v, err := a.View(context.Background(), "o1", models.Identity{ID: "cust-1", Role: models.RoleCustomer})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if v.Courier != nil || v.ETAMinutes != nil || v.Stale {
		t.Fatalf("unreported courier must yield empty position: %+v", v)
	}
}

func TestStaleFlagIgnoresProximity(t *testing.T) {
	a, store, reg := newAggregator(t)
	o := seedOrder(t, store, "cour-1")
	ctx := context.Background()

	// courier parked on the destination, but the reading is a minute old
	if err := reg.UpdateLocation(ctx, "cour-1", o.Delivery.Coord.Lat, o.Delivery.Coord.Lng); err != nil {
		t.Fatalf("update: %v", err)
	}
	a.Now = func() time.Time { return time.Now().Add(time.Minute) }

	v, err := a.View(ctx, "o1", models.Identity{ID: "cust-1", Role: models.RoleCustomer})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if !v.Stale {
		t.Fatal("expected stale=true regardless of proximity")
	}
}

func TestETAFloorAndRounding(t *testing.T) {
	a, store, reg := newAggregator(t)
	o := seedOrder(t, store, "cour-1")
	ctx := context.Background()
	caller := models.Identity{ID: "cust-1", Role: models.RoleCustomer}

	// right next to the destination: floored at the minimum
	if err := reg.UpdateLocation(ctx, "cour-1", o.Delivery.Coord.Lat+0.0001, o.Delivery.Coord.Lng); err != nil {
		t.Fatalf("update: %v", err)
	}
	v, err := a.View(ctx, "o1", caller)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if v.ETAMinutes == nil || *v.ETAMinutes != 5 {
		t.Fatalf("expected floor of 5 minutes, got %v", v.ETAMinutes)
	}
	if v.Stale {
		t.Fatal("fresh reading flagged stale")
	}

	// ~0.1 degree of latitude is ~11.1km; at 7 m/s that is ~26 minutes
	if err := reg.UpdateLocation(ctx, "cour-1", o.Delivery.Coord.Lat+0.1, o.Delivery.Coord.Lng); err != nil {
		t.Fatalf("update: %v", err)
	}
	v, err = a.View(ctx, "o1", caller)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if v.ETAMinutes == nil || *v.ETAMinutes < 24 || *v.ETAMinutes > 29 {
		t.Fatalf("expected ~26 minutes, got %v", v.ETAMinutes)
	}
}

func TestViewUnknownOrder(t *testing.T) {
	a, _, _ := newAggregator(t)
	_, err := a.View(context.Background(), "missing", models.Identity{ID: "x", Role: models.RoleAdmin})
	var nf *models.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
