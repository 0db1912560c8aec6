package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/mandado-dispatch/internal/models"
	"github.com/example/mandado-dispatch/internal/storage"
)

// recordSink captures published events for assertions.
type recordSink struct {
	mu         sync.Mutex
	broadcasts []models.Event
	notified   map[string][]models.Event
}

func newRecordSink() *recordSink {
	return &recordSink{notified: make(map[string][]models.Event)}
}

func (s *recordSink) BroadcastToCouriers(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, ev)
}

func (s *recordSink) NotifyIdentity(id string, ev models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified[id] = append(s.notified[id], ev)
	return true
}

var (
	requester = models.Identity{ID: "cust-1", Role: models.RoleCustomer}
	courierX  = models.Identity{ID: "cour-x", Role: models.RoleCourier}
	courierY  = models.Identity{ID: "cour-y", Role: models.RoleCourier}
	admin     = models.Identity{ID: "adm-1", Role: models.RoleAdmin}
)

func newTestEngine() (*Engine, *recordSink) {
	sink := newRecordSink()
	return NewEngine(storage.NewMemoryStore(), sink, 1000), sink
}

func validInput() CreateInput {
	return CreateInput{
		Description:  "pick up a package",
		Category:     models.CategoryDocuments,
		PriceOffered: 5000,
		Pickup:       models.Place{Address: "Calle 1 #2-3"},
		Delivery:     models.Place{Address: "Carrera 9 #8-7", Coord: &models.Coord{Lat: 4.6, Lng: -74.08}},
		Deadline:     time.Now().Add(2 * time.Hour),
	}
}

func TestCreateValidation(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"empty description", func(in *CreateInput) { in.Description = "" }},
		{"price below minimum", func(in *CreateInput) { in.PriceOffered = 999 }},
		{"bad category", func(in *CreateInput) { in.Category = "groceries" }},
		{"past deadline", func(in *CreateInput) { in.Deadline = time.Now().Add(-time.Minute) }},
		{"missing pickup address", func(in *CreateInput) { in.Pickup.Address = "" }},
	}
	for _, tc := range cases {
		in := validInput()
		tc.mutate(&in)
		_, err := e.Create(ctx, requester, in)
		var ve *models.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}
}

func TestCreateBroadcastsNewOrder(t *testing.T) {
	e, sink := newTestEngine()
	o, err := e.Create(context.Background(), requester, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.State != models.StatePending {
		t.Fatalf("expected pending, got %s", o.State)
	}
	if len(sink.broadcasts) != 1 || sink.broadcasts[0].Kind != models.EventNewOrder {
		t.Fatalf("expected one new_order broadcast, got %+v", sink.broadcasts)
	}
	if sink.broadcasts[0].Payload["order_id"] != o.ID {
		t.Fatalf("broadcast carries wrong order id")
	}
}

func TestAcceptRequiresCourierRole(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	o, _ := e.Create(ctx, requester, validInput())
	_, err := e.Accept(ctx, o.ID, requester)
	var ae *models.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}

func TestAtMostOneAcceptance(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	o, err := e.Create(ctx, requester, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := models.Identity{ID: fmt.Sprintf("cour-%d", i), Role: models.RoleCourier}
			_, errs[i] = e.Accept(ctx, o.ID, c)
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
			winner = i
		default:
			var ce *models.ConflictError
			if !errors.As(err, &ce) {
				t.Fatalf("accept %d: expected ConflictError, got %v", i, err)
			}
			conflicts++
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
	got, err := e.Store.FindByID(ctx, o.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.CourierID != fmt.Sprintf("cour-%d", winner) {
		t.Fatalf("final courier %q does not match winner %d", got.CourierID, winner)
	}
	if got.AcceptedAt == nil {
		t.Fatal("accepted_at not set")
	}
}

func TestAdvanceStrictSequence(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	o, _ := e.Create(ctx, requester, validInput())
	if _, err := e.Accept(ctx, o.ID, courierX); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// skipping a state is a conflict
	if _, err := e.Advance(ctx, o.ID, courierX, models.StateCompleted); !isConflict(err) {
		t.Fatalf("expected ConflictError on skip, got %v", err)
	}
	// a stranger cannot advance
	if _, err := e.Advance(ctx, o.ID, courierY, models.StateEnRoute); !isConflict(err) {
		t.Fatalf("expected ConflictError for non-assigned courier, got %v", err)
	}

	got, err := e.Advance(ctx, o.ID, courierX, models.StateEnRoute)
	if err != nil {
		t.Fatalf("advance en_route: %v", err)
	}
	if got.EnRouteAt == nil {
		t.Fatal("en_route_at not set")
	}
	// moving backward is a conflict
	if _, err := e.Advance(ctx, o.ID, courierX, models.StateAccepted); !isConflict(err) {
		t.Fatalf("expected ConflictError on backward move, got %v", err)
	}

	if _, err := e.Advance(ctx, o.ID, courierX, models.StateInProgress); err != nil {
		t.Fatalf("advance in_progress: %v", err)
	}
	got, err = e.Advance(ctx, o.ID, courierX, models.StateCompleted)
	if err != nil {
		t.Fatalf("advance completed: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if got.CompletedAt.Before(*got.AcceptedAt) {
		t.Fatal("completed_at precedes accepted_at")
	}
	// terminal state cannot advance
	if _, err := e.Advance(ctx, o.ID, courierX, models.StateCompleted); !isConflict(err) {
		t.Fatalf("expected ConflictError advancing a completed order, got %v", err)
	}
}

func TestCancelClearsCourierKeepsAudit(t *testing.T) {
	e, sink := newTestEngine()
	ctx := context.Background()
	o, _ := e.Create(ctx, requester, validInput())
	if _, err := e.Accept(ctx, o.ID, courierX); err != nil {
		t.Fatalf("accept: %v", err)
	}

	got, err := e.Cancel(ctx, o.ID, courierX)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != models.StateCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}
	if got.CourierID != "" {
		t.Fatalf("courier not released: %q", got.CourierID)
	}
	if got.PreviousCourierID != courierX.ID {
		t.Fatalf("audit trail lost: previous=%q", got.PreviousCourierID)
	}
	if len(sink.notified[requester.ID]) == 0 {
		t.Fatal("requester not notified of cancellation")
	}

	// cancelling again must fail loudly, not silently succeed
	if _, err := e.Cancel(ctx, o.ID, admin); !isConflict(err) {
		t.Fatalf("expected ConflictError on terminal cancel, got %v", err)
	}
}

func TestCancelAuthorization(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	o, _ := e.Create(ctx, requester, validInput())
	if _, err := e.Accept(ctx, o.ID, courierX); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// a courier who does not hold the assignment cannot cancel
	_, err := e.Cancel(ctx, o.ID, courierY)
	var ae *models.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
	// an administrator can
	if _, err := e.Cancel(ctx, o.ID, admin); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
}

func TestRateLifecycle(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	o, _ := e.Create(ctx, requester, validInput())

	// not completed yet
	if _, err := e.Rate(ctx, o.ID, requester, 5, "great"); !isConflict(err) {
		t.Fatalf("expected ConflictError rating a pending order, got %v", err)
	}

	mustComplete(t, e, o.ID, courierX)

	// stranger cannot rate
	_, err := e.Rate(ctx, o.ID, courierY, 4, "")
	var ae *models.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
	// out-of-range score
	if _, err := e.Rate(ctx, o.ID, requester, 6, ""); !isValidation(err) {
		t.Fatalf("expected ValidationError for score 6, got %v", err)
	}

	got, err := e.Rate(ctx, o.ID, requester, 5, "great")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if got.RequesterRating == nil || got.RequesterRating.Score != 5 {
		t.Fatalf("requester rating not recorded: %+v", got.RequesterRating)
	}
	// second rating from same party fails, first stays intact
	if _, err := e.Rate(ctx, o.ID, requester, 1, "changed my mind"); !isValidation(err) {
		t.Fatalf("expected ValidationError on repeat rating, got %v", err)
	}
	got, _ = e.Store.FindByID(ctx, o.ID)
	if got.RequesterRating.Score != 5 || got.RequesterRating.Comment != "great" {
		t.Fatalf("first rating was modified: %+v", got.RequesterRating)
	}

	// the courier rates independently
	if _, err := e.Rate(ctx, o.ID, courierX, 4, "smooth handoff"); err != nil {
		t.Fatalf("courier rate: %v", err)
	}
	got, _ = e.Store.FindByID(ctx, o.ID)
	if got.CourierRating == nil || got.CourierRating.Score != 4 {
		t.Fatalf("courier rating not recorded: %+v", got.CourierRating)
	}
}

func TestEndToEndScenario(t *testing.T) {
	e, sink := newTestEngine()
	ctx := context.Background()

	o, err := e.Create(ctx, requester, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.Accept(ctx, o.ID, courierX); err != nil {
		t.Fatalf("accept X: %v", err)
	}
	if _, err := e.Accept(ctx, o.ID, courierY); !isConflict(err) {
		t.Fatalf("expected ConflictError for Y, got %v", err)
	}
	if _, err := e.Advance(ctx, o.ID, courierX, models.StateEnRoute); err != nil {
		t.Fatalf("en_route: %v", err)
	}
	if _, err := e.Advance(ctx, o.ID, courierX, models.StateInProgress); err != nil {
		t.Fatalf("in_progress: %v", err)
	}
	got, err := e.Advance(ctx, o.ID, courierX, models.StateCompleted)
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if _, err := e.Rate(ctx, o.ID, requester, 5, "great"); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if _, err := e.Rate(ctx, o.ID, requester, 5, "great"); !isValidation(err) {
		t.Fatalf("expected ValidationError on second rate, got %v", err)
	}
	// requester heard about every transition
	if len(sink.notified[requester.ID]) < 4 {
		t.Fatalf("expected status notifications for each transition, got %d", len(sink.notified[requester.ID]))
	}
}

func TestNotFound(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	var nf *models.NotFoundError
	if _, err := e.Accept(ctx, "nope", courierX); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if _, err := e.Cancel(ctx, "nope", admin); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func mustComplete(t *testing.T, e *Engine, orderID string, c models.Identity) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.Accept(ctx, orderID, c); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for _, s := range []models.OrderState{models.StateEnRoute, models.StateInProgress, models.StateCompleted} {
		if _, err := e.Advance(ctx, orderID, c, s); err != nil {
			t.Fatalf("advance %s: %v", s, err)
		}
	}
}

func isConflict(err error) bool {
	var ce *models.ConflictError
	return errors.As(err, &ce)
}

func isValidation(err error) bool {
	var ve *models.ValidationError
	return errors.As(err, &ve)
}
