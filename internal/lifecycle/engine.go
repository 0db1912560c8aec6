package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/mandado-dispatch/internal/models"
	"github.com/example/mandado-dispatch/internal/observability"
	"github.com/example/mandado-dispatch/internal/storage"
)

// EventSink receives the domain events the engine publishes. The websocket
// registry is one implementation; an audit logger is another. NotifyIdentity
// reports whether delivery was attempted — an offline recipient is a normal
// outcome, not an error.
type EventSink interface {
	BroadcastToCouriers(ev models.Event)
	NotifyIdentity(identityID string, ev models.Event) bool
}

// Engine owns every write to an order's state. All transitions go through
// here; no other code path may mutate state, courier binding, or ratings.
type Engine struct {
	Store    storage.OrderStore
	Events   EventSink
	MinPrice int64
	Now      func() time.Time
}

func NewEngine(store storage.OrderStore, sink EventSink, minPrice int64) *Engine {
	return &Engine{Store: store, Events: sink, MinPrice: minPrice, Now: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateInput carries the immutable fields of a new order.
type CreateInput struct {
	Description  string          `json:"description"`
	Category     models.Category `json:"category"`
	PriceOffered int64           `json:"price_offered"`
	Pickup       models.Place    `json:"pickup"`
	Delivery     models.Place    `json:"delivery"`
	Deadline     time.Time       `json:"deadline"`
}

// Create validates the input, persists a pending order, and announces it to
// the courier broadcast channel.
func (e *Engine) Create(ctx context.Context, requester models.Identity, in CreateInput) (*models.Order, error) {
	if in.Description == "" {
		return nil, &models.ValidationError{Msg: "description is required"}
	}
	if in.PriceOffered < e.MinPrice {
		return nil, &models.ValidationError{Msg: fmt.Sprintf("price offered must be at least %d", e.MinPrice)}
	}
	if !in.Category.Valid() {
		return nil, &models.ValidationError{Msg: "unknown category " + string(in.Category)}
	}
	if in.Pickup.Address == "" || in.Delivery.Address == "" {
		return nil, &models.ValidationError{Msg: "pickup and delivery addresses are required"}
	}
	now := e.now()
	if !in.Deadline.After(now) {
		return nil, &models.ValidationError{Msg: "deadline must be in the future"}
	}

	o := &models.Order{
		ID:           uuid.NewString(),
		Description:  in.Description,
		Category:     in.Category,
		PriceOffered: in.PriceOffered,
		Pickup:       in.Pickup,
		Delivery:     in.Delivery,
		Deadline:     in.Deadline,
		RequesterID:  requester.ID,
		State:        models.StatePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Store.Insert(ctx, o); err != nil {
		return nil, err
	}
	observability.OrdersCreatedTotal.Inc()
	e.Events.BroadcastToCouriers(models.NewEvent(models.EventNewOrder, map[string]any{
		"order_id":      o.ID,
		"category":      o.Category,
		"price_offered": o.PriceOffered,
		"pickup":        o.Pickup.Address,
	}))
	return o, nil
}

// Accept binds a courier to a pending order. The store's compare-and-set is
// the sole arbiter of the race: of N concurrent callers exactly one wins and
// the rest get a ConflictError. The engine never retries a lost race.
func (e *Engine) Accept(ctx context.Context, orderID string, courier models.Identity) (*models.Order, error) {
	if courier.Role != models.RoleCourier {
		return nil, &models.AuthorizationError{Msg: "only couriers can accept orders"}
	}
	o, err := e.Store.AcceptOrder(ctx, orderID, courier.ID, e.now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, &models.NotFoundError{Msg: "order " + orderID}
		case errors.Is(err, storage.ErrPreconditionFailed):
			observability.AcceptConflictsTotal.Inc()
			return nil, &models.ConflictError{Msg: "order already accepted or no longer pending"}
		default:
			return nil, err
		}
	}
	observability.OrdersAcceptedTotal.Inc()
	e.notifyStatus(o)
	return o, nil
}

// Advance moves the order to the single next state in the delivery sequence.
// Only the assigned courier may advance, and skipping or moving backward is
// a conflict, not a validation failure: the input names a real state, the
// order just is not there.
func (e *Engine) Advance(ctx context.Context, orderID string, courier models.Identity, target models.OrderState) (*models.Order, error) {
	if courier.Role != models.RoleCourier {
		return nil, &models.AuthorizationError{Msg: "only couriers can advance orders"}
	}
	if !target.Valid() {
		return nil, &models.ValidationError{Msg: "unknown state " + string(target)}
	}
	o, err := e.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.CourierID != courier.ID {
		return nil, &models.ConflictError{Msg: "caller is not the assigned courier"}
	}
	next, ok := o.State.Next()
	if !ok || next != target {
		return nil, &models.ConflictError{Msg: fmt.Sprintf("cannot advance from %s to %s", o.State, target)}
	}

	now := e.now()
	patch := storage.OrderPatch{State: &target}
	switch target {
	case models.StateEnRoute:
		patch.EnRouteAt = &now
	case models.StateCompleted:
		patch.CompletedAt = &now
	}
	updated, err := e.Store.ConditionalUpdate(ctx, orderID, o.State, patch)
	if err != nil {
		return nil, e.mapUpdateErr(err, orderID, "state changed concurrently")
	}
	if target == models.StateCompleted {
		observability.OrdersCompletedTotal.Inc()
	}
	e.notifyStatus(updated)
	return updated, nil
}

// Cancel moves any non-terminal order to cancelled. The courier binding is
// released for matching purposes but kept as PreviousCourierID for audit.
// Cancelling a terminal order is a conflict so stale UIs notice.
func (e *Engine) Cancel(ctx context.Context, orderID string, caller models.Identity) (*models.Order, error) {
	o, err := e.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if caller.Role != models.RoleAdmin && (o.CourierID == "" || o.CourierID != caller.ID) {
		return nil, &models.AuthorizationError{Msg: "only the assigned courier or an administrator can cancel"}
	}
	if o.State.Terminal() {
		return nil, &models.ConflictError{Msg: "order is already " + string(o.State)}
	}

	cancelled := models.StateCancelled
	cleared := ""
	patch := storage.OrderPatch{State: &cancelled, CourierID: &cleared}
	if o.CourierID != "" {
		prev := o.CourierID
		patch.PreviousCourierID = &prev
	}
	updated, err := e.Store.ConditionalUpdate(ctx, orderID, o.State, patch)
	if err != nil {
		return nil, e.mapUpdateErr(err, orderID, "state changed concurrently")
	}
	observability.OrdersCancelledTotal.Inc()
	e.notifyStatus(updated)
	if o.CourierID != "" && o.CourierID != caller.ID {
		e.Events.NotifyIdentity(o.CourierID, statusEvent(updated))
	}
	return updated, nil
}

// Rate records one party's review of the other on a completed order. Each
// party rates once; the first recorded rating is never overwritten.
func (e *Engine) Rate(ctx context.Context, orderID string, rater models.Identity, score int, comment string) (*models.Order, error) {
	o, err := e.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.State != models.StateCompleted {
		return nil, &models.ConflictError{Msg: "only completed orders can be rated"}
	}

	rating := models.Rating{Score: score, Comment: comment, RatedAt: e.now()}
	var patch storage.OrderPatch
	switch rater.ID {
	case o.RequesterID:
		if o.RequesterRating != nil {
			return nil, &models.ValidationError{Msg: "requester already rated this order"}
		}
		patch.RequesterRating = &rating
	case o.CourierID:
		if o.CourierRating != nil {
			return nil, &models.ValidationError{Msg: "courier already rated this order"}
		}
		patch.CourierRating = &rating
	default:
		return nil, &models.AuthorizationError{Msg: "only the requester or the assigned courier can rate"}
	}
	if score < 1 || score > 5 {
		return nil, &models.ValidationError{Msg: "rating must be between 1 and 5"}
	}

	updated, err := e.Store.ConditionalUpdate(ctx, orderID, models.StateCompleted, patch)
	if err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			// Lost a race with the same party's other device.
			return nil, &models.ValidationError{Msg: "order already rated"}
		}
		return nil, e.mapUpdateErr(err, orderID, "")
	}
	return updated, nil
}

func (e *Engine) findOrder(ctx context.Context, orderID string) (*models.Order, error) {
	o, err := e.Store.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &models.NotFoundError{Msg: "order " + orderID}
		}
		return nil, err
	}
	return o, nil
}

func (e *Engine) mapUpdateErr(err error, orderID, conflictMsg string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &models.NotFoundError{Msg: "order " + orderID}
	case errors.Is(err, storage.ErrPreconditionFailed):
		if conflictMsg == "" {
			conflictMsg = "order state changed concurrently"
		}
		return &models.ConflictError{Msg: conflictMsg}
	default:
		return err
	}
}

func (e *Engine) notifyStatus(o *models.Order) {
	e.Events.NotifyIdentity(o.RequesterID, statusEvent(o))
}

func statusEvent(o *models.Order) models.Event {
	return models.NewEvent(models.EventStatusChanged, map[string]any{
		"order_id":   o.ID,
		"state":      o.State,
		"courier_id": o.CourierID,
	})
}
