package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/mandado-dispatch/internal/models"
)

var (
	// ErrNotFound means the order id does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrPreconditionFailed means the guarded update found the order in a
	// different state than expected. The lifecycle engine maps this to the
	// caller-facing conflict taxonomy.
	ErrPreconditionFailed = errors.New("order precondition failed")
)

// OrderPatch is the set of fields a conditional update may change. Nil
// pointers are left untouched; an empty-string CourierID clears the column.
type OrderPatch struct {
	State             *models.OrderState
	CourierID         *string
	PreviousCourierID *string
	AcceptedAt        *time.Time
	EnRouteAt         *time.Time
	CompletedAt       *time.Time
	RequesterRating   *models.Rating
	CourierRating     *models.Rating
}

// OrderFilter narrows Find results. Zero values match everything.
type OrderFilter struct {
	States        []models.OrderState
	RequesterID   string
	CourierID     string
	DeadlineAfter *time.Time
	Limit         int
}

// OrderStore defines persistence operations for orders. AcceptOrder and
// ConditionalUpdate must be atomic compare-and-set operations; a backend
// that can only read-modify-write is not sufficient for this core.
type OrderStore interface {
	Insert(ctx context.Context, o *models.Order) error
	FindByID(ctx context.Context, id string) (*models.Order, error)
	Find(ctx context.Context, f OrderFilter) ([]*models.Order, error)

	// AcceptOrder binds a courier iff the order is still pending and
	// unassigned. Exactly one of N concurrent callers wins; the rest get
	// ErrPreconditionFailed.
	AcceptOrder(ctx context.Context, id, courierID string, at time.Time) (*models.Order, error)

	// ConditionalUpdate applies the patch iff the order is currently in
	// the expected state. When the patch carries a rating, the matching
	// rating column must also still be unset.
	ConditionalUpdate(ctx context.Context, id string, expected models.OrderState, patch OrderPatch) (*models.Order, error)
}

type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*models.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*models.Order)}
}

func (m *MemoryStore) Insert(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryStore) Find(ctx context.Context, f OrderFilter) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Order, 0)
	for _, o := range m.orders {
		if !matches(o, f) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AcceptOrder(ctx context.Context, id, courierID string, at time.Time) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.State != models.StatePending || o.CourierID != "" {
		return nil, ErrPreconditionFailed
	}
	o.State = models.StateAccepted
	o.CourierID = courierID
	t := at
	o.AcceptedAt = &t
	o.UpdatedAt = at
	return cloneOrder(o), nil
}

func (m *MemoryStore) ConditionalUpdate(ctx context.Context, id string, expected models.OrderState, patch OrderPatch) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.State != expected {
		return nil, ErrPreconditionFailed
	}
	if patch.RequesterRating != nil && o.RequesterRating != nil {
		return nil, ErrPreconditionFailed
	}
	if patch.CourierRating != nil && o.CourierRating != nil {
		return nil, ErrPreconditionFailed
	}
	if patch.State != nil {
		o.State = *patch.State
	}
	if patch.CourierID != nil {
		o.CourierID = *patch.CourierID
	}
	if patch.PreviousCourierID != nil {
		o.PreviousCourierID = *patch.PreviousCourierID
	}
	if patch.AcceptedAt != nil {
		o.AcceptedAt = patch.AcceptedAt
	}
	if patch.EnRouteAt != nil {
		o.EnRouteAt = patch.EnRouteAt
	}
	if patch.CompletedAt != nil {
		o.CompletedAt = patch.CompletedAt
	}
	if patch.RequesterRating != nil {
		r := *patch.RequesterRating
		o.RequesterRating = &r
	}
	if patch.CourierRating != nil {
		r := *patch.CourierRating
		o.CourierRating = &r
	}
	o.UpdatedAt = time.Now()
	return cloneOrder(o), nil
}

func matches(o *models.Order, f OrderFilter) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if o.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RequesterID != "" && o.RequesterID != f.RequesterID {
		return false
	}
	if f.CourierID != "" && o.CourierID != f.CourierID {
		return false
	}
	if f.DeadlineAfter != nil && !o.Deadline.After(*f.DeadlineAfter) {
		return false
	}
	return true
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	c.AcceptedAt = cloneTime(o.AcceptedAt)
	c.EnRouteAt = cloneTime(o.EnRouteAt)
	c.CompletedAt = cloneTime(o.CompletedAt)
	if o.RequesterRating != nil {
		r := *o.RequesterRating
		c.RequesterRating = &r
	}
	if o.CourierRating != nil {
		r := *o.CourierRating
		c.CourierRating = &r
	}
	if o.Pickup.Coord != nil {
		p := *o.Pickup.Coord
		c.Pickup.Coord = &p
	}
	if o.Delivery.Coord != nil {
		p := *o.Delivery.Coord
		c.Delivery.Coord = &p
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
