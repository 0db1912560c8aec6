package tracking

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/example/mandado-dispatch/internal/eta"
	"github.com/example/mandado-dispatch/internal/location"
	"github.com/example/mandado-dispatch/internal/models"
	"github.com/example/mandado-dispatch/internal/storage"
)

// Aggregator builds the read-time tracking snapshot for an order: the
// delivery destination, the assigned courier's last reported position, a
// staleness verdict, and an ETA. It never mutates anything; staleness is a
// classification, not a trigger.
type Aggregator struct {
	Store     storage.OrderStore
	Locations location.Registry

	StaleAfter    time.Duration
	AvgSpeedMps   float64
	MinETAMinutes int

	ETAClient eta.Client // optional routing engine
	ETACache  *eta.Cache // optional
	Now       func() time.Time
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// View returns the tracking snapshot. Only the requester, the assigned
// courier, or an administrator may look.
func (a *Aggregator) View(ctx context.Context, orderID string, caller models.Identity) (*models.TrackingView, error) {
	o, err := a.Store.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &models.NotFoundError{Msg: "order " + orderID}
		}
		return nil, err
	}
	if caller.Role != models.RoleAdmin && caller.ID != o.RequesterID && (o.CourierID == "" || caller.ID != o.CourierID) {
		return nil, &models.AuthorizationError{Msg: "not a participant of this order"}
	}

	view := &models.TrackingView{
		OrderID:     o.ID,
		State:       o.State,
		Destination: o.Delivery.Coord,
	}
	if o.CourierID == "" {
		return view, nil
	}

	loc, err := a.Locations.Location(ctx, o.CourierID)
	if err != nil {
		if errors.Is(err, location.ErrNoLocation) {
			// assigned but never reported: no position, no ETA
			return view, nil
		}
		return nil, err
	}

	now := a.now()
	view.Courier = &models.Coord{Lat: loc.Lat, Lng: loc.Lng}
	reported := loc.UpdatedAt
	view.ReportedAt = &reported
	view.Stale = loc.StaleAfter(a.StaleAfter, now)

	if o.Delivery.Coord != nil {
		minutes := a.etaMinutes(*view.Courier, *o.Delivery.Coord)
		view.ETAMinutes = &minutes
	}
	return view, nil
}

func (a *Aggregator) etaMinutes(from, to models.Coord) int {
	var seconds float64
	if a.ETACache != nil {
		if v, ok := a.ETACache.Get(from, to); ok {
			seconds = v
		}
	}
	if seconds == 0 {
		if a.ETAClient != nil {
			if v, err := a.ETAClient.EstimateSeconds(from, to); err == nil {
				seconds = v
				if a.ETACache != nil {
					a.ETACache.Set(from, to, v)
				}
			}
		}
		if seconds == 0 {
			seconds = eta.EstimateSeconds(from, to, a.AvgSpeedMps)
		}
	}
	minutes := int(math.Round(seconds / 60))
	if minutes < a.MinETAMinutes {
		minutes = a.MinETAMinutes
	}
	return minutes
}
