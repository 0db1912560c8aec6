package match

import (
	"context"
	"sort"
	"time"

	"github.com/example/mandado-dispatch/internal/eta"
	"github.com/example/mandado-dispatch/internal/location"
	"github.com/example/mandado-dispatch/internal/models"
)

// Candidate is an available courier ranked by estimated time to a pickup
// point. Couriers are never auto-assigned — acceptance stays with the
// courier — but dispatchers and requesters can see who is plausibly close.
type Candidate struct {
	CourierID  string       `json:"courier_id"`
	Location   models.Coord `json:"location"`
	ETASeconds float64      `json:"eta_seconds"`
}

type Service struct {
	Locations       location.Registry
	DefaultSpeedMps float64
	TopN            int
	StaleAfter      time.Duration
	ETAClient       eta.Client // optional routing engine
	ETACache        *eta.Cache // optional
	Now             func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Rank returns available couriers with fresh locations, closest-first by
// ETA to the pickup point.
func (s *Service) Rank(ctx context.Context, pickup models.Coord) ([]Candidate, error) {
	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	locs, err := s.Locations.Nearby(ctx, pickup.Lat, pickup.Lng, topN)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]Candidate, 0, len(locs))
	for _, l := range locs {
		if s.StaleAfter > 0 && l.StaleAfter(s.StaleAfter, now) {
			continue
		}
		from := models.Coord{Lat: l.Lat, Lng: l.Lng}
		out = append(out, Candidate{
			CourierID:  l.CourierID,
			Location:   from,
			ETASeconds: s.estimate(from, pickup),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ETASeconds < out[j].ETASeconds })
	return out, nil
}

func (s *Service) estimate(from, to models.Coord) float64 {
	if s.ETACache != nil {
		if v, ok := s.ETACache.Get(from, to); ok {
			return v
		}
	}
	if s.ETAClient != nil {
		if v, err := s.ETAClient.EstimateSeconds(from, to); err == nil {
			if s.ETACache != nil {
				s.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, s.DefaultSpeedMps)
}
