package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is an address plus optional geocoded coordinates. Orders created
// from the mobile client usually carry coordinates; web orders may not.
type Place struct {
	Address string `json:"address"`
	Coord   *Coord `json:"coord,omitempty"`
}

type Category string

const (
	CategoryDocuments Category = "documents"
	CategoryFood      Category = "food"
	CategoryPharmacy  Category = "pharmacy"
	CategoryMarket    Category = "market"
	CategoryOther     Category = "other"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryDocuments, CategoryFood, CategoryPharmacy, CategoryMarket, CategoryOther:
		return true
	}
	return false
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleCourier  Role = "courier"
	RoleAdmin    Role = "administrator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleCourier, RoleAdmin:
		return true
	}
	return false
}

// Identity is the authenticated caller as resolved by the auth collaborator.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Rating is one party's review of the other on a completed order.
type Rating struct {
	Score   int       `json:"score"` // 1..5
	Comment string    `json:"comment,omitempty"`
	RatedAt time.Time `json:"rated_at"`
}

type Order struct {
	ID           string    `json:"id"`
	Description  string    `json:"description"`
	Category     Category  `json:"category"`
	PriceOffered int64     `json:"price_offered"`
	Pickup       Place     `json:"pickup"`
	Delivery     Place     `json:"delivery"`
	Deadline     time.Time `json:"deadline"`
	RequesterID  string    `json:"requester_id"`

	State     OrderState `json:"state"`
	CourierID string     `json:"courier_id,omitempty"`
	// PreviousCourierID survives cancellation so disputes can still be
	// traced to whoever held the assignment.
	PreviousCourierID string `json:"previous_courier_id,omitempty"`

	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	EnRouteAt   *time.Time `json:"en_route_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RequesterRating *Rating `json:"requester_rating,omitempty"`
	CourierRating   *Rating `json:"courier_rating,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CourierLocation struct {
	CourierID string    `json:"courier_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StaleAfter reports whether the reading is older than threshold at instant
// now. Display logic must not trust a stale reading.
func (l CourierLocation) StaleAfter(threshold time.Duration, now time.Time) bool {
	return now.Sub(l.UpdatedAt) > threshold
}

// TrackingView is the customer-facing snapshot combining the order
// destination with the assigned courier's last reported position.
type TrackingView struct {
	OrderID     string     `json:"order_id"`
	State       OrderState `json:"state"`
	Destination *Coord     `json:"destination,omitempty"`
	Courier     *Coord     `json:"courier,omitempty"`
	ReportedAt  *time.Time `json:"reported_at,omitempty"`
	Stale       bool       `json:"stale"`
	ETAMinutes  *int       `json:"eta_minutes,omitempty"`
}
