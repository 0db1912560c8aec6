package models

// OrderState is the lifecycle state of an order. State is only ever written
// by the lifecycle engine; every other package treats it as read-only.
type OrderState string

const (
	StatePending    OrderState = "pending"
	StateAccepted   OrderState = "accepted"
	StateEnRoute    OrderState = "en_route"
	StateInProgress OrderState = "in_progress"
	StateCompleted  OrderState = "completed"
	StateCancelled  OrderState = "cancelled"
)

// successor is the forward edge of the delivery sequence. pending is entered
// at creation and left via Accept, so it has no entry here; cancelled is
// reachable from any non-terminal state via Cancel.
var successor = map[OrderState]OrderState{
	StateAccepted:   StateEnRoute,
	StateEnRoute:    StateInProgress,
	StateInProgress: StateCompleted,
}

func (s OrderState) Valid() bool {
	switch s {
	case StatePending, StateAccepted, StateEnRoute, StateInProgress, StateCompleted, StateCancelled:
		return true
	}
	return false
}

// Next returns the single state Advance may move to from s.
func (s OrderState) Next() (OrderState, bool) {
	n, ok := successor[s]
	return n, ok
}

func (s OrderState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Assigned reports whether an order in state s must have a courier bound.
func (s OrderState) Assigned() bool {
	switch s {
	case StateAccepted, StateEnRoute, StateInProgress, StateCompleted:
		return true
	}
	return false
}
