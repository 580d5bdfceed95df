package model

// DeliveryState tracks an outgoing message through transport.
// Created -> PublishAttempted -> {Delivered | Queued}; Queued re-enters
// PublishAttempted any number of times. Delivered is terminal and there is
// no failed state.
type DeliveryState string

const (
	StateCreated          DeliveryState = "created"
	StatePublishAttempted DeliveryState = "publish_attempted"
	StateQueued           DeliveryState = "queued"
	StateDelivered        DeliveryState = "delivered"
)

var transitions = map[DeliveryState][]DeliveryState{
	StateCreated:          {StatePublishAttempted},
	StatePublishAttempted: {StateDelivered, StateQueued},
	StateQueued:           {StatePublishAttempted},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to DeliveryState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s DeliveryState) Terminal() bool {
	return s == StateDelivered
}
