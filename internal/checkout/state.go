package checkout

// State of a single checkout attempt. Attempts only move forward.
type State string

const (
	StateStarted           State = "STARTED"
	StateInventoryReserved State = "INVENTORY_RESERVED"
	StatePaymentAuthorized State = "PAYMENT_AUTHORIZED"
	StateOrderPersisted    State = "ORDER_PERSISTED"

	StateReservationFailed State = "RESERVATION_FAILED"
	StatePaymentFailed     State = "PAYMENT_FAILED"
	StatePersistenceFailed State = "PERSISTENCE_FAILED"
)

var advances = map[State][]State{
	StateStarted: {StateInventoryReserved, StateReservationFailed,
		// a resumed attempt inherits an earlier successful payment
		StatePaymentAuthorized},
	StateInventoryReserved: {StatePaymentAuthorized, StatePaymentFailed},
	StatePaymentAuthorized: {StateOrderPersisted, StatePersistenceFailed},
}

// IsTerminal reports whether s is a final state.
func (s State) IsTerminal() bool {
	_, ok := advances[s]
	return !ok
}

// CanAdvance reports whether from -> to is a permitted transition.
func CanAdvance(from, to State) bool {
	for _, s := range advances[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s State) String() string { return string(s) }
