package escrow

// Status represents a phase in the transaction escrow workflow.
type Status string

// All workflow states. StatusAccepted exists only as a transition label: the
// engine rewrites an accept to commission_pending inside the same update, so
// a stored transaction is never observed at rest in the accepted state.
const (
	StatusPending           Status = "pending"
	StatusAccepted          Status = "accepted"
	StatusCommissionPending Status = "commission_pending"
	StatusCommissionPaid    Status = "commission_paid"
	StatusCompleted         Status = "completed"
	StatusRejected          Status = "rejected"
)

// LiveStatuses enumerates the non-terminal states. A buyer with a transaction
// in any of these states against a listing holds a live request on it.
var LiveStatuses = []Status{
	StatusPending,
	StatusAccepted,
	StatusCommissionPending,
	StatusCommissionPaid,
}

var allowedTransitions = map[Status][]Status{
	StatusPending:           {StatusAccepted, StatusRejected},
	StatusAccepted:          {StatusCommissionPending},
	StatusCommissionPending: {StatusCommissionPaid},
	StatusCommissionPaid:    {StatusCompleted},
}

// Valid reports whether the status value is one of the supported states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusCommissionPending, StatusCommissionPaid, StatusCompleted, StatusRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// ValidateTransition ensures the transition follows the defined state machine.
func ValidateTransition(current, next Status) error {
	if !next.Valid() {
		return ErrInvalidTransition
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return ErrInvalidTransition
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return ErrInvalidTransition
}
