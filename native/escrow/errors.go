package escrow

import "errors"

// Caller-facing error taxonomy for the escrow workflow. Every error maps to a
// distinct, stable condition so client UIs can present distinct messages. All
// are recoverable and returned synchronously; only storage failures are fatal
// and those are surfaced as ordinary wrapped errors outside this set.
var (
	// ErrNotFound is returned when the referenced transaction or listing
	// does not exist.
	ErrNotFound = errors.New("escrow: not found")
	// ErrForbidden is returned when the actor is not a party permitted to
	// perform the operation.
	ErrForbidden = errors.New("escrow: actor not authorized")
	// ErrInvalidOwner is returned when a buyer attempts to request their
	// own listing.
	ErrInvalidOwner = errors.New("escrow: buyer owns the listing")
	// ErrUnavailable is returned when the listing is not purchasable.
	ErrUnavailable = errors.New("escrow: listing not available")
	// ErrConflict is returned when the buyer already holds a live request
	// on the listing.
	ErrConflict = errors.New("escrow: duplicate live request")
	// ErrInvalidTransition is returned on a state machine violation.
	ErrInvalidTransition = errors.New("escrow: status transition not permitted")
	// ErrInvalidState is returned when a commission payment is recorded
	// outside the commission_pending state.
	ErrInvalidState = errors.New("escrow: transaction not awaiting commission")
	// ErrAlreadyPaid is returned when the actor's commission flag is
	// already set.
	ErrAlreadyPaid = errors.New("escrow: commission already paid")
	// ErrAlreadyShared is returned when contact information was already
	// disclosed.
	ErrAlreadyShared = errors.New("escrow: contact info already shared")
	// ErrPaymentIncomplete is returned when disclosure is attempted before
	// both commissions are paid.
	ErrPaymentIncomplete = errors.New("escrow: commission payments incomplete")
	// ErrInvalidRate is returned when a commission rate fails validation.
	ErrInvalidRate = errors.New("escrow: commission rate out of range")
)
