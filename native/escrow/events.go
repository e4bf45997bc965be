package escrow

import "strconv"

// Event kinds emitted by the escrow engine at transition points. Delivery is
// best-effort; the state change is durable before any event is dispatched.
const (
	EventTypeRequestCreated      = "escrow.request_created"
	EventTypeRequestRejected     = "escrow.request_rejected"
	EventTypeCommissionRequested = "escrow.commission_requested"
	EventTypeCommissionConfirmed = "escrow.commission_confirmed"
	EventTypeContactDisclosed    = "escrow.contact_disclosed"
)

// Party identifies which side of a transaction an event refers to.
const (
	PartyBuyer  = "buyer"
	PartySeller = "seller"
)

// RequestCreatedEvent is the payload sent to the seller when a buyer opens a
// request against one of their listings.
func RequestCreatedEvent(transactionID, bookID, buyerID string, price float64) map[string]string {
	return map[string]string{
		"transactionId": transactionID,
		"bookId":        bookID,
		"buyerId":       buyerID,
		"price":         formatAmount(price),
	}
}

// RequestRejectedEvent is the payload sent to the buyer when the seller
// declines their request and the listing is restored.
func RequestRejectedEvent(transactionID, bookID string) map[string]string {
	return map[string]string{
		"transactionId": transactionID,
		"bookId":        bookID,
	}
}

// CommissionRequestedEvent is the payload sent to each party when the seller
// accepts and both commissions become due.
func CommissionRequestedEvent(transactionID, party string, price, commission float64) map[string]string {
	return map[string]string{
		"transactionId": transactionID,
		"party":         party,
		"price":         formatAmount(price),
		"commission":    formatAmount(commission),
	}
}

// CommissionConfirmedEvent is the payload acknowledging a recorded commission
// payment to the party that paid it.
func CommissionConfirmedEvent(transactionID, party, paymentID string, commission float64) map[string]string {
	return map[string]string{
		"transactionId": transactionID,
		"party":         party,
		"paymentId":     paymentID,
		"commission":    formatAmount(commission),
	}
}

// ContactDisclosedEvent is the payload revealing the counterparty's contact
// details to one side of a completed transaction.
func ContactDisclosedEvent(transactionID, party, counterpartyID, email, phone, address string) map[string]string {
	attrs := map[string]string{
		"transactionId":  transactionID,
		"party":          party,
		"counterpartyId": counterpartyID,
		"email":          email,
	}
	if phone != "" {
		attrs["phone"] = phone
	}
	if address != "" {
		attrs["address"] = address
	}
	return attrs
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
