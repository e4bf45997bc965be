package escrow

import "testing"

func TestCommissionRequestedEventAttributes(t *testing.T) {
	attrs := CommissionRequestedEvent("tx-1", PartyBuyer, 100, 8)
	if attrs["transactionId"] != "tx-1" {
		t.Fatalf("unexpected transaction id: %s", attrs["transactionId"])
	}
	if attrs["party"] != PartyBuyer {
		t.Fatalf("unexpected party: %s", attrs["party"])
	}
	if attrs["price"] != "100" || attrs["commission"] != "8" {
		t.Fatalf("unexpected amounts: price=%s commission=%s", attrs["price"], attrs["commission"])
	}
}

func TestContactDisclosedEventOmitsEmptyFields(t *testing.T) {
	attrs := ContactDisclosedEvent("tx-1", PartySeller, "buyer-1", "buyer@example.com", "", "")
	if _, ok := attrs["phone"]; ok {
		t.Fatalf("empty phone should be omitted")
	}
	if _, ok := attrs["address"]; ok {
		t.Fatalf("empty address should be omitted")
	}
	if attrs["email"] != "buyer@example.com" {
		t.Fatalf("unexpected email: %s", attrs["email"])
	}
}
