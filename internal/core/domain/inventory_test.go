package domain

import (
	"testing"

	"github.com/google/uuid"
)

func TestAbsorbPurchase_FirstLot(t *testing.T) {
	var agg InventoryAggregate
	agg.AbsorbPurchase(dec("10"), dec("100"))

	if !agg.TotalQuantity.Equal(dec("10")) {
		t.Errorf("total = %s, want 10", agg.TotalQuantity)
	}
	if !agg.AvailableQuantity.Equal(dec("10")) {
		t.Errorf("available = %s, want 10", agg.AvailableQuantity)
	}
	if !agg.WeightedAvgPrice.Equal(dec("100")) {
		t.Errorf("wap = %s, want 100", agg.WeightedAvgPrice)
	}
}

func TestAbsorbPurchase_BlendsWAP(t *testing.T) {
	var agg InventoryAggregate
	agg.AbsorbPurchase(dec("10"), dec("100"))
	agg.AbsorbPurchase(dec("10"), dec("200"))

	if !agg.TotalQuantity.Equal(dec("20")) {
		t.Errorf("total = %s, want 20", agg.TotalQuantity)
	}
	if !agg.WeightedAvgPrice.Equal(dec("150")) {
		t.Errorf("wap = %s, want 150", agg.WeightedAvgPrice)
	}
	if !agg.Consistent() {
		t.Error("aggregate inconsistent after purchases")
	}
}

func TestConsistent(t *testing.T) {
	agg := InventoryAggregate{
		TotalQuantity:     dec("10"),
		AvailableQuantity: dec("6"),
		BookedQuantity:    dec("4"),
	}
	if !agg.Consistent() {
		t.Error("expected consistent aggregate")
	}

	agg.AvailableQuantity = dec("7")
	if agg.Consistent() {
		t.Error("expected inconsistency when available+booked != total")
	}

	agg.AvailableQuantity = dec("-1")
	agg.BookedQuantity = dec("11")
	if agg.Consistent() {
		t.Error("expected inconsistency on negative available")
	}
}

func TestRecomputeAggregate(t *testing.T) {
	instrumentID := uuid.New()
	lots := []CostLot{
		{InstrumentID: instrumentID, Quantity: dec("10"), UnitPrice: dec("100")},
		{InstrumentID: instrumentID, Quantity: dec("0"), UnitPrice: dec("80")}, // fully consumed lot
		{InstrumentID: instrumentID, Quantity: dec("30"), UnitPrice: dec("200")},
	}
	bookings := []Booking{
		{InstrumentID: instrumentID, Quantity: dec("5"), Status: BookingStatusOpen},
		{InstrumentID: instrumentID, Quantity: dec("7"), Status: BookingStatusCancelled},
		{InstrumentID: instrumentID, Quantity: dec("3"), Status: BookingStatusOpen},
	}

	total, wap, booked := RecomputeAggregate(lots, bookings)

	if !total.Equal(dec("40")) {
		t.Errorf("total = %s, want 40", total)
	}
	// (10*100 + 30*200) / 40 = 175
	if !wap.Equal(dec("175")) {
		t.Errorf("wap = %s, want 175", wap)
	}
	if !booked.Equal(dec("8")) {
		t.Errorf("booked = %s, want 8", booked)
	}
}

func TestRecomputeAggregate_Empty(t *testing.T) {
	total, wap, booked := RecomputeAggregate(nil, nil)
	if !total.IsZero() || !wap.IsZero() || !booked.IsZero() {
		t.Errorf("expected zeros, got total=%s wap=%s booked=%s", total, wap, booked)
	}
}
