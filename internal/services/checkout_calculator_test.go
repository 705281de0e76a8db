package services

import (
	"errors"
	"testing"

	domain "github.com/lumenshop/api/internal/domain"
)

func mustCalculator(t *testing.T, policy CheckoutPolicy) CheckoutCalculator {
	t.Helper()
	calc, err := NewCheckoutCalculator(policy)
	if err != nil {
		t.Fatalf("NewCheckoutCalculator returned error: %v", err)
	}
	return calc
}

func TestTotalsSumsLinesAndAppliesTax(t *testing.T) {
	calc := mustCalculator(t, CheckoutPolicy{TaxRateBasisPoints: 1000, ShippingFlat: 0, Currency: "USD"})

	totals, err := calc.Totals([]domain.CartLine{
		{ProductID: "p1", UnitPrice: 2500, Quantity: 2},
		{ProductID: "p2", UnitPrice: 999, Quantity: 1},
	})
	if err != nil {
		t.Fatalf("Totals returned error: %v", err)
	}

	if totals.ItemsPrice != 5999 {
		t.Fatalf("items price = %d, want 5999", totals.ItemsPrice)
	}
	if totals.ShippingPrice != 0 {
		t.Fatalf("shipping price = %d, want 0", totals.ShippingPrice)
	}
	if totals.TaxPrice != 600 {
		t.Fatalf("tax price = %d, want 600", totals.TaxPrice)
	}
	if totals.TotalPrice != 6599 {
		t.Fatalf("total price = %d, want 6599", totals.TotalPrice)
	}
}

func TestTotalsEmptyLinesProduceZeroes(t *testing.T) {
	calc := mustCalculator(t, CheckoutPolicy{TaxRateBasisPoints: 1000})

	totals, err := calc.Totals(nil)
	if err != nil {
		t.Fatalf("Totals returned error: %v", err)
	}
	if totals != (CheckoutTotals{}) {
		t.Fatalf("expected zero totals, got %+v", totals)
	}
}

func TestTotalsDeterministicAcrossCalls(t *testing.T) {
	calc := mustCalculator(t, CheckoutPolicy{TaxRateBasisPoints: 1000, ShippingFlat: 500})
	lines := []domain.CartLine{{ProductID: "p1", UnitPrice: 3333, Quantity: 3}}

	first, err := calc.Totals(lines)
	if err != nil {
		t.Fatalf("Totals returned error: %v", err)
	}
	second, err := calc.Totals(lines)
	if err != nil {
		t.Fatalf("Totals returned error: %v", err)
	}
	if first != second {
		t.Fatalf("totals differ across calls: %+v vs %+v", first, second)
	}
	if first.TotalPrice != first.ItemsPrice+first.ShippingPrice+first.TaxPrice {
		t.Fatalf("total is not the sum of its parts: %+v", first)
	}
}

func TestTotalsRejectsMissingPrice(t *testing.T) {
	calc := mustCalculator(t, CheckoutPolicy{TaxRateBasisPoints: 1000})

	_, err := calc.Totals([]domain.CartLine{{ProductID: "p1", UnitPrice: 0, Quantity: 1}})
	if !errors.Is(err, ErrCheckoutPriceMissing) {
		t.Fatalf("expected ErrCheckoutPriceMissing, got %v", err)
	}
}

func TestTotalsRejectsNonPositiveQuantity(t *testing.T) {
	calc := mustCalculator(t, CheckoutPolicy{TaxRateBasisPoints: 1000})

	_, err := calc.Totals([]domain.CartLine{{ProductID: "p1", UnitPrice: 100, Quantity: 0}})
	if !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected ErrCheckoutInvalidInput, got %v", err)
	}
}

func TestNewCheckoutCalculatorValidatesPolicy(t *testing.T) {
	if _, err := NewCheckoutCalculator(CheckoutPolicy{TaxRateBasisPoints: -1}); err == nil {
		t.Fatal("expected error for negative tax rate")
	}
	if _, err := NewCheckoutCalculator(CheckoutPolicy{TaxRateBasisPoints: 10001}); err == nil {
		t.Fatal("expected error for tax rate above 100%")
	}
	if _, err := NewCheckoutCalculator(CheckoutPolicy{ShippingFlat: -1}); err == nil {
		t.Fatal("expected error for negative shipping")
	}
}
