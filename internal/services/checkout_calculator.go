package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCheckoutInvalidInput signals bad request data such as non-positive quantities.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutPriceMissing is returned when a line carries no usable unit price.
	ErrCheckoutPriceMissing = errors.New("checkout: price missing for product")
)

// CheckoutPolicy fixes the pricing rules applied to every cart snapshot.
// Amounts are minor currency units; the tax rate is expressed in basis points
// so the arithmetic stays integral.
type CheckoutPolicy struct {
	TaxRateBasisPoints int64
	ShippingFlat       int64
	Currency           string
}

type checkoutCalculator struct {
	policy CheckoutPolicy
}

// NewCheckoutCalculator constructs the shared totals calculator. The same
// instance prices carts before intent creation and orders at creation time,
// so both sites always agree.
func NewCheckoutCalculator(policy CheckoutPolicy) (CheckoutCalculator, error) {
	if policy.TaxRateBasisPoints < 0 || policy.TaxRateBasisPoints > 10000 {
		return nil, fmt.Errorf("%w: tax rate must be between 0 and 10000 basis points", ErrCheckoutInvalidInput)
	}
	if policy.ShippingFlat < 0 {
		return nil, fmt.Errorf("%w: shipping must be non-negative", ErrCheckoutInvalidInput)
	}
	policy.Currency = strings.ToUpper(strings.TrimSpace(policy.Currency))
	if policy.Currency == "" {
		policy.Currency = "USD"
	}
	return &checkoutCalculator{policy: policy}, nil
}

// Totals prices the given lines. Pure: no I/O, no clock, identical inputs
// yield identical outputs.
func (c *checkoutCalculator) Totals(lines []CartLine) (CheckoutTotals, error) {
	var items int64
	for _, line := range lines {
		if line.Quantity <= 0 {
			return CheckoutTotals{}, fmt.Errorf("%w: quantity must be greater than zero for product %s", ErrCheckoutInvalidInput, line.ProductID)
		}
		if line.UnitPrice <= 0 {
			return CheckoutTotals{}, fmt.Errorf("%w: %s", ErrCheckoutPriceMissing, line.ProductID)
		}
		items += line.UnitPrice * int64(line.Quantity)
	}

	tax := roundedBasisPoints(items, c.policy.TaxRateBasisPoints)
	shipping := c.policy.ShippingFlat

	return CheckoutTotals{
		ItemsPrice:    items,
		ShippingPrice: shipping,
		TaxPrice:      tax,
		TotalPrice:    items + shipping + tax,
	}, nil
}

// roundedBasisPoints applies rate/10000 with half-up rounding.
func roundedBasisPoints(amount, rate int64) int64 {
	return (amount*rate + 5000) / 10000
}
