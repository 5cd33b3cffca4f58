package logic

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/patrickwarner/convertrelay/internal/jsontree"
	"github.com/patrickwarner/convertrelay/internal/models"
)

// RateProvider supplies exchange rates from the presented currency into the
// merchant's base currency. It is read-only and optional.
type RateProvider interface {
	Rate(currency string) (float64, bool)
}

// Amount records how a transaction value was derived.
type Amount struct {
	Value float64
	// Presented is the amount the shopper saw.
	Presented float64
	// Basis names the rule that produced Value: shop_money,
	// shop_money_total_price, presentment_rate, currency_rate,
	// rate_provider, conversion_rate or presented.
	Basis string
}

// NormalizeAmount derives the reportable amount of a checkout.
//
// A base-currency figure is preferred, in order: totalPrice.shopMoney.amount,
// shop_money_total_price, the presented amount divided by
// presentmentCurrencyRate (with currencyCode) or by currency_rate. Failing
// those, the presented amount is multiplied by the provider rate or the
// record's conversion rate; a rate of 1 leaves it unchanged. The result must
// lie inside [min_order_value, max_order_value] or ErrDropped is returned.
func NormalizeAmount(checkout jsontree.Node, rec models.AttributionRecord, rates RateProvider) (Amount, error) {
	if err := finiteRecord(rec); err != nil {
		return Amount{}, err
	}
	presented, presentedErr := decimalAt(checkout, "totalPrice.amount")

	value, basis, err := baseCurrencyAmount(checkout, presented, presentedErr)
	if err != nil {
		return Amount{}, err
	}
	if basis == "" {
		if presentedErr != nil {
			return Amount{}, presentedErr
		}
		value, basis = convertPresented(checkout, rec, rates, presented)
	}
	amt := Amount{Value: value.InexactFloat64(), Presented: presented.InexactFloat64(), Basis: basis}

	if rec.MinOrderValue != nil && value.LessThan(decimal.NewFromFloat(*rec.MinOrderValue)) {
		return amt, fmt.Errorf("%w: %s below minimum %v", ErrDropped, value, *rec.MinOrderValue)
	}
	if rec.MaxOrderValue != nil && value.GreaterThan(decimal.NewFromFloat(*rec.MaxOrderValue)) {
		return amt, fmt.Errorf("%w: %s above maximum %v", ErrDropped, value, *rec.MaxOrderValue)
	}
	return amt, nil
}

// baseCurrencyAmount returns an empty basis when the checkout carries no
// base-currency information.
func baseCurrencyAmount(checkout jsontree.Node, presented decimal.Decimal, presentedErr error) (decimal.Decimal, string, error) {
	if shopMoney := jsontree.Lookup(checkout, "totalPrice.shopMoney"); shopMoney.Truthy() {
		v, err := decimalAt(shopMoney, "amount")
		return v, "shop_money", err
	}
	if flat := checkout.Child("shop_money_total_price"); flat.Truthy() {
		v, err := toDecimal(flat, "shop_money_total_price")
		return v, "shop_money_total_price", err
	}
	if checkout.Child("currencyCode").Truthy() {
		if rate := checkout.Child("presentmentCurrencyRate"); rate.Truthy() {
			v, err := divideByRate(presented, presentedErr, rate, "presentmentCurrencyRate")
			return v, "presentment_rate", err
		}
	}
	if rate := checkout.Child("currency_rate"); rate.Truthy() {
		v, err := divideByRate(presented, presentedErr, rate, "currency_rate")
		return v, "currency_rate", err
	}
	return decimal.Decimal{}, "", nil
}

func convertPresented(checkout jsontree.Node, rec models.AttributionRecord, rates RateProvider, presented decimal.Decimal) (decimal.Decimal, string) {
	if rates != nil {
		currency := jsontree.Lookup(checkout, "totalPrice.currencyCode").String()
		if currency == "" {
			currency = checkout.Child("currencyCode").String()
		}
		if r, ok := rates.Rate(currency); ok && finite(r) && r > 0 && r != 1 {
			return presented.Mul(decimal.NewFromFloat(r)), "rate_provider"
		}
	}
	if rec.ConversionRate != 0 && rec.ConversionRate != 1 {
		return presented.Mul(decimal.NewFromFloat(rec.ConversionRate)), "conversion_rate"
	}
	return presented, "presented"
}

// finiteRecord rejects records built in code with NaN or infinite limits;
// decimal cannot represent them.
func finiteRecord(rec models.AttributionRecord) error {
	if !finite(rec.ConversionRate) {
		return fmt.Errorf("%w: conversion rate %v", ErrMalformedAmount, rec.ConversionRate)
	}
	for _, b := range []*float64{rec.MinOrderValue, rec.MaxOrderValue} {
		if b != nil && !finite(*b) {
			return fmt.Errorf("%w: order value limit %v", ErrMalformedAmount, *b)
		}
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func divideByRate(presented decimal.Decimal, presentedErr error, rate jsontree.Node, field string) (decimal.Decimal, error) {
	if presentedErr != nil {
		return decimal.Decimal{}, presentedErr
	}
	r, err := toDecimal(rate, field)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !r.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s must be positive, got %s", ErrMalformedAmount, field, r)
	}
	if r.Equal(decimal.NewFromInt(1)) {
		return presented, nil
	}
	return presented.Div(r), nil
}

func decimalAt(root jsontree.Node, path string) (decimal.Decimal, error) {
	return toDecimal(jsontree.Lookup(root, path), path)
}

// toDecimal accepts JSON numbers and decimal strings.
func toDecimal(n jsontree.Node, field string) (decimal.Decimal, error) {
	if !n.Exists() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s missing", ErrMalformedAmount, field)
	}
	if n.Kind() != jsontree.Scalar {
		return decimal.Decimal{}, fmt.Errorf("%w: %s is %s", ErrMalformedAmount, field, n.Kind())
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s=%q", ErrMalformedAmount, field, n.String())
	}
	return d, nil
}
