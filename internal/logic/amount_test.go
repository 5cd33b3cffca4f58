package logic

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/convertrelay/internal/jsontree"
	"github.com/patrickwarner/convertrelay/internal/models"
)

type staticRates map[string]float64

func (s staticRates) Rate(c string) (float64, bool) {
	r, ok := s[c]
	return r, ok
}

func checkoutNode(t *testing.T, s string) jsontree.Node {
	t.Helper()
	n, ok := jsontree.ParseString(s)
	require.True(t, ok)
	return n
}

func window(min, max float64) models.AttributionRecord {
	return models.AttributionRecord{MinOrderValue: &min, MaxOrderValue: &max}
}

func TestNormalizeAmount(t *testing.T) {
	open := models.AttributionRecord{}
	withRate := models.AttributionRecord{ConversionRate: 1.25}

	tests := []struct {
		name     string
		checkout string
		rec      models.AttributionRecord
		rates    RateProvider
		want     float64
		basis    string
	}{
		{
			name:     "shop money wins over conversion rate",
			checkout: `{"totalPrice":{"amount":"100.00","shopMoney":{"amount":"80.00"}}}`,
			rec:      withRate,
			want:     80, basis: "shop_money",
		},
		{
			name:     "flattened shop money",
			checkout: `{"totalPrice":{"amount":"100.00"},"shop_money_total_price":"90.50"}`,
			rec:      withRate,
			want:     90.5, basis: "shop_money_total_price",
		},
		{
			name:     "presentment rate divides",
			checkout: `{"totalPrice":{"amount":"100.00"},"currencyCode":"EUR","presentmentCurrencyRate":"1.25"}`,
			rec:      withRate,
			want:     80, basis: "presentment_rate",
		},
		{
			name:     "presentment rate of one short-circuits",
			checkout: `{"totalPrice":{"amount":"100.00"},"currencyCode":"USD","presentmentCurrencyRate":1}`,
			rec:      open,
			want:     100, basis: "presentment_rate",
		},
		{
			name:     "presentment rate without currency code is skipped",
			checkout: `{"totalPrice":{"amount":"100.00"},"presentmentCurrencyRate":"2","currency_rate":"4"}`,
			rec:      open,
			want:     25, basis: "currency_rate",
		},
		{
			name:     "conversion rate multiplies",
			checkout: `{"totalPrice":{"amount":"100.00"}}`,
			rec:      withRate,
			want:     125, basis: "conversion_rate",
		},
		{
			name:     "rate provider before record rate",
			checkout: `{"totalPrice":{"amount":"100.00","currencyCode":"GBP"}}`,
			rec:      withRate,
			rates:    staticRates{"GBP": 1.1},
			want:     110, basis: "rate_provider",
		},
		{
			name:     "provider without rate falls back",
			checkout: `{"totalPrice":{"amount":"100.00","currencyCode":"JPY"}}`,
			rec:      withRate,
			rates:    staticRates{"GBP": 1.1},
			want:     125, basis: "conversion_rate",
		},
		{
			name:     "unchanged when nothing applies",
			checkout: `{"totalPrice":{"amount":"100.00"}}`,
			rec:      open,
			want:     100, basis: "presented",
		},
		{
			name:     "shop money without presented amount",
			checkout: `{"totalPrice":{"shopMoney":{"amount":"12.34"}}}`,
			rec:      open,
			want:     12.34, basis: "shop_money",
		},
		{
			name:     "numeric amounts",
			checkout: `{"totalPrice":{"amount":42}}`,
			rec:      open,
			want:     42, basis: "presented",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAmount(checkoutNode(t, tt.checkout), tt.rec, tt.rates)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got.Value, 1e-9)
			assert.Equal(t, tt.basis, got.Basis)
		})
	}
}

func TestNormalizeAmountWindow(t *testing.T) {
	c := checkoutNode(t, `{"totalPrice":{"amount":"50.00"}}`)

	amt, err := NormalizeAmount(c, window(60, 500), nil)
	assert.ErrorIs(t, err, ErrDropped)
	assert.InDelta(t, 50, amt.Value, 1e-9, "dropped amounts are still reported to the caller")

	_, err = NormalizeAmount(c, window(50, 50), nil)
	assert.NoError(t, err, "bounds are inclusive")

	_, err = NormalizeAmount(c, window(0, 49.99), nil)
	assert.ErrorIs(t, err, ErrDropped)

	max := 40.0
	_, err = NormalizeAmount(c, models.AttributionRecord{MaxOrderValue: &max}, nil)
	assert.ErrorIs(t, err, ErrDropped, "an absent minimum leaves the maximum in force")
}

func TestNormalizeAmountWindowAppliesAfterConversion(t *testing.T) {
	rec := window(60, 500)
	rec.ConversionRate = 1.5
	amt, err := NormalizeAmount(checkoutNode(t, `{"totalPrice":{"amount":"50.00"}}`), rec, nil)
	require.NoError(t, err)
	assert.InDelta(t, 75, amt.Value, 1e-9)
}

func TestNormalizeAmountMalformed(t *testing.T) {
	for _, checkout := range []string{
		`{"totalPrice":{"amount":"abc"}}`,
		`{}`,
		`{"totalPrice":{"amount":{"v":1}}}`,
		`{"totalPrice":{"amount":"10","shopMoney":{"amount":"n/a"}}}`,
		`{"totalPrice":{"amount":"10"},"currency_rate":"0"}`,
		`{"totalPrice":{"amount":true}}`,
		`{"totalPrice":{"amount":"NaN"}}`,
		`{"totalPrice":{"amount":"10"},"currency_rate":"Infinity"}`,
	} {
		_, err := NormalizeAmount(checkoutNode(t, checkout), models.AttributionRecord{}, nil)
		assert.True(t, errors.Is(err, ErrMalformedAmount), checkout)
	}
}

func TestNormalizeAmountNonFiniteRecord(t *testing.T) {
	c := checkoutNode(t, `{"totalPrice":{"amount":"80.00"}}`)
	tests := []struct {
		name string
		rec  models.AttributionRecord
	}{
		{"nan minimum", window(math.NaN(), 500)},
		{"infinite maximum", window(0, math.Inf(1))},
		{"infinite rate", models.AttributionRecord{ConversionRate: math.Inf(1)}},
		{"nan rate", models.AttributionRecord{ConversionRate: math.NaN()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := NormalizeAmount(c, tt.rec, nil)
				assert.ErrorIs(t, err, ErrMalformedAmount)
			})
		})
	}
}

func TestNormalizeAmountSkipsNonFiniteProviderRate(t *testing.T) {
	c := checkoutNode(t, `{"totalPrice":{"amount":"80.00","currencyCode":"EUR"}}`)
	amt, err := NormalizeAmount(c, models.AttributionRecord{}, staticRates{"EUR": math.Inf(1)})
	require.NoError(t, err)
	assert.Equal(t, "presented", amt.Basis)
	assert.InDelta(t, 80, amt.Value, 1e-9)
}

func TestNormalizeAmountParsedNonFiniteRecord(t *testing.T) {
	_, err := models.ParseAttributionRecord(`{"cid":"100","pid":"200","vid":"v1","min_order_value":"NaN","max_order_value":500}`)
	assert.ErrorIs(t, err, models.ErrMalformedRecord)
}

func TestParseRates(t *testing.T) {
	rates, err := ParseRates(`{"eur":1.08,"GBP":1.27}`)
	require.NoError(t, err)
	r, ok := rates.Rate("EUR")
	assert.True(t, ok)
	assert.Equal(t, 1.08, r)
	_, ok = rates.Rate("JPY")
	assert.False(t, ok)

	none, err := ParseRates("")
	require.NoError(t, err)
	_, ok = none.Rate("EUR")
	assert.False(t, ok)

	_, err = ParseRates(`{"EUR":0}`)
	assert.Error(t, err)
	_, err = ParseRates(`[1]`)
	assert.Error(t, err)
}
