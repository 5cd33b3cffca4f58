package models

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAttributionRecord(t *testing.T) {
	rec, err := ParseAttributionRecord(`{"cid":"100","pid":200,"vid":"v-1","defaultSegments":{"country":"DE"},` +
		`"exps":["1","2"],"vars":["10","20"],"conversion_rate":"1.25","min_order_value":0,"max_order_value":"500","currency":"EUR"}`)
	require.NoError(t, err)

	assert.Equal(t, `"100"`, string(rec.CID))
	assert.Equal(t, "200", rec.ProjectID())
	assert.Equal(t, `{"country":"DE"}`, string(rec.DefaultSegments))
	assert.Equal(t, 1.25, rec.ConversionRate)
	require.NotNil(t, rec.MinOrderValue)
	require.NotNil(t, rec.MaxOrderValue)
	assert.Equal(t, 0.0, *rec.MinOrderValue)
	assert.Equal(t, 500.0, *rec.MaxOrderValue)
	assert.Equal(t, "EUR", rec.Currency)
	assert.NoError(t, rec.Validate())
}

func TestParseAttributionRecordRejects(t *testing.T) {
	for _, in := range []string{
		``, `{}`, `[]`, `"text"`, `null`, `{"cid":`,
		`{"cid":"100","pid":"200","vid":"v1","min_order_value":"NaN","max_order_value":500}`,
		`{"pid":"200","max_order_value":"Infinity"}`,
		`{"pid":"200","min_order_value":-1e400}`,
		`{"pid":"200","conversionRate":1e400}`,
		`{"pid":"200","conversion_rate":"nan"}`,
	} {
		_, err := ParseAttributionRecord(in)
		assert.True(t, errors.Is(err, ErrMalformedRecord), "input %q", in)
	}
}

func TestConversionRatePrefersCamelCase(t *testing.T) {
	rec, err := ParseAttributionRecord(`{"conversionRate":2,"conversion_rate":3}`)
	require.NoError(t, err)
	assert.Equal(t, 2.0, rec.ConversionRate)

	rec, err = ParseAttributionRecord(`{"conversionRate":0,"conversion_rate":3}`)
	require.NoError(t, err)
	assert.Equal(t, 3.0, rec.ConversionRate, "a zero rate falls through to the next key")

	rec, err = ParseAttributionRecord(`{"pid":"1"}`)
	require.NoError(t, err)
	assert.Zero(t, rec.ConversionRate)
	assert.Nil(t, rec.MinOrderValue)
	assert.Nil(t, rec.MaxOrderValue)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{"complete", `{"cid":"1","pid":"2","vid":"3","exps":["a"],"vars":["b"]}`, true},
		{"missing vid", `{"cid":"1","pid":"2"}`, false},
		{"object pid", `{"cid":"1","pid":{"x":1},"vid":"3"}`, false},
		{"empty pid", `{"cid":"1","pid":"","vid":"3"}`, false},
		{"misaligned", `{"cid":"1","pid":"2","vid":"3","exps":["a","b"],"vars":["c"]}`, false},
		{"numeric pid", `{"cid":"1","pid":10034,"vid":"3"}`, true},
		{"hyphenated pid", `{"cid":"1","pid":"shop-10034","vid":"3"}`, true},
		{"pid with path", `{"cid":"1","pid":"169.254.169.254/latest/x?","vid":"3"}`, false},
		{"pid with dots", `{"cid":"1","pid":"internal.example","vid":"3"}`, false},
		{"pid with port", `{"cid":"1","pid":"10.0.0.1:6379#","vid":"3"}`, false},
		{"pid with userinfo", `{"cid":"1","pid":"x@evil","vid":"3"}`, false},
		{"leading hyphen", `{"cid":"1","pid":"-200","vid":"3"}`, false},
		{"long pid", `{"cid":"1","pid":"` + strings.Repeat("a", 64) + `","vid":"3"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := ParseAttributionRecord(tt.in)
			require.NoError(t, err)
			err = rec.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedRecord)
			}
		})
	}
}

func TestCommerceEventCheckout(t *testing.T) {
	ev, err := ParseCommerceEvent([]byte(`{"id":"e1","name":"checkout_completed","clientId":"c1",` +
		`"data":{"checkout":{"order":{"id":"o-9"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, "checkout_completed", ev.Name)
	assert.Equal(t, "o-9", ev.Checkout().Child("order").Child("id").String())

	built := CommerceEvent{Name: EventCheckoutStarted, Data: []byte(`{"checkout":{"token":"t"}}`)}
	assert.Equal(t, "t", built.Checkout().Child("token").String())

	_, err = ParseCommerceEvent([]byte(`{"name":`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
