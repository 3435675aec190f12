package menu

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPrice(t *testing.T) {
	tests := []struct {
		name     string
		subtotal string
		delivery bool
		fee      string
		tax      string
		total    string
	}{
		{"pickup has no fee", "250", false, "0", "12.50", "262.50"},
		{"fee floor", "100", true, "20", "6.00", "126.00"},
		{"fee is ten percent", "500", true, "50", "27.50", "577.50"},
		{"fee ceiling", "2000", true, "100", "105.00", "2205.00"},
		{"rounded to paise", "123.45", true, "20", "7.17", "150.62"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Price(decimal.RequireFromString(tt.subtotal), tt.delivery)
			assert.True(t, q.DeliveryFee.Equal(decimal.RequireFromString(tt.fee)), "fee %s", q.DeliveryFee)
			assert.True(t, q.TaxAmount.Equal(decimal.RequireFromString(tt.tax)), "tax %s", q.TaxAmount)
			assert.True(t, q.TotalAmount.Equal(decimal.RequireFromString(tt.total)), "total %s", q.TotalAmount)
		})
	}
}
