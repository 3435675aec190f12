package menu

import "github.com/shopspring/decimal"

var (
	deliveryFeeRate = decimal.RequireFromString("0.10")
	minDeliveryFee  = decimal.RequireFromString("20.00")
	maxDeliveryFee  = decimal.RequireFromString("100.00")
	taxRate         = decimal.RequireFromString("0.05")
)

// Quote is the price breakdown of a validated cart.
type Quote struct {
	Subtotal    decimal.Decimal
	DeliveryFee decimal.Decimal
	TaxAmount   decimal.Decimal
	TotalAmount decimal.Decimal
}

// Price applies the delivery fee (10% of the subtotal, between 20 and 100, delivery
// orders only) and 5% tax on subtotal plus fee.
func Price(subtotal decimal.Decimal, delivery bool) Quote {
	q := Quote{Subtotal: subtotal, DeliveryFee: decimal.Zero}
	if delivery {
		fee := subtotal.Mul(deliveryFeeRate)
		switch {
		case fee.LessThan(minDeliveryFee):
			fee = minDeliveryFee
		case fee.GreaterThan(maxDeliveryFee):
			fee = maxDeliveryFee
		}
		q.DeliveryFee = fee.Round(2)
	}
	taxable := subtotal.Add(q.DeliveryFee)
	q.TaxAmount = taxable.Mul(taxRate).Round(2)
	q.TotalAmount = taxable.Add(q.TaxAmount)
	return q
}
