package handlers

import "math"

// Fulfillment options for presentation pricing.
const (
	FulfillmentDelivery = "delivery"
	FulfillmentPickup   = "pickup"
)

const (
	taxRate     = 0.05
	deliveryFee = 40.00
)

// Pricing is the customer-facing price breakdown. It is computed at response
// time from the frozen order total and is never persisted.
type Pricing struct {
	Subtotal          float64 `json:"subtotal"`
	Tax               float64 `json:"tax"`
	DeliveryFee       float64 `json:"delivery_fee"`
	Total             float64 `json:"total"`
	FulfillmentType   string  `json:"fulfillment_type"`
	EstimatedDelivery string  `json:"estimated_delivery"`
}

// PriceQuote builds the presentation breakdown for a subtotal. An empty or
// unknown fulfillment type defaults to delivery.
func PriceQuote(subtotal float64, fulfillmentType string) *Pricing {
	if fulfillmentType != FulfillmentPickup {
		fulfillmentType = FulfillmentDelivery
	}

	fee := deliveryFee
	estimate := "Tomorrow by 9:00 PM"
	if fulfillmentType == FulfillmentPickup {
		fee = 0
		estimate = "Ready for pickup in 2 hours"
	}

	tax := round2(subtotal * taxRate)
	return &Pricing{
		Subtotal:          round2(subtotal),
		Tax:               tax,
		DeliveryFee:       fee,
		Total:             round2(subtotal + tax + fee),
		FulfillmentType:   fulfillmentType,
		EstimatedDelivery: estimate,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
