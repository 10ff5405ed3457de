package models

import (
	"time"
)

type PaymentProfile struct {
	UserID                string    `json:"userId" dynamodbav:"userId"`
	StripeCustomerID      string    `json:"stripe_customer_id,omitempty" dynamodbav:"stripe_customer_id,omitempty"`
	StripePaymentMethodID string    `json:"stripe_payment_method_id,omitempty" dynamodbav:"stripe_payment_method_id,omitempty"`
	SetupComplete         bool      `json:"setup_complete" dynamodbav:"setup_complete"`
	Email                 string    `json:"email,omitempty" dynamodbav:"email,omitempty"`
	CreatedAt             time.Time `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt" dynamodbav:"updatedAt"`
}

// CanCharge reports whether both Stripe references needed for an off-session charge are present.
func (p *PaymentProfile) CanCharge() bool {
	return p != nil && p.StripeCustomerID != "" && p.StripePaymentMethodID != ""
}

func (p *PaymentProfile) EmailAddress() string {
	if p == nil {
		return ""
	}
	return p.Email
}
