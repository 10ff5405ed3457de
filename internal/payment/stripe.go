package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"
)

// ChargeRequest is one off-session penalty charge.
type ChargeRequest struct {
	Amount          int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	IdempotencyKey  string
	Description     string
	Metadata        map[string]string
}

type StripeClient struct {
	api           *client.API
	currency      string
	webhookSecret string
}

func NewStripeClient(config struct {
	SecretKey  string
	WebhookKey string
	Currency   string
}) *StripeClient {
	api := &client.API{}
	api.Init(config.SecretKey, nil)

	currency := config.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	return &StripeClient{
		api:           api,
		currency:      currency,
		webhookSecret: config.WebhookKey,
	}
}

func (s *StripeClient) GetWebhookSecret() string {
	return s.webhookSecret
}

func (s *StripeClient) Currency() string {
	return s.currency
}

// Charge confirms an off-session PaymentIntent and returns its id. Failures are
// always *Error.
func (s *StripeClient) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", translateError(err)
	}
	return intentOutcome(pi)
}

// intentOutcome maps a confirmed intent's status onto success or *Error.
func intentOutcome(pi *stripe.PaymentIntent) (string, error) {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusProcessing:
		return pi.ID, nil
	case stripe.PaymentIntentStatusRequiresAction:
		return "", &Error{
			Kind:            KindAuthenticationRequired,
			Code:            string(stripe.ErrorCodeAuthenticationRequired),
			Reason:          "Bank requires additional authentication for this charge",
			PaymentIntentID: pi.ID,
		}
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return "", &Error{
			Kind:            KindDeclined,
			Reason:          "payment method was not accepted",
			PaymentIntentID: pi.ID,
		}
	default:
		return "", &Error{
			Kind:            KindOther,
			Reason:          fmt.Sprintf("unexpected payment intent status %q", pi.Status),
			PaymentIntentID: pi.ID,
		}
	}
}

// translateError is the only place that inspects Stripe's error shape.
func translateError(err error) *Error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &Error{Kind: KindOther, Reason: err.Error(), Err: err}
	}

	out := &Error{Code: string(se.Code), Reason: se.Msg, Err: err}
	if out.Reason == "" {
		out.Reason = err.Error()
	}
	if se.PaymentIntent != nil {
		out.PaymentIntentID = se.PaymentIntent.ID
	}

	switch {
	case se.Code == stripe.ErrorCodeAuthenticationRequired:
		out.Kind = KindAuthenticationRequired
	case se.Type == stripe.ErrorTypeCard:
		out.Kind = KindDeclined
	default:
		out.Kind = KindOther
	}
	return out
}

// SetupRequest asks for a SetupIntent that saves a card for later
// off-session charges. An empty CustomerID creates a new customer.
type SetupRequest struct {
	UserID     string
	Email      string
	CustomerID string
}

type SetupResult struct {
	ClientSecret  string
	CustomerID    string
	SetupIntentID string
}

func (s *StripeClient) CreateSetupIntent(ctx context.Context, req SetupRequest) (*SetupResult, error) {
	if req.UserID == "" {
		return nil, errors.New("user id is required")
	}

	customerID := req.CustomerID
	if customerID == "" {
		params := &stripe.CustomerParams{}
		if req.Email != "" {
			params.Email = stripe.String(req.Email)
		}
		params.AddMetadata("userId", req.UserID)
		params.Context = ctx

		cus, err := s.api.Customers.New(params)
		if err != nil {
			return nil, fmt.Errorf("failed to create customer: %w", err)
		}
		customerID = cus.ID
	}

	params := &stripe.SetupIntentParams{
		Customer:           stripe.String(customerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Usage:              stripe.String(string(stripe.SetupIntentUsageOffSession)),
	}
	params.AddMetadata("userId", req.UserID)
	params.Context = ctx

	si, err := s.api.SetupIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create setup intent: %w", err)
	}
	return &SetupResult{
		ClientSecret:  si.ClientSecret,
		CustomerID:    customerID,
		SetupIntentID: si.ID,
	}, nil
}

func (s *StripeClient) VerifyWebhookSignature(payload []byte, sig string, webhookSecret string) (stripe.Event, error) {
	if webhookSecret == "" {
		return stripe.Event{}, fmt.Errorf("webhook secret is not configured")
	}
	return webhook.ConstructEvent(payload, sig, webhookSecret)
}
