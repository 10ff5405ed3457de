package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v72"

	"fscreentime/internal/notify"
)

const maxWebhookBody = 64 << 10

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.logger.Errorw("Failed to read webhook body", "error", err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	webhookSecret := s.deps.Stripe.GetWebhookSecret()
	if webhookSecret == "" {
		s.logger.Errorw("Webhook secret is not configured")
		http.Error(w, "Webhook not configured", http.StatusInternalServerError)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		s.logger.Errorw("Missing Stripe signature header")
		http.Error(w, "Missing signature", http.StatusBadRequest)
		return
	}

	event, err := s.deps.Stripe.VerifyWebhookSignature(body, signature, webhookSecret)
	if err != nil {
		s.logger.Errorw("Failed to verify webhook signature", "error", err)
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}
	if event.Data == nil {
		http.Error(w, "Missing event data", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "setup_intent.succeeded":
		var intent stripe.SetupIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			s.logger.Errorw("Failed to parse setup intent", "error", err)
			http.Error(w, "Failed to parse event data", http.StatusBadRequest)
			return
		}

		userID := intent.Metadata["userId"]
		if userID == "" {
			s.logger.Errorw("Missing userId in setup intent metadata", "setup_intent_id", intent.ID)
			writeError(w, http.StatusBadRequest, "Missing userId in metadata")
			return
		}
		if intent.PaymentMethod == nil || intent.PaymentMethod.ID == "" {
			s.logger.Errorw("Setup intent has no payment method", "setup_intent_id", intent.ID)
			writeError(w, http.StatusBadRequest, "Missing payment method")
			return
		}
		var customerID string
		if intent.Customer != nil {
			customerID = intent.Customer.ID
		}

		ctx := r.Context()
		if err := s.deps.Payments.SavePaymentMethod(ctx, userID, customerID, intent.PaymentMethod.ID); err != nil {
			s.logger.Errorw("Failed to save payment method", "user_id", userID, "error", err)
			http.Error(w, "Failed to save payment method", http.StatusInternalServerError)
			return
		}
		s.logger.Infow("Payment method saved", "user_id", userID, "payment_method_id", intent.PaymentMethod.ID)

		if profile, err := s.deps.Payments.GetProfile(ctx, userID); err == nil && profile.EmailAddress() != "" {
			if err := s.deps.Notifier.Send(ctx, profile.EmailAddress(), notify.KindPaymentSetupComplete, notify.Params{}); err != nil {
				s.logger.Warnw("Failed to send setup confirmation", "user_id", userID, "error", err)
			}
		}

	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			s.logger.Errorw("Failed to parse payment intent", "error", err)
			break
		}
		s.logger.Infow("Payment intent event",
			"type", event.Type,
			"payment_intent_id", intent.ID,
			"user_id", intent.Metadata["userId"],
			"week_start", intent.Metadata["weekStart"])

	default:
		s.logger.Debugw("Ignoring webhook event", "type", event.Type)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
