package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"fscreentime/internal/db"
	"fscreentime/internal/payment"
)

const maxSetupBody = 16 << 10

type setupIntentRequest struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// handleSetupIntent starts card collection for a user. The customer is reused
// when one exists and the profile is left incomplete until the
// setup_intent.succeeded webhook arrives.
func (s *Server) handleSetupIntent(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if s.deps.Setup == nil {
		writeError(w, http.StatusServiceUnavailable, "Payments not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSetupBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	var req setupIntentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "Missing user id")
		return
	}

	log := s.logger.With("user_id", userID)
	ctx := r.Context()

	profile, err := s.deps.Payments.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Errorw("Failed to load payment profile", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create setup intent")
		return
	}
	if profile != nil && profile.SetupComplete {
		writeJSON(w, http.StatusOK, map[string]bool{"already_setup": true})
		return
	}

	setupReq := payment.SetupRequest{UserID: userID, Email: req.Email}
	if profile != nil {
		setupReq.CustomerID = profile.StripeCustomerID
		if setupReq.Email == "" {
			setupReq.Email = profile.Email
		}
	}

	res, err := s.deps.Setup.CreateSetupIntent(ctx, setupReq)
	if err != nil {
		log.Errorw("Failed to create setup intent", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create setup intent")
		return
	}

	if err := s.deps.Payments.SaveCustomer(ctx, userID, res.CustomerID, setupReq.Email); err != nil {
		log.Errorw("Failed to save Stripe customer", "customer_id", res.CustomerID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create setup intent")
		return
	}
	log.Infow("Setup intent created", "customer_id", res.CustomerID, "setup_intent_id", res.SetupIntentID)

	writeJSON(w, http.StatusOK, map[string]string{
		"client_secret": res.ClientSecret,
		"customer_id":   res.CustomerID,
	})
}
