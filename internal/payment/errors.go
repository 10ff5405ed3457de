package payment

import (
	"errors"
	"fmt"
)

// Kind classifies a failed charge.
type Kind int

const (
	// KindOther covers network, API and unexpected failures. Retryable.
	KindOther Kind = iota
	// KindDeclined is a card-level refusal (declined, expired, insufficient funds). Retryable.
	KindDeclined
	// KindAuthenticationRequired means the bank wants the cardholder present (3-D Secure / SCA).
	// An off-session retry cannot succeed.
	KindAuthenticationRequired
)

func (k Kind) String() string {
	switch k {
	case KindDeclined:
		return "declined"
	case KindAuthenticationRequired:
		return "authentication_required"
	default:
		return "other"
	}
}

// Error is the provider-neutral charge failure handed to the settlement engine.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
	// PaymentIntentID is set when the provider created an intent before failing.
	PaymentIntentID string
	Err             error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment %s (%s): %s", e.Kind, e.Code, e.Reason)
	}
	return fmt.Sprintf("payment %s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error, wrapping anything else as KindOther.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindOther, Reason: err.Error(), Err: err}
}
