// Package payments authorizes booking deposits and final charges.
//
// Failures are normalized to three categories: a declined card (the customer
// can retry with another method), an unavailable gateway (the same call may
// be retried as-is) and a configuration problem (not retryable).
package payments

import (
	"fmt"

	"github.com/example/ride-booking/internal/apperr"
)

// Charge describes one authorization against a saved payment method.
type Charge struct {
	AmountCents   int64
	BookingID     string
	Customer      string
	PaymentMethod string
}

func (c Charge) validate() error {
	if c.AmountCents <= 0 {
		return apperr.Newf(apperr.KindInvalidInput, "charge amount must be positive, got %d", c.AmountCents)
	}
	if c.PaymentMethod == "" {
		return apperr.New(apperr.KindPrerequisite, "no payment method on file")
	}
	return nil
}

func declined(msg string, err error) error {
	if msg == "" {
		msg = "the card was declined"
	}
	return apperr.Wrap(apperr.KindPaymentDeclined, msg, err)
}

func unavailable(err error) error {
	return apperr.Wrap(apperr.KindPaymentUnavailable, "payment gateway unavailable", err)
}

func misconfigured(err error) error {
	return apperr.Wrap(apperr.KindPaymentConfig, "payment gateway is misconfigured", err)
}

func depositKey(c Charge) string {
	return fmt.Sprintf("booking-%s-deposit-%s", c.BookingID, c.PaymentMethod)
}

func finalKey(c Charge) string {
	return fmt.Sprintf("booking-%s-final", c.BookingID)
}

func captureKey(ref string) string { return "capture-" + ref }

func cancelKey(ref string) string { return "cancel-" + ref }

func setupKey(customer string) string { return "customer-" + customer + "-setup" }
