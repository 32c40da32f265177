package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/observability"
)

type paymentIntents interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type setupIntents interface {
	New(params *stripe.SetupIntentParams) (*stripe.SetupIntent, error)
}

// StripeGateway places deposits as manual-capture PaymentIntents and charges
// the final amount with automatic capture. Every request carries an
// idempotency key derived from the booking and operation, so the bounded
// local retries can never double charge.
type StripeGateway struct {
	intents  paymentIntents
	setups   setupIntents
	currency string
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

// NewStripeGateway builds a gateway with its own API client rather than the
// package level stripe.Key. An empty key yields a gateway whose every call
// fails with a configuration error.
func NewStripeGateway(apiKey, currency string, log *slog.Logger) *StripeGateway {
	g := &StripeGateway{currency: currency, attempts: 3, backoff: 250 * time.Millisecond, log: log.With("component", "payments")}
	if apiKey != "" {
		sc := &client.API{}
		sc.Init(apiKey, nil)
		g.intents = sc.PaymentIntents
		g.setups = sc.SetupIntents
	}
	return g
}

func (g *StripeGateway) AuthorizeDeposit(ctx context.Context, c Charge) (string, error) {
	if err := c.validate(); err != nil {
		return "", err
	}
	params := g.intentParams(ctx, c)
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.SetIdempotencyKey(depositKey(c))
	params.AddMetadata("operation", "deposit")
	return g.authorize(ctx, "deposit", params, stripe.PaymentIntentStatusRequiresCapture)
}

func (g *StripeGateway) AuthorizeFinal(ctx context.Context, c Charge) (string, error) {
	if err := c.validate(); err != nil {
		return "", err
	}
	params := g.intentParams(ctx, c)
	params.SetIdempotencyKey(finalKey(c))
	params.AddMetadata("operation", "final")
	return g.authorize(ctx, "final", params, stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusProcessing)
}

// CaptureDeposit finalizes a previously held deposit.
func (g *StripeGateway) CaptureDeposit(ctx context.Context, ref string) error {
	if g.intents == nil {
		return misconfigured(errors.New("stripe api key not set"))
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(captureKey(ref))
	return g.retry(ctx, "capture", func() error {
		_, err := g.intents.Capture(ref, params)
		return err
	})
}

// ReleaseDeposit cancels the hold on a deposit.
func (g *StripeGateway) ReleaseDeposit(ctx context.Context, ref string) error {
	if g.intents == nil {
		return misconfigured(errors.New("stripe api key not set"))
	}
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(cancelKey(ref))
	return g.retry(ctx, "release", func() error {
		_, err := g.intents.Cancel(ref, params)
		return err
	})
}

// CreateSetupIntent starts collection of a reusable payment method and
// returns the client secret the app needs to finish it.
func (g *StripeGateway) CreateSetupIntent(ctx context.Context, customer string) (string, error) {
	if g.setups == nil {
		return "", misconfigured(errors.New("stripe api key not set"))
	}
	if customer == "" {
		return "", apperr.New(apperr.KindPrerequisite, "account has no payment customer")
	}
	params := &stripe.SetupIntentParams{
		Customer:           stripe.String(customer),
		Usage:              stripe.String(string(stripe.SetupIntentUsageOffSession)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	params.SetIdempotencyKey(setupKey(customer))
	var secret string
	err := g.retry(ctx, "setup", func() error {
		si, err := g.setups.New(params)
		if err != nil {
			return err
		}
		secret = si.ClientSecret
		return nil
	})
	return secret, err
}

func (g *StripeGateway) intentParams(ctx context.Context, c Charge) *stripe.PaymentIntentParams {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(c.AmountCents),
		Currency:      stripe.String(g.currency),
		PaymentMethod: stripe.String(c.PaymentMethod),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if c.Customer != "" {
		params.Customer = stripe.String(c.Customer)
	}
	params.Context = ctx
	params.AddMetadata("booking_id", c.BookingID)
	return params
}

func (g *StripeGateway) authorize(ctx context.Context, op string, params *stripe.PaymentIntentParams, ok ...stripe.PaymentIntentStatus) (string, error) {
	if g.intents == nil {
		return "", misconfigured(errors.New("stripe api key not set"))
	}
	var pi *stripe.PaymentIntent
	err := g.retry(ctx, op, func() error {
		var err error
		pi, err = g.intents.New(params)
		return err
	})
	if err != nil {
		return "", err
	}
	for _, s := range ok {
		if pi.Status == s {
			return pi.ID, nil
		}
	}
	observability.PaymentsTotal.WithLabelValues(op, "incomplete").Inc()
	return "", declined(fmt.Sprintf("payment could not be completed (status %s)", pi.Status), nil)
}

// retry runs call until it succeeds, fails non-transiently, or exhausts the
// attempt budget. Errors are returned classified.
func (g *StripeGateway) retry(ctx context.Context, op string, call func() error) error {
	start := time.Now()
	defer func() { observability.PaymentLatency.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	delay := g.backoff
	var err error
	for i := 0; i < g.attempts; i++ {
		err = classify(call())
		if err == nil {
			observability.PaymentsTotal.WithLabelValues(op, "ok").Inc()
			return nil
		}
		kind := apperr.KindOf(err)
		if kind != apperr.KindPaymentUnavailable || i == g.attempts-1 {
			break
		}
		g.log.Warn("payment gateway transient failure", "operation", op, "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			observability.PaymentsTotal.WithLabelValues(op, string(apperr.KindPaymentUnavailable)).Inc()
			return unavailable(ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	observability.PaymentsTotal.WithLabelValues(op, string(apperr.KindOf(err))).Inc()
	return err
}

// classify maps a stripe error onto the gateway error categories.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if !errors.As(err, &se) {
		// transport level failure: nothing reached stripe or no answer came back
		return unavailable(err)
	}
	switch {
	case se.Type == stripe.ErrorTypeCard:
		return declined(se.Msg, err)
	case se.HTTPStatusCode == http.StatusUnauthorized, se.HTTPStatusCode == http.StatusForbidden:
		return misconfigured(err)
	case se.HTTPStatusCode == http.StatusTooManyRequests, se.HTTPStatusCode >= 500, se.Type == stripe.ErrorTypeAPI:
		return unavailable(err)
	default:
		return misconfigured(err)
	}
}
