package payments

import (
	"context"
	"fmt"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/transfer"
)

// StripeProvider implements Provider on card rails: rider debits are
// PaymentIntents captured immediately, driver credits are Transfers to the
// driver's connected account. User ids are passed through as Stripe
// customer/account ids by the upstream mapping.
type StripeProvider struct {
	Currency string
}

// NewStripeProvider sets the package-level stripe key.
func NewStripeProvider(apiKey, currency string) *StripeProvider {
	stripe.Key = apiKey
	if currency == "" {
		currency = "bdt"
	}
	return &StripeProvider{Currency: currency}
}

func (s *StripeProvider) Debit(ctx context.Context, userID string, amount float64, idempotencyKey string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minorUnits(amount)),
		Currency: stripe.String(s.Currency),
		Customer: stripe.String(userID),
		Confirm:  stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", classifyStripe(err)
	}
	return pi.ID, nil
}

func (s *StripeProvider) Credit(ctx context.Context, userID string, amount float64, idempotencyKey string) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(minorUnits(amount)),
		Currency:    stripe.String(s.Currency),
		Destination: stripe.String(userID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	tr, err := transfer.New(params)
	if err != nil {
		return "", classifyStripe(err)
	}
	return tr.ID, nil
}

func classifyStripe(err error) error {
	if stripeErr, ok := err.(*stripe.Error); ok {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			return fmt.Errorf("%w: %v", ErrDeclined, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func minorUnits(amount float64) int64 {
	return int64(math.Floor(amount*100 + 0.5))
}
