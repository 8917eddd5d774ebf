package payments

import (
	"context"
	"errors"
)

var (
	// ErrDeclined is a permanent rejection (insufficient balance, frozen
	// wallet). Never retried.
	ErrDeclined = errors.New("payment declined")
	// ErrUnavailable is a transient infrastructure failure (timeout, 5xx).
	// Safe to retry with the same idempotency key.
	ErrUnavailable = errors.New("payment service unavailable")
)

// Provider is the payment collaborator contract. Both calls are atomic on
// the collaborator side and accept an idempotency key so retries have no
// duplicate effect.
type Provider interface {
	Debit(ctx context.Context, userID string, amount float64, idempotencyKey string) (txID string, err error)
	Credit(ctx context.Context, userID string, amount float64, idempotencyKey string) (txID string, err error)
}

// IsTransient reports whether the failure is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
