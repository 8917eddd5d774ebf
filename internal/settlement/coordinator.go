package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-orchestrator/internal/models"
	"github.com/example/ride-orchestrator/internal/observability"
	"github.com/example/ride-orchestrator/internal/payments"
	"github.com/example/ride-orchestrator/internal/storage"
)

// ErrDebitFailed reports a permanent rider-debit rejection. The trip stays
// in PAYMENT_PENDING for manual intervention.
var ErrDebitFailed = errors.New("rider debit failed")

// ErrPartiallySettled reports a confirmed debit whose matching driver
// credit could not be completed. The debit is deliberately not reversed;
// the driver is still owed and reversal would wrong both sides. Surfaced
// for manual reconciliation.
var ErrPartiallySettled = errors.New("settlement partially completed")

const callTimeout = 5 * time.Second

// Coordinator finalizes the money movement for completed trips: debit the
// rider, then credit the driver, one SettlementRecord per leg. Once Settle
// is invoked the settlement runs to a terminal outcome regardless of the
// originating caller's lifetime.
type Coordinator struct {
	store    storage.Store
	provider payments.Provider
	logger   *slog.Logger

	// MaxAttempts bounds debit/credit tries per leg, BaseDelay seeds the
	// exponential backoff between them.
	MaxAttempts int
	BaseDelay   time.Duration

	// OnOutcome is invoked exactly once for settlements that resolve after
	// Settle has returned (background retries).
	OnOutcome func(tripID string, confirmed bool, reason string)

	wg  sync.WaitGroup
	now func() time.Time
}

func New(store storage.Store, provider payments.Provider, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:       store,
		provider:    provider,
		logger:      logger,
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		now:         time.Now,
	}
}

// Settle runs the first settlement attempt synchronously. confirmed=true
// means both legs are confirmed and the trip may complete now. A nil error
// with confirmed=false means a transient failure was hit and retries are
// running in the background; OnOutcome will report the terminal result.
// A non-nil error is a permanent outcome (debit declined or partial
// settlement) and the trip must stay held.
func (c *Coordinator) Settle(t *models.Trip) (bool, error) {
	amount := t.FinalFare
	if amount <= 0 {
		amount = t.EstimatedFare
	}
	now := c.now()
	debit := &models.SettlementRecord{
		TripID:         t.ID,
		Leg:            models.LegDebitRider,
		UserID:         t.RiderID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey(t.ID, models.LegDebitRider),
		Status:         models.SettlementPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	credit := &models.SettlementRecord{
		TripID:         t.ID,
		Leg:            models.LegCreditDriver,
		UserID:         t.DriverID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey(t.ID, models.LegCreditDriver),
		Status:         models.SettlementPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.SaveSettlement(debit); err != nil {
		return false, err
	}
	if err := c.store.SaveSettlement(credit); err != nil {
		return false, err
	}

	outcome, err := c.runDebit(debit)
	if err != nil {
		return false, err
	}
	if !outcome {
		// transient; keep going in the background, detached from the caller
		c.wg.Add(1)
		go c.retryLoop(debit, credit)
		return false, nil
	}
	return c.runCredit(debit, credit)
}

// runDebit executes one debit attempt. Returns (true, nil) on success,
// (false, nil) on a transient failure, and an error on permanent decline.
func (c *Coordinator) runDebit(debit *models.SettlementRecord) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	debit.Attempts++
	txID, err := c.provider.Debit(ctx, debit.UserID, debit.Amount, debit.IdempotencyKey)
	switch {
	case err == nil:
		debit.TransactionID = txID
		c.mark(debit, models.SettlementConfirmed)
		observability.SettlementOutcomes.WithLabelValues(string(debit.Leg), "confirmed").Inc()
		return true, nil
	case payments.IsTransient(err):
		c.mark(debit, models.SettlementPending)
		c.logger.Warn("debit attempt failed, will retry", "trip_id", debit.TripID, "attempt", debit.Attempts, "error", err)
		return false, nil
	default:
		c.mark(debit, models.SettlementFailed)
		observability.SettlementOutcomes.WithLabelValues(string(debit.Leg), "failed").Inc()
		return false, fmt.Errorf("%w: %v", ErrDebitFailed, err)
	}
}

// runCredit pays the driver after a confirmed debit. Transient failures are
// retried inline with the same bounded backoff; exhaustion or a permanent
// rejection leaves the settlement partially settled.
func (c *Coordinator) runCredit(debit, credit *models.SettlementRecord) (bool, error) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		credit.Attempts++
		txID, err := c.provider.Credit(ctx, credit.UserID, credit.Amount, credit.IdempotencyKey)
		cancel()

		if err == nil {
			credit.TransactionID = txID
			c.mark(credit, models.SettlementConfirmed)
			observability.SettlementOutcomes.WithLabelValues(string(credit.Leg), "confirmed").Inc()
			return true, nil
		}
		if payments.IsTransient(err) && credit.Attempts < c.MaxAttempts {
			observability.SettlementRetries.Inc()
			time.Sleep(c.backoff(credit.Attempts))
			continue
		}
		c.mark(debit, models.SettlementPartiallySettled)
		c.mark(credit, models.SettlementFailed)
		observability.SettlementOutcomes.WithLabelValues(string(credit.Leg), "failed").Inc()
		c.logger.Error("driver credit failed after confirmed debit; manual reconciliation required",
			"trip_id", credit.TripID, "driver_id", credit.UserID, "error", err)
		return false, fmt.Errorf("%w: %v", ErrPartiallySettled, err)
	}
}

// retryLoop drives the remaining debit attempts in the background and
// reports the terminal outcome through OnOutcome.
func (c *Coordinator) retryLoop(debit, credit *models.SettlementRecord) {
	defer c.wg.Done()
	for debit.Attempts < c.MaxAttempts {
		observability.SettlementRetries.Inc()
		time.Sleep(c.backoff(debit.Attempts))

		ok, err := c.runDebit(debit)
		if err != nil {
			c.report(debit.TripID, false, err.Error())
			return
		}
		if !ok {
			continue
		}
		confirmed, err := c.runCredit(debit, credit)
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		c.report(debit.TripID, confirmed, reason)
		return
	}
	c.mark(debit, models.SettlementFailed)
	observability.SettlementOutcomes.WithLabelValues(string(debit.Leg), "exhausted").Inc()
	c.report(debit.TripID, false, "debit retries exhausted")
}

// Wait blocks until all background settlements have reached a terminal
// outcome. Used during shutdown and by tests.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Unresolved lists settlement legs awaiting a retry or an operator.
func (c *Coordinator) Unresolved() ([]*models.SettlementRecord, error) {
	return c.store.ListUnresolvedSettlements()
}

func (c *Coordinator) report(tripID string, confirmed bool, reason string) {
	if c.OnOutcome != nil {
		c.OnOutcome(tripID, confirmed, reason)
	}
}

func (c *Coordinator) mark(rec *models.SettlementRecord, status models.SettlementStatus) {
	rec.Status = status
	rec.UpdatedAt = c.now()
	if err := c.store.UpdateSettlement(rec); err != nil {
		c.logger.Error("persisting settlement record", "trip_id", rec.TripID, "leg", rec.Leg, "error", err)
	}
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func idempotencyKey(tripID string, leg models.SettlementLeg) string {
	return tripID + ":" + string(leg)
}
