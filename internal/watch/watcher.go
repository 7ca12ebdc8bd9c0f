// Package watch implements the caller-side observation loop for a pending
// PIX payment: poll the status-check entry point on a fixed interval, keep a
// countdown to the charge's expiry, and stop on a terminal outcome or after a
// bounded number of attempts. It owns no authoritative state and is fully
// redundant with the webhook path.
package watch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vidaplena/booking-platform/internal/payments"
	"github.com/vidaplena/booking-platform/pkg/logging"
)

// StatusChecker is the poll-path entry point the watcher drives. The
// reconcile service satisfies it directly; remote callers wrap the HTTP
// status endpoint.
type StatusChecker interface {
	CheckStatus(ctx context.Context, paymentID uuid.UUID) (*payments.Payment, error)
}

// Outcome classifies how a watch ended.
type Outcome string

const (
	// OutcomePaid: the payment settled and the appointment exists (or is
	// being materialized server-side).
	OutcomePaid Outcome = "paid"
	// OutcomeExpired: the charge expired; the caller may restart the flow
	// with a fresh charge.
	OutcomeExpired Outcome = "expired"
	// OutcomeCancelled: the charge was cancelled at the provider.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeGaveUp: the attempt ceiling was hit with the payment still
	// unresolved. Needs manual follow-up, not more polling.
	OutcomeGaveUp Outcome = "gave_up"
)

// Result is the final state of one watch.
type Result struct {
	Outcome  Outcome
	Payment  *payments.Payment
	Attempts int
	// LocalExpiry is set when the expiry came from the client-side countdown
	// rather than the store. The authoritative row may still say PENDING.
	LocalExpiry bool
}

// expiryGrace mirrors the one-second slack the countdown allows before
// flipping the local display state.
const expiryGrace = time.Second

// Watcher polls a payment until it resolves.
type Watcher struct {
	checker     StatusChecker
	interval    time.Duration
	maxAttempts int
	logger      *logging.Logger
}

func NewWatcher(checker StatusChecker, interval time.Duration, maxAttempts int, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 300
	}
	return &Watcher{
		checker:     checker,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Watch polls paymentID until it resolves, the expiry countdown elapses, the
// attempt ceiling is reached, or ctx is cancelled. Transient check errors
// consume an attempt and the loop keeps going.
func (w *Watcher) Watch(ctx context.Context, paymentID uuid.UUID, expiresAt time.Time) (*Result, error) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	expiry := time.NewTimer(time.Until(expiresAt) + expiryGrace)
	defer expiry.Stop()

	res := &Result{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-expiry.C:
			// Client-local optimistic transition; the store flips only when
			// a poll or webhook observes the expiry.
			w.logger.Info("payment expiry countdown elapsed", "payment_id", paymentID, "attempts", res.Attempts)
			res.Outcome = OutcomeExpired
			res.LocalExpiry = true
			return res, nil

		case <-ticker.C:
			res.Attempts++
			p, err := w.checker.CheckStatus(ctx, paymentID)
			if err != nil {
				w.logger.Warn("status check failed", "error", err, "payment_id", paymentID, "attempt", res.Attempts)
			} else {
				res.Payment = p
				switch p.Status {
				case payments.StatusPaid:
					res.Outcome = OutcomePaid
					return res, nil
				case payments.StatusExpired:
					res.Outcome = OutcomeExpired
					return res, nil
				case payments.StatusCancelled:
					res.Outcome = OutcomeCancelled
					return res, nil
				}
			}
			if res.Attempts >= w.maxAttempts {
				w.logger.Error("giving up on payment after attempt ceiling",
					"payment_id", paymentID, "attempts", res.Attempts)
				res.Outcome = OutcomeGaveUp
				return res, nil
			}
		}
	}
}
