package appointments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vidaplena/booking-platform/internal/payments"
	"github.com/vidaplena/booking-platform/pkg/logging"
)

// MaterializationError reports malformed booking metadata on a PAID payment.
// This is a data-integrity fault: the payment stays PAID with no appointment
// and an operator has to reconcile it by hand, so it must be distinguishable
// from an ordinary not-found in logs.
type MaterializationError struct {
	PaymentID uuid.UUID
	Err       error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("appointments: cannot materialize payment %s: %v", e.PaymentID, e.Err)
}

func (e *MaterializationError) Unwrap() error { return e.Err }

// Store is the persistence surface the materializer needs.
type Store interface {
	Insert(ctx context.Context, a *Appointment) error
	FindByPaymentID(ctx context.Context, paymentID uuid.UUID) (*Appointment, error)
}

// Materializer turns a paid payment into exactly one appointment. Both the
// webhook path and the poll path funnel into Materialize, possibly
// concurrently; the payment_id uniqueness constraint is what collapses the
// race to a single row.
type Materializer struct {
	store  Store
	logger *logging.Logger
}

func NewMaterializer(store Store, logger *logging.Logger) *Materializer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Materializer{store: store, logger: logger}
}

// Materialize creates the appointment for a paid payment, or no-ops if one
// already exists. The returned bool reports whether a row was created.
func (m *Materializer) Materialize(ctx context.Context, payment *payments.Payment) (*Appointment, bool, error) {
	if existing, err := m.store.FindByPaymentID(ctx, payment.ID); err == nil {
		m.logger.Info("appointment already exists for payment",
			"payment_id", payment.ID, "appointment_id", existing.ID)
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("appointments: lookup by payment: %w", err)
	}

	meta := payment.Metadata
	if err := meta.Validate(); err != nil {
		return nil, false, &MaterializationError{PaymentID: payment.ID, Err: err}
	}

	consultationType := meta.ConsultationType
	if consultationType == "" {
		consultationType = DefaultConsultationType
	}
	paymentID := payment.ID
	appt := &Appointment{
		ProfessionalID:   meta.ProfessionalID,
		AppointmentDate:  meta.AppointmentDate,
		AppointmentTime:  meta.AppointmentTime,
		PatientName:      payment.PatientName,
		PatientPhone:     meta.PatientPhone,
		PatientEmail:     payment.PatientEmail,
		PatientCPF:       payment.PatientCPF,
		ConsultationType: consultationType,
		Status:           StatusPending,
		PaymentID:        &paymentID,
	}

	err := m.store.Insert(ctx, appt)
	if errors.Is(err, ErrDuplicatePayment) {
		// Lost the race to a concurrent observer. The other row is the
		// appointment; surface it instead of an error.
		existing, lookupErr := m.store.FindByPaymentID(ctx, payment.ID)
		if lookupErr != nil {
			return nil, false, fmt.Errorf("appointments: duplicate insert but lookup failed: %w", lookupErr)
		}
		m.logger.Info("concurrent materialization detected",
			"payment_id", payment.ID, "appointment_id", existing.ID)
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	m.logger.Info("appointment materialized",
		"payment_id", payment.ID, "appointment_id", appt.ID,
		"professional_id", appt.ProfessionalID, "date", appt.AppointmentDate, "time", appt.AppointmentTime)
	return appt, true, nil
}
