package appointments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrDuplicatePayment reports that another appointment already holds the
// payment reference. The unique index on payment_id raises this under
// concurrent inserts; callers treat it as "already materialized".
var ErrDuplicatePayment = errors.New("appointments: payment already referenced by another appointment")

const appointmentColumns = `id, professional_id, appointment_date, appointment_time,
	       patient_name, patient_phone, patient_email, patient_cpf,
	       consultation_type, status, COALESCE(cancellation_reason, ''), payment_id,
	       created_at, updated_at`

// Repository persists appointments.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes a new appointment row. A unique violation on payment_id is
// mapped to ErrDuplicatePayment so the materializer can no-op.
func (r *Repository) Insert(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO appointments (id, professional_id, appointment_date, appointment_time,
		    patient_name, patient_phone, patient_email, patient_cpf,
		    consultation_type, status, payment_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)`,
		a.ID, a.ProfessionalID, a.AppointmentDate, a.AppointmentTime,
		a.PatientName, a.PatientPhone, a.PatientEmail, a.PatientCPF,
		a.ConsultationType, a.Status, a.PaymentID, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("appointments: insert: %w", err)
	}
	return nil
}

// FindByPaymentID returns the appointment holding the payment reference.
func (r *Repository) FindByPaymentID(ctx context.Context, paymentID uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments WHERE payment_id = $1`, paymentID)
	return scanAppointment(row)
}

// GetByID loads an appointment by id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func scanAppointment(row *sql.Row) (*Appointment, error) {
	var a Appointment
	var paymentID uuid.NullUUID
	err := row.Scan(&a.ID, &a.ProfessionalID, &a.AppointmentDate, &a.AppointmentTime,
		&a.PatientName, &a.PatientPhone, &a.PatientEmail, &a.PatientCPF,
		&a.ConsultationType, &a.Status, &a.CancellationReason, &paymentID,
		&a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("appointments: scan: %w", err)
	}
	if paymentID.Valid {
		id := paymentID.UUID
		a.PaymentID = &id
	}
	return &a, nil
}
