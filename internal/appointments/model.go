package appointments

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no appointment matches the lookup key.
var ErrNotFound = errors.New("appointments: appointment not found")

// Status is the admin-facing lifecycle of a booking. The materializer only
// ever creates appointments in StatusPending; everything after that is
// back-office territory.
type Status string

const (
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPending         Status = "pending"
	StatusConfirmed       Status = "confirmed"
	StatusCancelled       Status = "cancelled"
	StatusCompleted       Status = "completed"
)

// DefaultConsultationType is applied when the booking metadata omits one.
const DefaultConsultationType = "primeira_consulta"

// Appointment is one confirmed booking. PaymentID is unique when present:
// at most one appointment ever references a given payment.
type Appointment struct {
	ID                 uuid.UUID
	ProfessionalID     string
	AppointmentDate    string
	AppointmentTime    string
	PatientName        string
	PatientPhone       string
	PatientEmail       string
	PatientCPF         string
	ConsultationType   string
	Status             Status
	CancellationReason string
	PaymentID          *uuid.UUID
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
