package payments

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no payment matches the lookup key.
var ErrNotFound = errors.New("payments: payment not found")

// Status is the lifecycle state of a PIX payment. PENDING is the only
// non-terminal state; nothing transitions out of PAID, EXPIRED or CANCELLED.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no further transition is valid from s.
func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusExpired || s == StatusCancelled
}

// ParseStatus normalizes a gateway-reported status string.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, nil
	case StatusPaid:
		return StatusPaid, nil
	case StatusExpired:
		return StatusExpired, nil
	case StatusCancelled:
		return StatusCancelled, nil
	}
	return "", fmt.Errorf("payments: unknown status %q", raw)
}

// MetadataVersion identifies the current BookingMetadata schema.
const MetadataVersion = 1

// BookingMetadata carries the booking intent alongside a payment so the
// materializer can create the appointment once the charge is paid.
type BookingMetadata struct {
	Version          int    `json:"version"`
	ProfessionalID   string `json:"professional_id"`
	AppointmentDate  string `json:"appointment_date"`
	AppointmentTime  string `json:"appointment_time"`
	PatientPhone     string `json:"patient_phone,omitempty"`
	ConsultationType string `json:"consultation_type,omitempty"`
}

// Validate reports every required booking field that is missing.
func (m BookingMetadata) Validate() error {
	var missing []string
	if m.ProfessionalID == "" {
		missing = append(missing, "professional_id")
	}
	if m.AppointmentDate == "" {
		missing = append(missing, "appointment_date")
	}
	if m.AppointmentTime == "" {
		missing = append(missing, "appointment_time")
	}
	if len(missing) > 0 {
		return fmt.Errorf("payments: metadata missing fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Payment is one PIX payment attempt. Amount and patient identity are
// immutable after creation; only status and paid_at change afterwards.
type Payment struct {
	ID             uuid.UUID
	ExternalID     string
	Amount         int64
	Status         Status
	QRCodeBase64   string
	PixCode        string
	ExpiresAt      time.Time
	PaidAt         *time.Time
	PatientName    string
	PatientEmail   string
	PatientCPF     string
	Metadata       BookingMetadata
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
