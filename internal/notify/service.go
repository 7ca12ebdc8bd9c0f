package notify

import (
	"context"
	"fmt"

	"github.com/vidaplena/booking-platform/internal/appointments"
	"github.com/vidaplena/booking-platform/pkg/logging"
)

// Service sends the booking confirmation to the patient once their payment
// settles and the appointment row exists. It satisfies the reconcile
// service's BookingNotifier interface.
type Service struct {
	email      EmailSender
	clinicName string
	logger     *logging.Logger
}

// NewService creates a notification service. A nil sender disables email.
func NewService(email EmailSender, clinicName string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if clinicName == "" {
		clinicName = "Vida Plena"
	}
	return &Service{
		email:      email,
		clinicName: clinicName,
		logger:     logger,
	}
}

// SendBookingConfirmation emails the patient that their appointment is booked.
func (s *Service) SendBookingConfirmation(ctx context.Context, appt *appointments.Appointment) error {
	if s.email == nil {
		s.logger.Debug("notify: email sender not configured, skipping confirmation")
		return nil
	}
	if appt.PatientEmail == "" {
		s.logger.Debug("notify: appointment has no patient email", "appointment_id", appt.ID)
		return nil
	}

	msg := EmailMessage{
		To:      appt.PatientEmail,
		ToName:  appt.PatientName,
		Subject: fmt.Sprintf("Agendamento confirmado - %s", s.clinicName),
		Body:    s.formatConfirmationText(appt),
		HTML:    s.formatConfirmationHTML(appt),
	}
	if err := s.email.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify: booking confirmation: %w", err)
	}

	s.logger.Info("booking confirmation sent",
		"appointment_id", appt.ID,
		"patient_email", appt.PatientEmail,
	)
	return nil
}

func (s *Service) formatConfirmationText(appt *appointments.Appointment) string {
	return fmt.Sprintf(
		"Olá %s,\n\nSeu pagamento foi confirmado e sua consulta está agendada.\n\nData: %s\nHorário: %s\nTipo: %s\n\nAté breve,\n%s",
		appt.PatientName,
		appt.AppointmentDate,
		appt.AppointmentTime,
		consultationLabel(appt.ConsultationType),
		s.clinicName,
	)
}

func (s *Service) formatConfirmationHTML(appt *appointments.Appointment) string {
	return fmt.Sprintf(
		`<p>Olá %s,</p>
<p>Seu pagamento foi confirmado e sua consulta está agendada.</p>
<ul>
<li><strong>Data:</strong> %s</li>
<li><strong>Horário:</strong> %s</li>
<li><strong>Tipo:</strong> %s</li>
</ul>
<p>Até breve,<br>%s</p>`,
		appt.PatientName,
		appt.AppointmentDate,
		appt.AppointmentTime,
		consultationLabel(appt.ConsultationType),
		s.clinicName,
	)
}

func consultationLabel(consultationType string) string {
	switch consultationType {
	case "primeira_consulta":
		return "Primeira consulta"
	case "retorno":
		return "Retorno"
	default:
		return consultationType
	}
}
