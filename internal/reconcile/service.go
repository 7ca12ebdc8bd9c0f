// Package reconcile drives a PIX payment from charge creation to a confirmed
// appointment. Two independent observers feed it: the gateway's webhook push
// and the client's polling loop. Both converge on the same idempotent
// materialization, so neither path needs to win for the booking to happen.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vidaplena/booking-platform/internal/appointments"
	"github.com/vidaplena/booking-platform/internal/gateway"
	"github.com/vidaplena/booking-platform/internal/observability/metrics"
	"github.com/vidaplena/booking-platform/internal/payments"
	"github.com/vidaplena/booking-platform/pkg/logging"
)

// Gateway event names as delivered by Abacate Pay.
const (
	EventPaid      = "pixQrCode.paid"
	EventExpired   = "pixQrCode.expired"
	EventCancelled = "pixQrCode.cancelled"
)

// ErrRateLimited reports that the patient has too many open charges.
var ErrRateLimited = errors.New("reconcile: too many pending charges for patient")

// ErrUnknownEvent reports a webhook event the controller does not handle.
var ErrUnknownEvent = errors.New("reconcile: unknown webhook event")

// PaymentStore is the persistence surface the controller needs.
type PaymentStore interface {
	Create(ctx context.Context, p *payments.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*payments.Payment, error)
	GetByExternalID(ctx context.Context, externalID string) (*payments.Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*payments.Payment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status payments.Status, paidAt *time.Time) (bool, error)
}

// ChargeGateway is the slice of the PIX provider the controller uses.
type ChargeGateway interface {
	CreatePixCharge(ctx context.Context, amountCents int64, description string, ttl time.Duration, customer gateway.Customer) (*gateway.Charge, error)
	GetChargeStatus(ctx context.Context, externalID string) (string, error)
}

// AppointmentMaterializer converts a paid payment into an appointment.
type AppointmentMaterializer interface {
	Materialize(ctx context.Context, p *payments.Payment) (*appointments.Appointment, bool, error)
}

// ChargeLimiter caps how many charges a patient can open inside a window.
type ChargeLimiter interface {
	Allow(ctx context.Context, patientCPF string) (bool, error)
}

// BookingNotifier delivers the confirmation message after materialization.
type BookingNotifier interface {
	SendBookingConfirmation(ctx context.Context, appt *appointments.Appointment) error
}

// Service is the reconciliation controller.
type Service struct {
	store        PaymentStore
	gateway      ChargeGateway
	materializer AppointmentMaterializer
	limiter      ChargeLimiter
	notifier     BookingNotifier
	metrics      *metrics.ReconcileMetrics
	logger       *logging.Logger

	feeCents  int64
	chargeTTL time.Duration
}

func NewService(store PaymentStore, gw ChargeGateway, mat AppointmentMaterializer, feeCents int64, chargeTTL time.Duration, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:        store,
		gateway:      gw,
		materializer: mat,
		logger:       logger,
		feeCents:     feeCents,
		chargeTTL:    chargeTTL,
	}
}

// WithLimiter sets the per-patient charge limiter.
func (s *Service) WithLimiter(l ChargeLimiter) *Service {
	s.limiter = l
	return s
}

// WithNotifier sets the confirmation notifier.
func (s *Service) WithNotifier(n BookingNotifier) *Service {
	s.notifier = n
	return s
}

// WithMetrics sets the prometheus metrics sink.
func (s *Service) WithMetrics(m *metrics.ReconcileMetrics) *Service {
	s.metrics = m
	return s
}

// CreatePaymentParams carries the booking intent for a new charge.
type CreatePaymentParams struct {
	PatientName      string
	PatientEmail     string
	PatientCPF       string
	PatientPhone     string
	ProfessionalID   string
	AppointmentDate  string
	AppointmentTime  string
	ConsultationType string
	IdempotencyKey   string
}

// CreatePayment creates a PIX charge at the gateway and persists the payment
// with the booking metadata. A repeated idempotency key returns the payment
// created earlier instead of minting a second charge.
func (s *Service) CreatePayment(ctx context.Context, params CreatePaymentParams) (*payments.Payment, error) {
	if params.IdempotencyKey != "" {
		existing, err := s.store.GetByIdempotencyKey(ctx, params.IdempotencyKey)
		if err == nil {
			s.logger.Info("idempotency key replay, returning existing payment",
				"payment_id", existing.ID, "key", params.IdempotencyKey)
			return existing, nil
		}
		if !errors.Is(err, payments.ErrNotFound) {
			return nil, err
		}
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, params.PatientCPF)
		if err != nil {
			// A broken limiter must not block bookings.
			s.logger.Warn("charge limiter unavailable", "error", err)
		} else if !allowed {
			return nil, ErrRateLimited
		}
	}

	cpf := digitsOnly(params.PatientCPF)
	charge, err := s.gateway.CreatePixCharge(ctx, s.feeCents,
		fmt.Sprintf("Agendamento de consulta - %s", params.PatientName),
		s.chargeTTL,
		gateway.Customer{
			Name:      params.PatientName,
			Cellphone: params.PatientPhone,
			Email:     params.PatientEmail,
			TaxID:     cpf,
		})
	if err != nil {
		return nil, err
	}

	status, perr := payments.ParseStatus(charge.Status)
	if perr != nil {
		status = payments.StatusPending
	}
	payment := &payments.Payment{
		ExternalID:     charge.ExternalID,
		Amount:         charge.Amount,
		Status:         status,
		QRCodeBase64:   charge.QRCodeBase64,
		PixCode:        charge.PixCode,
		ExpiresAt:      charge.ExpiresAt,
		PatientName:    params.PatientName,
		PatientEmail:   params.PatientEmail,
		PatientCPF:     params.PatientCPF,
		IdempotencyKey: params.IdempotencyKey,
		Metadata: payments.BookingMetadata{
			Version:          payments.MetadataVersion,
			ProfessionalID:   params.ProfessionalID,
			AppointmentDate:  params.AppointmentDate,
			AppointmentTime:  params.AppointmentTime,
			PatientPhone:     params.PatientPhone,
			ConsultationType: params.ConsultationType,
		},
	}
	if err := s.store.Create(ctx, payment); err != nil {
		return nil, err
	}
	s.logger.Info("payment created", "payment_id", payment.ID, "external_id", payment.ExternalID, "amount_cents", payment.Amount)
	return payment, nil
}

// HandleEvent processes one webhook notification from the gateway. Errors are
// returned for the transport layer to log; the webhook handler acks the
// gateway regardless so a deterministic failure cannot cause a retry storm.
func (s *Service) HandleEvent(ctx context.Context, event, externalID string) error {
	switch event {
	case EventPaid:
		return s.handlePaid(ctx, externalID)
	case EventExpired:
		return s.handleTerminal(ctx, externalID, payments.StatusExpired)
	case EventCancelled:
		return s.handleTerminal(ctx, externalID, payments.StatusCancelled)
	default:
		s.logger.Info("ignoring unknown webhook event", "event", event)
		return ErrUnknownEvent
	}
}

func (s *Service) handlePaid(ctx context.Context, externalID string) error {
	p, err := s.store.GetByExternalID(ctx, externalID)
	if err != nil {
		return fmt.Errorf("reconcile: paid event lookup %q: %w", externalID, err)
	}

	switch {
	case p.Status == payments.StatusPaid:
		// Duplicate delivery or a missed earlier ack. Skip the status write
		// but still make sure the appointment exists.
		s.logger.Info("paid event for already-paid payment", "payment_id", p.ID)
	case p.Status.IsTerminal():
		// Charge was marked expired/cancelled locally but the provider says
		// money moved. Needs an operator; the monotonic invariant stands.
		s.logger.Error("paid event for terminal payment, manual reconciliation required",
			"payment_id", p.ID, "status", p.Status)
		return nil
	default:
		now := time.Now().UTC()
		updated, err := s.store.UpdateStatus(ctx, p.ID, payments.StatusPaid, &now)
		if err != nil {
			return err
		}
		if updated {
			p.Status = payments.StatusPaid
			p.PaidAt = &now
		} else {
			// Lost the write race to the poll path; re-read the authoritative row.
			p, err = s.store.GetByID(ctx, p.ID)
			if err != nil {
				return err
			}
			if p.Status != payments.StatusPaid {
				s.logger.Error("paid transition refused by store", "payment_id", p.ID, "status", p.Status)
				return nil
			}
		}
	}

	return s.materialize(ctx, p)
}

func (s *Service) handleTerminal(ctx context.Context, externalID string, status payments.Status) error {
	p, err := s.store.GetByExternalID(ctx, externalID)
	if err != nil {
		return fmt.Errorf("reconcile: %s event lookup %q: %w", strings.ToLower(string(status)), externalID, err)
	}
	if p.Status.IsTerminal() {
		// Covers the PAID case explicitly: an expired/cancelled event must
		// never erase a confirmed payment.
		s.logger.Info("ignoring terminal transition on settled payment",
			"payment_id", p.ID, "current", p.Status, "requested", status)
		return nil
	}
	if _, err := s.store.UpdateStatus(ctx, p.ID, status, nil); err != nil {
		return err
	}
	s.logger.Info("payment closed", "payment_id", p.ID, "status", status)
	return nil
}

// CheckStatus is the poll-path entry point: it asks the gateway for the
// charge's current status, persists any change, and materializes the
// appointment whenever the effective status is PAID.
func (s *Service) CheckStatus(ctx context.Context, paymentID uuid.UUID) (*payments.Payment, error) {
	p, err := s.store.GetByID(ctx, paymentID)
	if err != nil {
		s.metrics.ObserveStatusCheck("not_found")
		return nil, err
	}

	raw, err := s.gateway.GetChargeStatus(ctx, p.ExternalID)
	if err != nil {
		s.metrics.ObserveStatusCheck("gateway_error")
		return nil, err
	}
	newStatus, perr := payments.ParseStatus(raw)
	if perr != nil {
		s.metrics.ObserveStatusCheck("gateway_error")
		return nil, perr
	}

	if newStatus != p.Status && !p.Status.IsTerminal() {
		var paidAt *time.Time
		if newStatus == payments.StatusPaid {
			now := time.Now().UTC()
			paidAt = &now
		}
		updated, err := s.store.UpdateStatus(ctx, p.ID, newStatus, paidAt)
		if err != nil {
			return nil, err
		}
		if updated {
			p.Status = newStatus
			if paidAt != nil {
				p.PaidAt = paidAt
			}
		} else {
			// Another observer got there first.
			if p, err = s.store.GetByID(ctx, p.ID); err != nil {
				return nil, err
			}
		}
	}

	if p.Status == payments.StatusPaid {
		// Runs even without a status delta: heals payments left PAID with no
		// appointment by a crashed webhook invocation.
		if err := s.materialize(ctx, p); err != nil {
			s.logger.Error("poll-path materialization failed", "error", err, "payment_id", p.ID)
		}
	}

	s.metrics.ObserveStatusCheck(strings.ToLower(string(p.Status)))
	return p, nil
}

func (s *Service) materialize(ctx context.Context, p *payments.Payment) error {
	appt, created, err := s.materializer.Materialize(ctx, p)
	if err != nil {
		var matErr *appointments.MaterializationError
		if errors.As(err, &matErr) {
			s.metrics.ObserveMaterialization("metadata_error")
			// Not retried: the payment stays PAID with no appointment until
			// an operator fixes the record (see /admin/payments/stranded).
			s.logger.Error("materialization failed on booking metadata",
				"payment_id", matErr.PaymentID, "error", matErr.Err)
			return err
		}
		s.metrics.ObserveMaterialization("store_error")
		return err
	}
	if created {
		s.metrics.ObserveMaterialization("created")
		if s.notifier != nil {
			if err := s.notifier.SendBookingConfirmation(ctx, appt); err != nil {
				s.logger.Warn("confirmation notification failed", "error", err, "appointment_id", appt.ID)
			}
		}
	} else {
		s.metrics.ObserveMaterialization("noop")
	}
	return nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
