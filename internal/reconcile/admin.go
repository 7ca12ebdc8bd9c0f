package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vidaplena/booking-platform/internal/appointments"
	httpmiddleware "github.com/vidaplena/booking-platform/internal/http/middleware"
	"github.com/vidaplena/booking-platform/internal/payments"
	"github.com/vidaplena/booking-platform/pkg/logging"
)

// AdminPaymentLister is the read surface for the back-office endpoints.
type AdminPaymentLister interface {
	ListStranded(ctx context.Context) ([]payments.Payment, error)
	ListRecent(ctx context.Context, limit int) ([]payments.Payment, error)
}

// AppointmentGetter loads a single appointment for the back-office views.
type AppointmentGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*appointments.Appointment, error)
}

// VelocityResetter clears a patient's charge counter.
type VelocityResetter interface {
	Reset(ctx context.Context, patientCPF string) error
}

// AdminHandler serves the operator-facing payment views. Routes are mounted
// behind the admin JWT middleware, which puts the operator subject in the
// request context.
type AdminHandler struct {
	store   AdminPaymentLister
	appts   AppointmentGetter
	limiter VelocityResetter
	logger  *logging.Logger
}

func NewAdminHandler(store AdminPaymentLister, logger *logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{store: store, logger: logger}
}

// WithAppointments enables the appointment lookup endpoint.
func (h *AdminHandler) WithAppointments(appts AppointmentGetter) *AdminHandler {
	h.appts = appts
	return h
}

// WithVelocityResetter enables the charge counter reset endpoint.
func (h *AdminHandler) WithVelocityResetter(limiter VelocityResetter) *AdminHandler {
	h.limiter = limiter
	return h
}

// ListStranded handles GET /admin/payments/stranded: PAID payments with no
// appointment, i.e. the manual reconciliation queue.
func (h *AdminHandler) ListStranded(w http.ResponseWriter, r *http.Request) {
	operator := httpmiddleware.OperatorFromContext(r.Context())
	out, err := h.store.ListStranded(r.Context())
	if err != nil {
		h.logger.Error("stranded payments listing failed", "error", err, "operator", operator)
		writeError(w, http.StatusInternalServerError, "failed to list stranded payments")
		return
	}
	views := make([]paymentView, 0, len(out))
	for i := range out {
		views = append(views, fullPaymentView(&out[i]))
	}
	h.logger.Info("stranded payments listed", "count", len(views), "operator", operator)
	writeJSON(w, http.StatusOK, map[string]any{"payments": views, "count": len(views)})
}

// ListRecent handles GET /admin/payments.
func (h *AdminHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	out, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("payments listing failed", "error", err,
			"operator", httpmiddleware.OperatorFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "failed to list payments")
		return
	}
	views := make([]paymentView, 0, len(out))
	for i := range out {
		views = append(views, fullPaymentView(&out[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": views, "count": len(views)})
}

type appointmentView struct {
	ID               string `json:"id"`
	ProfessionalID   string `json:"professional_id"`
	AppointmentDate  string `json:"appointment_date"`
	AppointmentTime  string `json:"appointment_time"`
	PatientName      string `json:"patient_name"`
	PatientPhone     string `json:"patient_phone,omitempty"`
	PatientEmail     string `json:"patient_email"`
	PatientCPF       string `json:"patient_cpf"`
	ConsultationType string `json:"consultation_type"`
	Status           string `json:"status"`
	PaymentID        string `json:"payment_id,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// GetAppointment handles GET /admin/appointments/{id}, used by operators to
// verify what a stranded payment should have materialized into.
func (h *AdminHandler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	if h.appts == nil {
		writeError(w, http.StatusNotImplemented, "appointment lookup not configured")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return
	}
	appt, err := h.appts.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, appointments.ErrNotFound) {
			writeError(w, http.StatusNotFound, "appointment not found")
			return
		}
		h.logger.Error("appointment lookup failed", "error", err, "appointment_id", id,
			"operator", httpmiddleware.OperatorFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "failed to load appointment")
		return
	}
	view := appointmentView{
		ID:               appt.ID.String(),
		ProfessionalID:   appt.ProfessionalID,
		AppointmentDate:  appt.AppointmentDate,
		AppointmentTime:  appt.AppointmentTime,
		PatientName:      appt.PatientName,
		PatientPhone:     appt.PatientPhone,
		PatientEmail:     appt.PatientEmail,
		PatientCPF:       appt.PatientCPF,
		ConsultationType: appt.ConsultationType,
		Status:           string(appt.Status),
		CreatedAt:        appt.CreatedAt.UTC().Format(time.RFC3339),
	}
	if appt.PaymentID != nil {
		view.PaymentID = appt.PaymentID.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointment": view})
}

type velocityResetRequest struct {
	PatientCPF string `json:"patient_cpf"`
}

// ResetVelocity handles POST /admin/velocity/reset, clearing a patient's
// charge counter after support confirms the blocked charges were legitimate.
func (h *AdminHandler) ResetVelocity(w http.ResponseWriter, r *http.Request) {
	if h.limiter == nil {
		writeError(w, http.StatusNotImplemented, "velocity limiting not configured")
		return
	}
	var req velocityResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.PatientCPF == "" {
		writeError(w, http.StatusBadRequest, "patient_cpf is required")
		return
	}
	operator := httpmiddleware.OperatorFromContext(r.Context())
	if err := h.limiter.Reset(r.Context(), req.PatientCPF); err != nil {
		h.logger.Error("charge counter reset failed", "error", err, "operator", operator)
		writeError(w, http.StatusInternalServerError, "failed to reset charge counter")
		return
	}
	h.logger.Info("charge counter reset", "patient_cpf", req.PatientCPF, "operator", operator)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
