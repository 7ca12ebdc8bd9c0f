package reconcile

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vidaplena/booking-platform/internal/gateway"
	"github.com/vidaplena/booking-platform/internal/payments"
	"github.com/vidaplena/booking-platform/pkg/logging"
)

// Handler exposes the public payment endpoints: charge creation for the
// booking flow and the explicit status check the client polling loop hits.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

type createPaymentRequest struct {
	PatientName      string `json:"patient_name"`
	PatientEmail     string `json:"patient_email"`
	PatientCPF       string `json:"patient_cpf"`
	PatientPhone     string `json:"patient_phone,omitempty"`
	ProfessionalID   string `json:"professional_id"`
	AppointmentDate  string `json:"appointment_date"`
	AppointmentTime  string `json:"appointment_time"`
	ConsultationType string `json:"consultation_type,omitempty"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
}

type paymentView struct {
	ID           string `json:"id"`
	ExternalID   string `json:"external_id,omitempty"`
	Amount       int64  `json:"amount,omitempty"`
	Status       string `json:"status"`
	QRCodeBase64 string `json:"qr_code_base64,omitempty"`
	PixCode      string `json:"br_code,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	PaidAt       string `json:"paid_at,omitempty"`
}

func fullPaymentView(p *payments.Payment) paymentView {
	v := paymentView{
		ID:           p.ID.String(),
		ExternalID:   p.ExternalID,
		Amount:       p.Amount,
		Status:       string(p.Status),
		QRCodeBase64: p.QRCodeBase64,
		PixCode:      p.PixCode,
		ExpiresAt:    p.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if p.PaidAt != nil {
		v.PaidAt = p.PaidAt.UTC().Format(time.RFC3339)
	}
	return v
}

// CreatePayment handles POST /payments.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.PatientName == "" || req.PatientEmail == "" || req.PatientCPF == "" {
		writeError(w, http.StatusBadRequest, "patient_name, patient_email and patient_cpf are required")
		return
	}
	if req.ProfessionalID == "" || req.AppointmentDate == "" || req.AppointmentTime == "" {
		writeError(w, http.StatusBadRequest, "professional_id, appointment_date and appointment_time are required")
		return
	}

	payment, err := h.service.CreatePayment(r.Context(), CreatePaymentParams{
		PatientName:      req.PatientName,
		PatientEmail:     req.PatientEmail,
		PatientCPF:       req.PatientCPF,
		PatientPhone:     req.PatientPhone,
		ProfessionalID:   req.ProfessionalID,
		AppointmentDate:  req.AppointmentDate,
		AppointmentTime:  req.AppointmentTime,
		ConsultationType: req.ConsultationType,
		IdempotencyKey:   req.IdempotencyKey,
	})
	if err != nil {
		var gwErr *gateway.Error
		switch {
		case errors.Is(err, ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "too many pending charges, try again later")
		case errors.As(err, &gwErr):
			h.logger.Error("gateway charge creation failed", "error", err)
			writeError(w, http.StatusBadGateway, "payment provider unavailable, try again")
		default:
			h.logger.Error("payment creation failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create payment")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"payment": fullPaymentView(payment)})
}

type statusCheckRequest struct {
	PaymentID string `json:"payment_id"`
}

// CheckStatus handles POST /payments/status.
func (h *Handler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	var req statusCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.PaymentID == "" {
		writeError(w, http.StatusBadRequest, "payment_id is required")
		return
	}
	paymentID, err := uuid.Parse(req.PaymentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payment_id")
		return
	}

	payment, err := h.service.CheckStatus(r.Context(), paymentID)
	if err != nil {
		var gwErr *gateway.Error
		switch {
		case errors.Is(err, payments.ErrNotFound):
			writeError(w, http.StatusNotFound, "payment not found")
		case errors.As(err, &gwErr):
			h.logger.Error("gateway status check failed", "error", err)
			writeError(w, http.StatusBadGateway, "payment provider unavailable, try again")
		default:
			h.logger.Error("status check failed", "error", err, "payment_id", req.PaymentID)
			writeError(w, http.StatusInternalServerError, "failed to check payment status")
		}
		return
	}

	view := paymentView{
		ID:     payment.ID.String(),
		Status: string(payment.Status),
	}
	if payment.PaidAt != nil {
		view.PaidAt = payment.PaidAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": view})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
