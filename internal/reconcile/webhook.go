package reconcile

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/vidaplena/booking-platform/internal/appointments"
	"github.com/vidaplena/booking-platform/internal/observability/metrics"
	"github.com/vidaplena/booking-platform/internal/payments"
	"github.com/vidaplena/booking-platform/pkg/logging"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

// WebhookHandler receives asynchronous charge events from the gateway.
//
// Deterministic outcomes are always acked with 200, even when they are
// failures: unknown events, unknown charges and bad booking metadata will
// fail the same way on every redelivery, so letting the provider retry them
// only produces a retry storm. Operators watch logs and the stranded-payments
// queue for those. Only transient store errors return 503, where a provider
// retry can actually succeed.
type WebhookHandler struct {
	service *Service
	secret  string
	metrics *metrics.ReconcileMetrics
	logger  *logging.Logger
}

func NewWebhookHandler(service *Service, secret string, m *metrics.ReconcileMetrics, logger *logging.Logger) *WebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{service: service, secret: secret, metrics: m, logger: logger}
}

type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if h.secret != "" && !verifySignature(h.secret, body, r.Header.Get(SignatureHeader)) {
		h.metrics.ObserveWebhook("unknown", "bad_signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Error("failed to decode webhook payload", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.Event == "" || payload.Data.ID == "" {
		http.Error(w, "missing event or data", http.StatusBadRequest)
		return
	}

	err = h.service.HandleEvent(r.Context(), payload.Event, payload.Data.ID)
	outcome := "processed"
	transient := false
	var matErr *appointments.MaterializationError
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownEvent):
		outcome = "ignored"
	case errors.Is(err, payments.ErrNotFound):
		outcome = "not_found"
		h.logger.Warn("webhook for unknown charge", "event", payload.Event, "external_id", payload.Data.ID)
	case errors.As(err, &matErr):
		// Deterministic: redelivery hits the same bad metadata. Acked so the
		// payment lands in the stranded queue instead of a retry loop.
		outcome = "metadata_error"
	default:
		outcome = "error"
		transient = true
		h.logger.Error("webhook processing failed", "error", err, "event", payload.Event, "external_id", payload.Data.ID)
	}
	h.metrics.ObserveWebhook(payload.Event, outcome)
	h.metrics.ObserveWebhookLatency(payload.Event, time.Since(start).Seconds())

	if transient {
		// Store glitch: let the provider redeliver.
		writeError(w, http.StatusServiceUnavailable, "temporary failure, retry")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

func verifySignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(expected))
}
