package reconcile

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vidaplena/booking-platform/internal/payments"
	"github.com/vidaplena/booking-platform/pkg/logging"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, h *WebhookHandler, secret string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/abacatepay", bytes.NewReader(body))
	if secret != "" {
		req.Header.Set(SignatureHeader, signBody(secret, body))
	}
	rr := httptest.NewRecorder()
	h.Handle(rr, req)
	return rr
}

func TestWebhookPaidCreatesAppointment(t *testing.T) {
	store := newFakePaymentStore()
	appts := newMemApptStore()
	svc := newTestService(store, &fakeGateway{}, appts)
	p := seedPending(store, "ext-wh-1")

	h := NewWebhookHandler(svc, "secret", nil, logging.NewNop())
	body := []byte(`{"event":"pixQrCode.paid","data":{"id":"ext-wh-1"}}`)
	rr := postWebhook(t, h, "secret", body)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	got, _ := store.GetByID(context.Background(), p.ID)
	if got.Status != payments.StatusPaid {
		t.Fatalf("expected PAID, got %s", got.Status)
	}
	if appts.count() != 1 {
		t.Fatalf("expected one appointment, got %d", appts.count())
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	store := newFakePaymentStore()
	appts := newMemApptStore()
	svc := newTestService(store, &fakeGateway{}, appts)
	seedPending(store, "ext-wh-dup")

	h := NewWebhookHandler(svc, "secret", nil, logging.NewNop())
	body := []byte(`{"event":"pixQrCode.paid","data":{"id":"ext-wh-dup"}}`)

	for i := 0; i < 2; i++ {
		if rr := postWebhook(t, h, "secret", body); rr.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, rr.Code)
		}
	}
	if store.writes() != 1 {
		t.Fatalf("expected one status write, got %d", store.writes())
	}
	if appts.count() != 1 {
		t.Fatalf("expected one appointment, got %d", appts.count())
	}
}

func TestWebhookAcksUnknownCharge(t *testing.T) {
	svc := newTestService(newFakePaymentStore(), &fakeGateway{}, newMemApptStore())
	h := NewWebhookHandler(svc, "secret", nil, logging.NewNop())

	body := []byte(`{"event":"pixQrCode.paid","data":{"id":"ext-ghost"}}`)
	rr := postWebhook(t, h, "secret", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("unknown charge must still be acked, got %d", rr.Code)
	}
}

func TestWebhookAcksUnknownEvent(t *testing.T) {
	store := newFakePaymentStore()
	svc := newTestService(store, &fakeGateway{}, newMemApptStore())
	h := NewWebhookHandler(svc, "secret", nil, logging.NewNop())

	body := []byte(`{"event":"pixQrCode.refunded","data":{"id":"ext-1"}}`)
	rr := postWebhook(t, h, "secret", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("unknown event must be acked, got %d", rr.Code)
	}
	if store.writes() != 0 {
		t.Fatal("unknown event must not write")
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	svc := newTestService(newFakePaymentStore(), &fakeGateway{}, newMemApptStore())
	h := NewWebhookHandler(svc, "secret", nil, logging.NewNop())

	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte(`not-json`)},
		{"missing event", []byte(`{"data":{"id":"x"}}`)},
		{"missing data id", []byte(`{"event":"pixQrCode.paid","data":{}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postWebhook(t, h, "secret", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
		})
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	svc := newTestService(newFakePaymentStore(), &fakeGateway{}, newMemApptStore())
	h := NewWebhookHandler(svc, "secret", nil, logging.NewNop())

	body := []byte(`{"event":"pixQrCode.paid","data":{"id":"ext-1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/abacatepay", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, "deadbeef")
	rr := httptest.NewRecorder()
	h.Handle(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWebhookTransientStoreError(t *testing.T) {
	store := newFakePaymentStore()
	svc := newTestService(store, &fakeGateway{}, newMemApptStore())
	seedPending(store, "ext-glitch")
	store.updateErr = errors.New("connection reset")

	h := NewWebhookHandler(svc, "secret", nil, logging.NewNop())
	body := []byte(`{"event":"pixQrCode.paid","data":{"id":"ext-glitch"}}`)
	rr := postWebhook(t, h, "secret", body)

	// A provider redelivery can succeed here, so ask for one.
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for transient store error, got %d", rr.Code)
	}
}

func TestWebhookAcksMetadataError(t *testing.T) {
	store := newFakePaymentStore()
	appts := newMemApptStore()
	svc := newTestService(store, &fakeGateway{}, appts)

	p := seedPending(store, "ext-badmeta")
	store.mu.Lock()
	store.byID[p.ID].Metadata = payments.BookingMetadata{Version: payments.MetadataVersion}
	store.mu.Unlock()

	h := NewWebhookHandler(svc, "secret", nil, logging.NewNop())
	body := []byte(`{"event":"pixQrCode.paid","data":{"id":"ext-badmeta"}}`)
	rr := postWebhook(t, h, "secret", body)

	// Redelivery hits the same bad metadata, so the event is acked and the
	// payment lands in the stranded queue instead.
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for metadata error, got %d", rr.Code)
	}
	if appts.count() != 0 {
		t.Fatalf("expected no appointment, got %d", appts.count())
	}
}

func TestWebhookNoSecretSkipsVerification(t *testing.T) {
	store := newFakePaymentStore()
	svc := newTestService(store, &fakeGateway{}, newMemApptStore())
	seedPending(store, "ext-nosec")
	h := NewWebhookHandler(svc, "", nil, logging.NewNop())

	body := []byte(`{"event":"pixQrCode.expired","data":{"id":"ext-nosec"}}`)
	rr := postWebhook(t, h, "", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 without secret, got %d", rr.Code)
	}
}
