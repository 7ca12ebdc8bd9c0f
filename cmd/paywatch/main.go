// Command paywatch creates a PIX charge against a running API instance and
// observes it until it resolves, mirroring what the booking frontend does.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	appconfig "github.com/vidaplena/booking-platform/internal/config"
	"github.com/vidaplena/booking-platform/internal/payments"
	"github.com/vidaplena/booking-platform/internal/watch"
	"github.com/vidaplena/booking-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	var (
		baseURL  = flag.String("api", "http://localhost:"+cfg.Port, "base URL of the booking API")
		name     = flag.String("name", "", "patient name")
		email    = flag.String("email", "", "patient email")
		cpf      = flag.String("cpf", "", "patient CPF")
		phone    = flag.String("phone", "", "patient phone")
		prof     = flag.String("professional", "", "professional ID")
		date     = flag.String("date", "", "appointment date (YYYY-MM-DD)")
		timeSlot = flag.String("time", "", "appointment time (HH:MM)")
	)
	flag.Parse()

	if *name == "" || *email == "" || *cpf == "" || *prof == "" || *date == "" || *timeSlot == "" {
		fmt.Fprintln(os.Stderr, "usage: paywatch -name ... -email ... -cpf ... -professional ... -date ... -time ...")
		os.Exit(2)
	}

	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &apiClient{
		baseURL: *baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}

	created, err := client.createPayment(ctx, createRequest{
		PatientName:     *name,
		PatientEmail:    *email,
		PatientCPF:      *cpf,
		PatientPhone:    *phone,
		ProfessionalID:  *prof,
		AppointmentDate: *date,
		AppointmentTime: *timeSlot,
		IdempotencyKey:  uuid.NewString(),
	})
	if err != nil {
		logger.Error("payment creation failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("payment %s created, status %s\n", created.ID, created.Status)
	fmt.Printf("scan the QR code or copy the PIX code:\n%s\n", created.PixCode)

	expiresAt, err := time.Parse(time.RFC3339, created.ExpiresAt)
	if err != nil {
		expiresAt = time.Now().Add(cfg.PixChargeTTL)
	}

	paymentID, err := uuid.Parse(created.ID)
	if err != nil {
		logger.Error("API returned an invalid payment id", "id", created.ID)
		os.Exit(1)
	}

	watcher := watch.NewWatcher(client, cfg.PollInterval, cfg.PollMaxAttempts, logger)
	result, err := watcher.Watch(ctx, paymentID, expiresAt)
	if err != nil {
		logger.Error("watch aborted", "error", err)
		os.Exit(1)
	}

	switch result.Outcome {
	case watch.OutcomePaid:
		fmt.Printf("payment confirmed after %d checks, appointment booked\n", result.Attempts)
	case watch.OutcomeExpired:
		if result.LocalExpiry {
			fmt.Println("charge expired locally, restart the booking to try again")
		} else {
			fmt.Println("charge expired, restart the booking to try again")
		}
		os.Exit(1)
	case watch.OutcomeCancelled:
		fmt.Println("charge was cancelled")
		os.Exit(1)
	case watch.OutcomeGaveUp:
		fmt.Printf("payment still unresolved after %d checks, contact the clinic\n", result.Attempts)
		os.Exit(1)
	}
}

type createRequest struct {
	PatientName     string `json:"patient_name"`
	PatientEmail    string `json:"patient_email"`
	PatientCPF      string `json:"patient_cpf"`
	PatientPhone    string `json:"patient_phone,omitempty"`
	ProfessionalID  string `json:"professional_id"`
	AppointmentDate string `json:"appointment_date"`
	AppointmentTime string `json:"appointment_time"`
	IdempotencyKey  string `json:"idempotency_key"`
}

type paymentView struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	PixCode   string `json:"br_code"`
	ExpiresAt string `json:"expires_at"`
	PaidAt    string `json:"paid_at"`
}

// apiClient drives the public booking endpoints. It satisfies the watcher's
// StatusChecker interface via the status-check endpoint.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func (c *apiClient) createPayment(ctx context.Context, req createRequest) (*paymentView, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("create payment: status %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		Payment paymentView `json:"payment"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("create payment: decode response: %w", err)
	}
	return &out.Payment, nil
}

func (c *apiClient) CheckStatus(ctx context.Context, paymentID uuid.UUID) (*payments.Payment, error) {
	body, err := json.Marshal(map[string]string{"payment_id": paymentID.String()})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments/status", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, payments.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("check status: status %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		Payment paymentView `json:"payment"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("check status: decode response: %w", err)
	}

	status, err := payments.ParseStatus(out.Payment.Status)
	if err != nil {
		return nil, fmt.Errorf("check status: %w", err)
	}

	p := &payments.Payment{ID: paymentID, Status: status}
	if out.Payment.PaidAt != "" {
		if ts, err := time.Parse(time.RFC3339, out.Payment.PaidAt); err == nil {
			p.PaidAt = &ts
		}
	}
	return p, nil
}
