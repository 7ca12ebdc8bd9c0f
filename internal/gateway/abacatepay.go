// Package gateway wraps the Abacate Pay PIX HTTP API. It is a stateless I/O
// adapter: charge creation and status checks, nothing else.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vidaplena/booking-platform/pkg/logging"
)

var tracer = otel.Tracer("booking.internal.gateway.abacatepay")

// Error reports a failed gateway call. Callers must not retry charge creation
// automatically: the provider does not guarantee idempotency for creates.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// Customer identifies the payer on a PIX charge.
type Customer struct {
	Name      string `json:"name"`
	Cellphone string `json:"cellphone"`
	Email     string `json:"email"`
	TaxID     string `json:"taxId"`
}

// Charge is the provider's view of a PIX QR-code charge.
type Charge struct {
	ExternalID   string    `json:"id"`
	Amount       int64     `json:"amount"`
	Status       string    `json:"status"`
	QRCodeBase64 string    `json:"brCodeBase64"`
	PixCode      string    `json:"brCode"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Client talks to the Abacate Pay API using a bearer credential.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates a gateway client. baseURL defaults to production.
func NewClient(baseURL, apiKey string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	if baseURL == "" {
		baseURL = "https://api.abacatepay.com/v1"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// WithHTTPClient overrides the underlying HTTP client (tests, custom timeouts).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// CreatePixCharge asks the provider for a new QR-code charge. Amounts are in
// centavos; ttl bounds how long the QR code stays payable.
func (c *Client) CreatePixCharge(ctx context.Context, amountCents int64, description string, ttl time.Duration, customer Customer) (*Charge, error) {
	ctx, span := tracer.Start(ctx, "abacatepay.create_pix_charge")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("booking.amount_cents", amountCents),
		attribute.Int("booking.ttl_seconds", int(ttl.Seconds())),
	)

	body := map[string]any{
		"amount":      amountCents,
		"description": description,
		"expiresIn":   int(ttl.Seconds()),
		"customer":    customer,
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Op: "create charge", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pixQrCode/create", bytes.NewReader(reqBody))
	if err != nil {
		return nil, &Error{Op: "create charge", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: "create charge", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(resp.Body)
		return nil, &Error{Op: "create charge", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var parsed struct {
		Data Charge `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &Error{Op: "create charge decode", Err: err}
	}
	if parsed.Data.ExternalID == "" {
		return nil, &Error{Op: "create charge", StatusCode: resp.StatusCode, Body: "response missing charge id"}
	}

	c.logger.Info("pix charge created", "external_id", parsed.Data.ExternalID, "amount_cents", parsed.Data.Amount)
	return &parsed.Data, nil
}

// GetChargeStatus queries the provider for the current status of a charge.
func (c *Client) GetChargeStatus(ctx context.Context, externalID string) (string, error) {
	ctx, span := tracer.Start(ctx, "abacatepay.get_charge_status")
	defer span.End()
	span.SetAttributes(attribute.String("booking.external_id", externalID))

	checkURL := fmt.Sprintf("%s/pixQrCode/check?id=%s", c.baseURL, url.QueryEscape(externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return "", &Error{Op: "check status", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Op: "check status", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(resp.Body)
		return "", &Error{Op: "check status", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var parsed struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &Error{Op: "check status decode", Err: err}
	}
	if parsed.Data.Status == "" {
		return "", &Error{Op: "check status", StatusCode: resp.StatusCode, Body: "response missing status"}
	}
	return parsed.Data.Status, nil
}
