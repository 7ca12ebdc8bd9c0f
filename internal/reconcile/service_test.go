package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vidaplena/booking-platform/internal/appointments"
	"github.com/vidaplena/booking-platform/internal/gateway"
	"github.com/vidaplena/booking-platform/internal/payments"
	"github.com/vidaplena/booking-platform/pkg/logging"
)

// fakePaymentStore is an in-memory PaymentStore with the same conditional
// update semantics as the SQL repository.
type fakePaymentStore struct {
	mu           sync.Mutex
	byID         map[uuid.UUID]*payments.Payment
	statusWrites int
	createCalls  int
	updateErr    error
}

func newFakePaymentStore() *fakePaymentStore {
	return &fakePaymentStore{byID: map[uuid.UUID]*payments.Payment{}}
}

func (f *fakePaymentStore) Create(ctx context.Context, p *payments.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	f.byID[p.ID] = &cp
	f.createCalls++
	return nil
}

func (f *fakePaymentStore) GetByID(ctx context.Context, id uuid.UUID) (*payments.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.byID[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, payments.ErrNotFound
}

func (f *fakePaymentStore) GetByExternalID(ctx context.Context, externalID string) (*payments.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.byID {
		if p.ExternalID == externalID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, payments.ErrNotFound
}

func (f *fakePaymentStore) GetByIdempotencyKey(ctx context.Context, key string) (*payments.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.byID {
		if p.IdempotencyKey == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, payments.ErrNotFound
}

func (f *fakePaymentStore) UpdateStatus(ctx context.Context, id uuid.UUID, status payments.Status, paidAt *time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return false, f.updateErr
	}
	p, ok := f.byID[id]
	if !ok {
		return false, payments.ErrNotFound
	}
	if p.Status != payments.StatusPending {
		return false, nil
	}
	p.Status = status
	if paidAt != nil {
		p.PaidAt = paidAt
	}
	f.statusWrites++
	return true, nil
}

func (f *fakePaymentStore) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusWrites
}

// fakeGateway returns canned charge/status responses.
type fakeGateway struct {
	mu          sync.Mutex
	charge      *gateway.Charge
	chargeErr   error
	status      string
	statusErr   error
	createCalls int
}

func (f *fakeGateway) CreatePixCharge(ctx context.Context, amountCents int64, description string, ttl time.Duration, customer gateway.Customer) (*gateway.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	return f.charge, nil
}

func (f *fakeGateway) GetChargeStatus(ctx context.Context, externalID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return "", f.statusErr
	}
	return f.status, nil
}

// memApptStore mirrors the payment_id uniqueness constraint in memory.
type memApptStore struct {
	mu        sync.Mutex
	byPayment map[uuid.UUID]*appointments.Appointment
	inserts   int
}

func newMemApptStore() *memApptStore {
	return &memApptStore{byPayment: map[uuid.UUID]*appointments.Appointment{}}
}

func (s *memApptStore) Insert(ctx context.Context, a *appointments.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.PaymentID != nil {
		if _, ok := s.byPayment[*a.PaymentID]; ok {
			return appointments.ErrDuplicatePayment
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	s.inserts++
	if a.PaymentID != nil {
		s.byPayment[*a.PaymentID] = a
	}
	return nil
}

func (s *memApptStore) FindByPaymentID(ctx context.Context, paymentID uuid.UUID) (*appointments.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.byPayment[paymentID]; ok {
		return a, nil
	}
	return nil, appointments.ErrNotFound
}

func (s *memApptStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPayment)
}

func newTestService(store *fakePaymentStore, gw *fakeGateway, appts *memApptStore) *Service {
	mat := appointments.NewMaterializer(appts, logging.NewNop())
	return NewService(store, gw, mat, 100, 15*time.Minute, logging.NewNop())
}

func seedPending(store *fakePaymentStore, externalID string) *payments.Payment {
	p := &payments.Payment{
		ID:           uuid.New(),
		ExternalID:   externalID,
		Amount:       100,
		Status:       payments.StatusPending,
		ExpiresAt:    time.Now().Add(15 * time.Minute),
		PatientName:  "Maria Silva",
		PatientEmail: "maria@example.com",
		PatientCPF:   "11144477735",
		Metadata: payments.BookingMetadata{
			Version:         payments.MetadataVersion,
			ProfessionalID:  "P1",
			AppointmentDate: "2025-06-10",
			AppointmentTime: "09:00",
		},
	}
	store.Create(context.Background(), p)
	return p
}

func TestEndToEndScenario(t *testing.T) {
	store := newFakePaymentStore()
	appts := newMemApptStore()
	gw := &fakeGateway{
		charge: &gateway.Charge{
			ExternalID:   "ext-1",
			Amount:       100,
			Status:       "PENDING",
			QRCodeBase64: "aW1hZ2U=",
			PixCode:      "00020126...",
			ExpiresAt:    time.Now().Add(15 * time.Minute),
		},
	}
	svc := newTestService(store, gw, appts)

	created, err := svc.CreatePayment(context.Background(), CreatePaymentParams{
		PatientName:     "Maria Silva",
		PatientEmail:    "maria@example.com",
		PatientCPF:      "11144477735",
		ProfessionalID:  "P1",
		AppointmentDate: "2025-06-10",
		AppointmentTime: "09:00",
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if created.ExternalID != "ext-1" || created.Status != payments.StatusPending {
		t.Fatalf("unexpected created payment: %+v", created)
	}

	// The charge settles at the provider; the next poll observes it.
	gw.status = "PAID"
	polled, err := svc.CheckStatus(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if polled.Status != payments.StatusPaid {
		t.Fatalf("expected PAID, got %s", polled.Status)
	}
	if polled.PaidAt == nil {
		t.Fatal("expected paid_at to be set")
	}

	appt, err := appts.FindByPaymentID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("expected appointment: %v", err)
	}
	if appt.Status != appointments.StatusPending {
		t.Fatalf("expected pending appointment, got %s", appt.Status)
	}
	if appt.ProfessionalID != "P1" || appt.AppointmentDate != "2025-06-10" || appt.AppointmentTime != "09:00" {
		t.Fatalf("booking fields not copied verbatim: %+v", appt)
	}
	if appt.PatientCPF != "11144477735" {
		t.Fatalf("expected cpf copied, got %s", appt.PatientCPF)
	}
}

func TestPaidWebhookThenDuplicate(t *testing.T) {
	store := newFakePaymentStore()
	appts := newMemApptStore()
	svc := newTestService(store, &fakeGateway{}, appts)
	p := seedPending(store, "ext-dup")

	if err := svc.HandleEvent(context.Background(), EventPaid, "ext-dup"); err != nil {
		t.Fatalf("first paid event: %v", err)
	}
	if err := svc.HandleEvent(context.Background(), EventPaid, "ext-dup"); err != nil {
		t.Fatalf("duplicate paid event: %v", err)
	}

	if store.writes() != 1 {
		t.Fatalf("expected exactly one status write, got %d", store.writes())
	}
	if appts.count() != 1 {
		t.Fatalf("expected exactly one appointment, got %d", appts.count())
	}
	got, _ := store.GetByID(context.Background(), p.ID)
	if got.Status != payments.StatusPaid {
		t.Fatalf("expected PAID, got %s", got.Status)
	}
}

func TestTerminalStateImmutable(t *testing.T) {
	store := newFakePaymentStore()
	appts := newMemApptStore()
	svc := newTestService(store, &fakeGateway{}, appts)
	p := seedPending(store, "ext-term")

	if err := svc.HandleEvent(context.Background(), EventPaid, "ext-term"); err != nil {
		t.Fatalf("paid event: %v", err)
	}
	if err := svc.HandleEvent(context.Background(), EventExpired, "ext-term"); err != nil {
		t.Fatalf("expired event should no-op, got %v", err)
	}
	if err := svc.HandleEvent(context.Background(), EventCancelled, "ext-term"); err != nil {
		t.Fatalf("cancelled event should no-op, got %v", err)
	}

	got, _ := store.GetByID(context.Background(), p.ID)
	if got.Status != payments.StatusPaid {
		t.Fatalf("PAID must not be erased, got %s", got.Status)
	}
}

func TestExpiredEventClosesPending(t *testing.T) {
	store := newFakePaymentStore()
	appts := newMemApptStore()
	svc := newTestService(store, &fakeGateway{}, appts)
	p := seedPending(store, "ext-exp")

	if err := svc.HandleEvent(context.Background(), EventExpired, "ext-exp"); err != nil {
		t.Fatalf("expired event: %v", err)
	}
	got, _ := store.GetByID(context.Background(), p.ID)
	if got.Status != payments.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
	if appts.count() != 0 {
		t.Fatal("expired payment must not materialize")
	}
}

func TestRacingObserversConverge(t *testing.T) {
	store := newFakePaymentStore()
	appts := newMemApptStore()
	gw := &fakeGateway{status: "PAID"}
	svc := newTestService(store, gw, appts)
	p := seedPending(store, "ext-race")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = svc.HandleEvent(context.Background(), EventPaid, "ext-race")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = svc.CheckStatus(context.Background(), p.ID)
	}()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("observer %d errored: %v", i, err)
		}
	}
	got, _ := store.GetByID(context.Background(), p.ID)
	if got.Status != payments.StatusPaid {
		t.Fatalf("expected PAID after race, got %s", got.Status)
	}
	if appts.count() != 1 {
		t.Fatalf("expected exactly one appointment after race, got %d", appts.count())
	}
}

func TestExpiryIsDataNotEnforcement(t *testing.T) {
	store := newFakePaymentStore()
	appts := newMemApptStore()
	svc := newTestService(store, &fakeGateway{}, appts)
	_ = svc

	p := seedPending(store, "ext-stale")
	store.mu.Lock()
	store.byID[p.ID].ExpiresAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	// No poll, no webhook: nothing in the system flips the row.
	got, _ := store.GetByID(context.Background(), p.ID)
	if got.Status != payments.StatusPending {
		t.Fatalf("un-observed expired payment must stay PENDING, got %s", got.Status)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	store := newFakePaymentStore()
	svc := newTestService(store, &fakeGateway{}, newMemApptStore())
	seedPending(store, "ext-unknown")

	err := svc.HandleEvent(context.Background(), "pixQrCode.refunded", "ext-unknown")
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if store.writes() != 0 {
		t.Fatal("unknown event must not write")
	}
}

func TestPaidEventUnknownCharge(t *testing.T) {
	store := newFakePaymentStore()
	svc := newTestService(store, &fakeGateway{}, newMemApptStore())

	err := svc.HandleEvent(context.Background(), EventPaid, "ext-missing")
	if !errors.Is(err, payments.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreatePaymentIdempotencyReplay(t *testing.T) {
	store := newFakePaymentStore()
	gw := &fakeGateway{
		charge: &gateway.Charge{ExternalID: "ext-idem", Amount: 100, Status: "PENDING", ExpiresAt: time.Now().Add(15 * time.Minute)},
	}
	svc := newTestService(store, gw, newMemApptStore())
	params := CreatePaymentParams{
		PatientName:     "Maria",
		PatientEmail:    "maria@example.com",
		PatientCPF:      "111.444.777-35",
		ProfessionalID:  "P1",
		AppointmentDate: "2025-06-10",
		AppointmentTime: "09:00",
		IdempotencyKey:  "step-4-retry",
	}

	first, err := svc.CreatePayment(context.Background(), params)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := svc.CreatePayment(context.Background(), params)
	if err != nil {
		t.Fatalf("replay create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatal("expected replay to return the original payment")
	}
	if gw.createCalls != 1 {
		t.Fatalf("expected one gateway charge, got %d", gw.createCalls)
	}
}

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, cpf string) (bool, error) { return false, nil }

func TestCreatePaymentRateLimited(t *testing.T) {
	store := newFakePaymentStore()
	gw := &fakeGateway{charge: &gateway.Charge{ExternalID: "x", Status: "PENDING"}}
	svc := newTestService(store, gw, newMemApptStore()).WithLimiter(denyLimiter{})

	_, err := svc.CreatePayment(context.Background(), CreatePaymentParams{
		PatientName: "Maria", PatientEmail: "m@e.com", PatientCPF: "11144477735",
		ProfessionalID: "P1", AppointmentDate: "2025-06-10", AppointmentTime: "09:00",
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if gw.createCalls != 0 {
		t.Fatal("rate-limited request must not reach the gateway")
	}
}

func TestPollPathHealsStrandedPayment(t *testing.T) {
	store := newFakePaymentStore()
	appts := newMemApptStore()
	gw := &fakeGateway{status: "PAID"}
	svc := newTestService(store, gw, appts)

	// Payment already PAID (webhook wrote the status) but the webhook's
	// materialization crashed before inserting the appointment.
	p := seedPending(store, "ext-heal")
	now := time.Now().UTC()
	store.UpdateStatus(context.Background(), p.ID, payments.StatusPaid, &now)

	if _, err := svc.CheckStatus(context.Background(), p.ID); err != nil {
		t.Fatalf("check status: %v", err)
	}
	if appts.count() != 1 {
		t.Fatalf("expected poll path to materialize, got %d appointments", appts.count())
	}
}
