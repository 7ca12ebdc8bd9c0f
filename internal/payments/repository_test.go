package payments

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paymentRows(p *Payment) *sqlmock.Rows {
	meta := []byte(`{"version":1,"professional_id":"P1","appointment_date":"2025-06-10","appointment_time":"09:00"}`)
	return sqlmock.NewRows([]string{
		"id", "external_id", "amount", "status", "qr_code_base64", "br_code",
		"expires_at", "paid_at", "patient_name", "patient_email", "patient_cpf",
		"metadata", "idempotency_key", "created_at", "updated_at",
	}).AddRow(
		p.ID, p.ExternalID, p.Amount, string(p.Status), p.QRCodeBase64, p.PixCode,
		p.ExpiresAt, p.PaidAt, p.PatientName, p.PatientEmail, p.PatientCPF,
		meta, p.IdempotencyKey, p.CreatedAt, p.UpdatedAt,
	)
}

func TestRepositoryCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	p := &Payment{
		ExternalID:   "pix_char_1",
		Amount:       100,
		Status:       StatusPending,
		ExpiresAt:    time.Now().Add(15 * time.Minute),
		PatientName:  "Maria",
		PatientEmail: "maria@example.com",
		PatientCPF:   "11144477735",
		Metadata: BookingMetadata{
			ProfessionalID:  "P1",
			AppointmentDate: "2025-06-10",
			AppointmentTime: "09:00",
		},
	}

	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Create(context.Background(), p))
	assert.NotEqual(t, uuid.Nil, p.ID, "create should assign an id")
	assert.Equal(t, MetadataVersion, p.Metadata.Version, "create should stamp the metadata version")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryGetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	id := uuid.New()
	p := &Payment{
		ID:           id,
		ExternalID:   "pix_char_1",
		Amount:       100,
		Status:       StatusPending,
		ExpiresAt:    time.Now().UTC(),
		PatientName:  "Maria",
		PatientEmail: "maria@example.com",
		PatientCPF:   "11144477735",
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	mock.ExpectQuery("SELECT (.+) FROM payments WHERE id =").
		WithArgs(id).
		WillReturnRows(paymentRows(p))

	got, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "P1", got.Metadata.ProfessionalID)
}

func TestRepositoryGetByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM payments WHERE id =").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepositoryGetByExternalID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	p := &Payment{ID: uuid.New(), ExternalID: "pix_char_9", Status: StatusPaid,
		ExpiresAt: time.Now(), CreatedAt: time.Now(), UpdatedAt: time.Now()}

	mock.ExpectQuery("SELECT (.+) FROM payments WHERE external_id =").
		WithArgs("pix_char_9").
		WillReturnRows(paymentRows(p))

	got, err := repo.GetByExternalID(context.Background(), "pix_char_9")
	require.NoError(t, err)
	assert.Equal(t, "pix_char_9", got.ExternalID)
}

func TestRepositoryUpdateStatusOnlyTouchesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	id := uuid.New()

	// Row is still PENDING: one row updated.
	mock.ExpectExec("UPDATE payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	updated, err := repo.UpdateStatus(context.Background(), id, StatusPaid, nil)
	require.NoError(t, err)
	assert.True(t, updated)

	// Row already terminal: the conditional WHERE matches nothing.
	mock.ExpectExec("UPDATE payments").
		WillReturnResult(sqlmock.NewResult(0, 0))
	updated, err = repo.UpdateStatus(context.Background(), id, StatusExpired, nil)
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestRepositoryListStranded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	p := &Payment{ID: uuid.New(), ExternalID: "pix_char_2", Status: StatusPaid,
		ExpiresAt: time.Now(), CreatedAt: time.Now(), UpdatedAt: time.Now()}

	mock.ExpectQuery("SELECT (.+) FROM payments p").
		WithArgs(string(StatusPaid)).
		WillReturnRows(paymentRows(p))

	out, err := repo.ListStranded(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, StatusPaid, out[0].Status)
}
