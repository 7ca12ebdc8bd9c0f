package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const paymentColumns = `id, external_id, amount, status, qr_code_base64, br_code,
	       expires_at, paid_at, patient_name, patient_email, patient_cpf,
	       metadata, COALESCE(idempotency_key, ''), created_at, updated_at`

// Repository persists payments and their lifecycle transitions.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new payment row and stamps created/updated timestamps.
func (r *Repository) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Metadata.Version == 0 {
		p.Metadata.Version = MetadataVersion
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("payments: marshal metadata: %w", err)
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	var idemKey any
	if p.IdempotencyKey != "" {
		idemKey = p.IdempotencyKey
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO payments (id, external_id, amount, status, qr_code_base64, br_code,
		    expires_at, paid_at, patient_name, patient_email, patient_cpf,
		    metadata, idempotency_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)`,
		p.ID, p.ExternalID, p.Amount, p.Status, p.QRCodeBase64, p.PixCode,
		p.ExpiresAt, p.PaidAt, p.PatientName, p.PatientEmail, p.PatientCPF,
		meta, idemKey, now)
	if err != nil {
		return fmt.Errorf("payments: insert: %w", err)
	}
	return nil
}

// GetByID loads a payment by its internal id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

// GetByExternalID loads a payment by the gateway's charge id. Used by the
// webhook path, which only knows the provider identifier.
func (r *Repository) GetByExternalID(ctx context.Context, externalID string) (*Payment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments WHERE external_id = $1`, externalID)
	return scanPayment(row)
}

// GetByIdempotencyKey returns the payment previously created with key, if any.
func (r *Repository) GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments WHERE idempotency_key = $1`, key)
	return scanPayment(row)
}

// UpdateStatus transitions a payment out of PENDING. The WHERE clause keeps
// terminal states immutable at the SQL level; the returned bool reports
// whether a row actually changed.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, paidAt *time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, paid_at = COALESCE($3, paid_at), updated_at = $4
		WHERE id = $1 AND status = $5`,
		id, status, paidAt, time.Now().UTC(), StatusPending)
	if err != nil {
		return false, fmt.Errorf("payments: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("payments: rows affected: %w", err)
	}
	return n > 0, nil
}

// ListStranded returns PAID payments with no appointment. These need manual
// reconciliation by an operator.
func (r *Repository) ListStranded(ctx context.Context) ([]Payment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments p
		WHERE p.status = $1
		  AND NOT EXISTS (SELECT 1 FROM appointments a WHERE a.payment_id = p.id)
		ORDER BY p.paid_at ASC`, StatusPaid)
	if err != nil {
		return nil, fmt.Errorf("payments: list stranded: %w", err)
	}
	defer rows.Close()
	return collectPayments(rows)
}

// ListRecent returns the most recently created payments, newest first.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("payments: list recent: %w", err)
	}
	defer rows.Close()
	return collectPayments(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	var meta []byte
	var paidAt sql.NullTime
	err := row.Scan(&p.ID, &p.ExternalID, &p.Amount, &p.Status, &p.QRCodeBase64, &p.PixCode,
		&p.ExpiresAt, &paidAt, &p.PatientName, &p.PatientEmail, &p.PatientCPF,
		&meta, &p.IdempotencyKey, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payments: scan: %w", err)
	}
	if paidAt.Valid {
		t := paidAt.Time
		p.PaidAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("payments: unmarshal metadata: %w", err)
		}
	}
	return &p, nil
}

func collectPayments(rows *sql.Rows) ([]Payment, error) {
	out := []Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
