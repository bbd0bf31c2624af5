package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"paygate/internal/domain/payment"
	"paygate/internal/store/repositories"
)

const paymentColumns = `id, transaction_id, order_id, amount, currency, method, status,
	provider_created_at, performed_at, cancelled_at, cancel_reason, refunded_amount,
	created_at, updated_at`

// paymentRepository implements PaymentRepository on a pool or a transaction
type paymentRepository struct {
	db querier
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db querier) *paymentRepository {
	return &paymentRepository{db: db}
}

// Create inserts the payment row and its initial log entries atomically.
func (r *paymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	return mapErr(pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO payments (transaction_id, order_id, amount, currency, method, status,
				provider_created_at, performed_at, cancelled_at, cancel_reason, refunded_amount,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING id`,
			p.TransactionID, p.OrderID, int64(p.Amount), string(p.Currency), string(p.Method), string(p.Status),
			p.ProviderCreatedAt, p.PerformedAt, p.CancelledAt, p.CancelReason, int64(p.RefundedAmount),
			p.CreatedAt, p.UpdatedAt).Scan(&p.ID)
		if err != nil {
			return err
		}
		return insertEvents(ctx, tx, p.ID, p.Log)
	}))
}

// FindByID finds a payment by ID
func (r *paymentRepository) FindByID(ctx context.Context, id int64) (*payment.Payment, error) {
	return r.findOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

// FindForUpdate locks the row until the surrounding transaction ends
func (r *paymentRepository) FindForUpdate(ctx context.Context, id int64) (*payment.Payment, error) {
	return r.findOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
}

// FindByTransactionID finds a payment by gateway and correlation key
func (r *paymentRepository) FindByTransactionID(ctx context.Context, method payment.Method, transactionID string) (*payment.Payment, error) {
	return r.findOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE method = $1 AND transaction_id = $2`,
		string(method), transactionID)
}

// FindByOrderID lists payments of an order, oldest first
func (r *paymentRepository) FindByOrderID(ctx context.Context, orderID int64) ([]*payment.Payment, error) {
	return r.findMany(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY id`, orderID)
}

// UpdateStatus writes the mutable columns under the optimistic precondition
// status = from, then appends new log entries.
func (r *paymentRepository) UpdateStatus(ctx context.Context, p *payment.Payment, from payment.Status) error {
	return mapErr(pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE payments
			SET status = $1, transaction_id = $2, provider_created_at = $3, performed_at = $4,
			    cancelled_at = $5, cancel_reason = $6, refunded_amount = $7, updated_at = now()
			WHERE id = $8 AND status = $9
			RETURNING updated_at`,
			string(p.Status), p.TransactionID, p.ProviderCreatedAt, p.PerformedAt,
			p.CancelledAt, p.CancelReason, int64(p.RefundedAmount), p.ID, string(from)).Scan(&p.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return repositories.ErrNotFound
			}
			return repositories.ErrStaleStatus
		}
		if err != nil {
			return err
		}
		return appendNewEvents(ctx, tx, p)
	}))
}

// AppendEvents stores new log entries, the (possibly adopted) transaction id
// and a provider creation time if none was stored yet
func (r *paymentRepository) AppendEvents(ctx context.Context, p *payment.Payment) error {
	return mapErr(pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE payments
			SET transaction_id = $1,
			    provider_created_at = COALESCE(provider_created_at, $2),
			    updated_at = now()
			WHERE id = $3`,
			p.TransactionID, p.ProviderCreatedAt, p.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return repositories.ErrNotFound
		}
		return appendNewEvents(ctx, tx, p)
	}))
}

// ListByStatus returns payments stuck in status since before olderThan
func (r *paymentRepository) ListByStatus(ctx context.Context, method payment.Method, status payment.Status, olderThan time.Time, limit int) ([]*payment.Payment, error) {
	return r.findMany(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE method = $1 AND status = $2 AND created_at < $3
		ORDER BY created_at ASC
		LIMIT NULLIF($4, 0)`, string(method), string(status), olderThan, limit)
}

// ListByProviderTime returns payments whose provider-side creation time is in [from, to]
func (r *paymentRepository) ListByProviderTime(ctx context.Context, method payment.Method, from, to time.Time, statuses []payment.Status) ([]*payment.Payment, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	return r.findMany(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE method = $1 AND provider_created_at BETWEEN $2 AND $3
		  AND (cardinality($4::text[]) = 0 OR status = ANY($4))
		ORDER BY provider_created_at ASC`, string(method), from, to, names)
}

func (r *paymentRepository) findOne(ctx context.Context, query string, args ...any) (*payment.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapErr(err)
	}
	if p.Log, err = loadEvents(ctx, r.db, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *paymentRepository) findMany(ctx context.Context, query string, args ...any) ([]*payment.Payment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var payments []*payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		payments = append(payments, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range payments {
		if p.Log, err = loadEvents(ctx, r.db, p.ID); err != nil {
			return nil, err
		}
	}
	return payments, nil
}

// scanPayment scans a single row into payment domain object
func scanPayment(row pgx.Row) (*payment.Payment, error) {
	var p payment.Payment
	var amount, refunded int64
	var currency, method, status string
	err := row.Scan(
		&p.ID, &p.TransactionID, &p.OrderID, &amount, &currency, &method, &status,
		&p.ProviderCreatedAt, &p.PerformedAt, &p.CancelledAt, &p.CancelReason, &refunded,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Amount = payment.Money(amount)
	p.RefundedAmount = payment.Money(refunded)
	p.Currency = payment.Currency(currency)
	p.Method = payment.Method(method)
	p.Status = payment.Status(status)
	return &p, nil
}

func loadEvents(ctx context.Context, db querier, paymentID int64) ([]payment.Event, error) {
	rows, err := db.Query(ctx, `
		SELECT seq, version, kind, direction, at, data
		FROM payment_events WHERE payment_id = $1 ORDER BY seq`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []payment.Event{}
	for rows.Next() {
		var ev payment.Event
		var kind, dir string
		var data []byte
		if err := rows.Scan(&ev.Seq, &ev.Version, &kind, &dir, &ev.At, &data); err != nil {
			return nil, err
		}
		ev.Kind = payment.EventKind(kind)
		ev.Direction = payment.Direction(dir)
		ev.Data = data
		events = append(events, ev)
	}
	return events, rows.Err()
}

// appendNewEvents inserts entries with seq above what is stored; earlier
// entries are never rewritten.
func appendNewEvents(ctx context.Context, tx pgx.Tx, p *payment.Payment) error {
	var stored int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM payment_events WHERE payment_id = $1`, p.ID).Scan(&stored); err != nil {
		return err
	}
	if stored >= len(p.Log) {
		return nil
	}
	return insertEvents(ctx, tx, p.ID, p.Log[stored:])
}

func insertEvents(ctx context.Context, tx pgx.Tx, paymentID int64, events []payment.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		var data []byte
		if len(ev.Data) > 0 {
			data = ev.Data
		}
		batch.Queue(`
			INSERT INTO payment_events (payment_id, seq, version, kind, direction, at, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			paymentID, ev.Seq, ev.Version, string(ev.Kind), string(ev.Direction), ev.At, data)
	}
	return tx.SendBatch(ctx, batch).Close()
}
