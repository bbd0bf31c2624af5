package postgres

import (
	"context"

	"paygate/internal/domain/order"
	"paygate/internal/store/repositories"
)

// orderRepository reads orders and writes only their payment-related columns
type orderRepository struct {
	db querier
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db querier) *orderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) FindByID(ctx context.Context, id int64) (*order.Order, error) {
	return r.find(ctx, `
		SELECT id, user_id, status, payment_status, total, paid_at, updated_at, version
		FROM orders WHERE id = $1`, id)
}

func (r *orderRepository) FindForUpdate(ctx context.Context, id int64) (*order.Order, error) {
	return r.find(ctx, `
		SELECT id, user_id, status, payment_status, total, paid_at, updated_at, version
		FROM orders WHERE id = $1 FOR UPDATE`, id)
}

// UpdatePaymentState writes payment_status, status and paid_at in one statement
func (r *orderRepository) UpdatePaymentState(ctx context.Context, o *order.Order) error {
	err := r.db.QueryRow(ctx, `
		UPDATE orders
		SET payment_status = $1, status = $2, paid_at = $3, version = version + 1, updated_at = now()
		WHERE id = $4
		RETURNING version, updated_at`,
		string(o.PaymentStatus), string(o.Status), o.PaidAt, o.ID).Scan(&o.Version, &o.UpdatedAt)
	return mapErr(err)
}

func (r *orderRepository) find(ctx context.Context, query string, id int64) (*order.Order, error) {
	var o order.Order
	var status, paymentStatus string
	err := r.db.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.UserID, &status, &paymentStatus, &o.Total, &o.PaidAt, &o.UpdatedAt, &o.Version)
	if err != nil {
		return nil, mapErr(err)
	}
	o.Status = order.Status(status)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)

	rows, err := r.db.Query(ctx, `
		SELECT title, price, count, code, vat_percent
		FROM order_items WHERE order_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	o.Items = make([]order.Item, 0)
	for rows.Next() {
		var it order.Item
		if err := rows.Scan(&it.Title, &it.Price, &it.Count, &it.Code, &it.VatPercent); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &o, nil
}

var _ repositories.OrderRepository = (*orderRepository)(nil)
