package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/domain/order"
	"paygate/internal/domain/payment"
	"paygate/internal/events"
	"paygate/internal/store/memory"
	"paygate/internal/store/repositories"
)

func seedOrder(store *memory.Store, status order.Status, ps order.PaymentStatus) {
	store.PutOrder(order.Order{
		ID:            1,
		UserID:        7,
		Status:        status,
		PaymentStatus: ps,
		Total:         50000,
	})
}

func apply(t *testing.T, r *Reconciler, store *memory.Store, p *payment.Payment, from payment.Status) *events.StatusChanged {
	t.Helper()
	var ev *events.StatusChanged
	err := repositories.InTx(context.Background(), store, func(tx repositories.Transaction) error {
		var err error
		ev, err = r.Apply(context.Background(), tx.OrderRepository(), p, from)
		return err
	})
	require.NoError(t, err)
	return ev
}

func loadOrder(t *testing.T, store *memory.Store) *order.Order {
	t.Helper()
	o, err := store.Orders().FindByID(context.Background(), 1)
	require.NoError(t, err)
	return o
}

func TestApply(t *testing.T) {
	performed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name        string
		orderStatus order.Status
		orderPay    order.PaymentStatus
		from, to    payment.Status
		wantStatus  order.Status
		wantPay     order.PaymentStatus
		wantWrite   bool
	}{
		{"paid confirms pending order", order.StatusPending, order.PaymentPending, payment.StatusPending, payment.StatusPaid, order.StatusConfirmed, order.PaymentPaid, true},
		{"paid revives cancelled order", order.StatusCancelled, order.PaymentCancelled, payment.StatusPending, payment.StatusPaid, order.StatusConfirmed, order.PaymentPaid, true},
		{"paid keeps shipped order", order.StatusShipped, order.PaymentPending, payment.StatusPending, payment.StatusPaid, order.StatusShipped, order.PaymentPaid, true},
		{"paid again writes nothing", order.StatusConfirmed, order.PaymentPaid, payment.StatusPending, payment.StatusPaid, order.StatusConfirmed, order.PaymentPaid, false},
		{"failed on unpaid order", order.StatusPending, order.PaymentPending, payment.StatusPending, payment.StatusFailed, order.StatusPending, order.PaymentFailed, true},
		{"failed retry keeps paid order", order.StatusConfirmed, order.PaymentPaid, payment.StatusPending, payment.StatusFailed, order.StatusConfirmed, order.PaymentPaid, false},
		{"cancel unpaid order", order.StatusPending, order.PaymentPending, payment.StatusPending, payment.StatusCancelled, order.StatusCancelled, order.PaymentCancelled, true},
		{"cancel of sibling keeps paid order", order.StatusConfirmed, order.PaymentPaid, payment.StatusPending, payment.StatusCancelled, order.StatusConfirmed, order.PaymentPaid, false},
		{"cancel after payment", order.StatusConfirmed, order.PaymentPaid, payment.StatusPaid, payment.StatusCancelled, order.StatusCancelled, order.PaymentCancelled, true},
		{"refund", order.StatusDelivered, order.PaymentPaid, payment.StatusPaid, payment.StatusRefunded, order.StatusDelivered, order.PaymentRefunded, true},
		{"partial refund", order.StatusDelivered, order.PaymentPaid, payment.StatusPaid, payment.StatusPartiallyRefunded, order.StatusDelivered, order.PaymentPaid, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.NewStore()
			seedOrder(store, tc.orderStatus, tc.orderPay)
			if tc.orderPay == order.PaymentPaid {
				// an already paid order carries its paid_at
				o := loadOrder(t, store)
				at := performed.Add(-time.Hour)
				o.PaidAt = &at
				store.PutOrder(*o)
			}
			before := loadOrder(t, store)

			p := &payment.Payment{ID: 3, OrderID: 1, TransactionID: "tx-3", Method: payment.MethodClick, Status: tc.to}
			if tc.to == payment.StatusPaid {
				p.PerformedAt = &performed
			}
			ev := apply(t, New(nil), store, p, tc.from)

			after := loadOrder(t, store)
			assert.Equal(t, tc.wantStatus, after.Status)
			assert.Equal(t, tc.wantPay, after.PaymentStatus)

			assert.Equal(t, tc.wantWrite, after.Version != before.Version)

			require.NotNil(t, ev)
			assert.Equal(t, string(tc.from), ev.From)
			assert.Equal(t, string(tc.to), ev.To)
			assert.Equal(t, string(after.PaymentStatus), ev.OrderPaymentStatus)
			assert.Equal(t, int64(1), ev.OrderID)
			assert.NotEmpty(t, ev.EventID)
		})
	}
}

func TestApply_PaidAtFromPerformedAt(t *testing.T) {
	store := memory.NewStore()
	seedOrder(store, order.StatusPending, order.PaymentPending)
	performed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &payment.Payment{ID: 1, OrderID: 1, Status: payment.StatusPaid, PerformedAt: &performed}

	apply(t, New(nil), store, p, payment.StatusPending)
	o := loadOrder(t, store)
	require.NotNil(t, o.PaidAt)
	assert.True(t, performed.Equal(*o.PaidAt))
}

func TestApply_RollsBackWithTransaction(t *testing.T) {
	store := memory.NewStore()
	seedOrder(store, order.StatusPending, order.PaymentPending)
	p := &payment.Payment{ID: 1, OrderID: 1, Status: payment.StatusPaid}

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	_, err = New(nil).Apply(context.Background(), tx.OrderRepository(), p, payment.StatusPending)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(context.Background()))

	assert.Equal(t, order.PaymentPending, loadOrder(t, store).PaymentStatus)
}

func TestApply_UnknownOrder(t *testing.T) {
	store := memory.NewStore()
	p := &payment.Payment{ID: 1, OrderID: 99, Status: payment.StatusPaid}
	err := repositories.InTx(context.Background(), store, func(tx repositories.Transaction) error {
		_, err := New(nil).Apply(context.Background(), tx.OrderRepository(), p, payment.StatusPending)
		return err
	})
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestPublish(t *testing.T) {
	rec := &events.Recorder{}
	r := New(rec)
	r.Publish(context.Background(), events.StatusChanged{PaymentID: 5, To: "PAID"})
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, int64(5), rec.Events()[0].PaymentID)
}

func TestReconcile_RepairsOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedOrder(store, order.StatusPending, order.PaymentPending)

	p, err := payment.New(1, "tx-1", 50000, payment.UZS, payment.MethodUzum)
	require.NoError(t, err)
	require.NoError(t, store.Payments().Create(ctx, p))
	// the payment moved but the order was never told
	p.Status = payment.StatusPaid
	require.NoError(t, store.Payments().UpdateStatus(ctx, p, payment.StatusPending))

	r := New(nil)
	require.NoError(t, r.Reconcile(ctx, store, p.ID))
	o := loadOrder(t, store)
	assert.Equal(t, order.PaymentPaid, o.PaymentStatus)
	assert.Equal(t, order.StatusConfirmed, o.Status)

	version := o.Version
	require.NoError(t, r.Reconcile(ctx, store, p.ID))
	assert.Equal(t, version, loadOrder(t, store).Version)
}
