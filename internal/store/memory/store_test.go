package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/domain/order"
	"paygate/internal/domain/payment"
	"paygate/internal/store/repositories"
)

func newPayment(t *testing.T, txID string, method payment.Method) *payment.Payment {
	t.Helper()
	p, err := payment.New(1, txID, 50000, payment.UZS, method)
	require.NoError(t, err)
	return p
}

func TestCreateAndFind(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	p := newPayment(t, "tx-1", payment.MethodClick)
	require.NoError(t, s.Payments().Create(ctx, p))
	assert.Equal(t, int64(1), p.ID)

	got, err := s.Payments().FindByTransactionID(ctx, payment.MethodClick, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = s.Payments().FindByTransactionID(ctx, payment.MethodPayme, "tx-1")
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	// the same id is free under another method
	require.NoError(t, s.Payments().Create(ctx, newPayment(t, "tx-1", payment.MethodPayme)))
	err = s.Payments().Create(ctx, newPayment(t, "tx-1", payment.MethodClick))
	assert.ErrorIs(t, err, repositories.ErrDuplicateTransaction)

	ps, err := s.Payments().FindByOrderID(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, ps, 2)
}

func TestReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	p := newPayment(t, "tx-1", payment.MethodClick)
	require.NoError(t, s.Payments().Create(ctx, p))

	got, err := s.Payments().FindByID(ctx, p.ID)
	require.NoError(t, err)
	got.Status = payment.StatusPaid
	got.Record(payment.EventCallback, payment.Inbound, nil)

	again, err := s.Payments().FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, again.Status)
	assert.Empty(t, again.Log)
}

func TestUpdateStatusIsOptimistic(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	p := newPayment(t, "tx-1", payment.MethodClick)
	require.NoError(t, s.Payments().Create(ctx, p))

	first, _ := s.Payments().FindByID(ctx, p.ID)
	second, _ := s.Payments().FindByID(ctx, p.ID)

	require.NoError(t, first.Transition(payment.StatusPaid))
	require.NoError(t, s.Payments().UpdateStatus(ctx, first, payment.StatusPending))

	require.NoError(t, second.Transition(payment.StatusFailed))
	err := s.Payments().UpdateStatus(ctx, second, payment.StatusPending)
	assert.ErrorIs(t, err, repositories.ErrStaleStatus)

	got, _ := s.Payments().FindByID(ctx, p.ID)
	assert.Equal(t, payment.StatusPaid, got.Status)
}

func TestAppendEventsKeepsStatusAndAmount(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	p := newPayment(t, "tx-1", payment.MethodPayme)
	require.NoError(t, s.Payments().Create(ctx, p))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.Status = payment.StatusPaid
	p.Amount = 1
	p.ProviderCreatedAt = &at
	p.TransactionID = "provider-1"
	p.Record(payment.EventCallback, payment.Inbound, map[string]string{"a": "b"})
	require.NoError(t, s.Payments().AppendEvents(ctx, p))

	got, _ := s.Payments().FindByID(ctx, p.ID)
	assert.Equal(t, payment.StatusPending, got.Status)
	assert.Equal(t, payment.Money(50000), got.Amount)
	assert.Equal(t, "provider-1", got.TransactionID)
	require.NotNil(t, got.ProviderCreatedAt)
	assert.True(t, at.Equal(*got.ProviderCreatedAt))
	assert.Len(t, got.Log, 1)

	// a shorter log never truncates what is stored
	got.Log = nil
	require.NoError(t, s.Payments().AppendEvents(ctx, got))
	again, _ := s.Payments().FindByID(ctx, p.ID)
	assert.Len(t, again.Log, 1)
}

func TestTransactionIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.PutOrder(order.Order{ID: 1, Total: 50000, Status: order.StatusPending, PaymentStatus: order.PaymentPending})

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	p := newPayment(t, "tx-1", payment.MethodUzum)
	require.NoError(t, tx.PaymentRepository().Create(ctx, p))
	o, err := tx.OrderRepository().FindForUpdate(ctx, 1)
	require.NoError(t, err)
	o.PaymentStatus = order.PaymentPaid
	require.NoError(t, tx.OrderRepository().UpdatePaymentState(ctx, o))

	// staged writes are visible inside the transaction only
	_, err = tx.PaymentRepository().FindByID(ctx, p.ID)
	require.NoError(t, err)
	_, err = s.Payments().FindByID(ctx, p.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	require.NoError(t, tx.Rollback(ctx))
	got, err := s.Orders().FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentPending, got.PaymentStatus)
	assert.Zero(t, got.Version)

	err = repositories.InTx(ctx, s, func(tx repositories.Transaction) error {
		o, err := tx.OrderRepository().FindForUpdate(ctx, 1)
		if err != nil {
			return err
		}
		o.PaymentStatus = order.PaymentPaid
		return tx.OrderRepository().UpdatePaymentState(ctx, o)
	})
	require.NoError(t, err)
	got, err = s.Orders().FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, int64(1), got.Version)
}

func TestListByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now().UTC()
	for i, age := range []time.Duration{time.Hour, 2 * time.Hour, time.Second} {
		p := newPayment(t, []string{"a", "b", "c"}[i], payment.MethodUzum)
		p.CreatedAt = now.Add(-age)
		require.NoError(t, s.Payments().Create(ctx, p))
	}
	require.NoError(t, s.Payments().Create(ctx, newPayment(t, "d", payment.MethodClick)))

	got, err := s.Payments().ListByStatus(ctx, payment.MethodUzum, payment.StatusPending, now.Add(-time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].TransactionID)

	got, err = s.Payments().ListByStatus(ctx, payment.MethodUzum, payment.StatusPending, now.Add(-time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestListByProviderTime(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	add := func(txID string, offset time.Duration, status payment.Status) {
		p := newPayment(t, txID, payment.MethodPayme)
		at := base.Add(offset)
		p.ProviderCreatedAt = &at
		p.Status = status
		require.NoError(t, s.Payments().Create(ctx, p))
	}
	add("late", 2*time.Hour, payment.StatusPaid)
	add("early", time.Hour, payment.StatusPending)
	add("failed", 90*time.Minute, payment.StatusFailed)
	add("outside", 5*time.Hour, payment.StatusPaid)
	require.NoError(t, s.Payments().Create(ctx, newPayment(t, "no-time", payment.MethodPayme)))

	got, err := s.Payments().ListByProviderTime(ctx, payment.MethodPayme, base, base.Add(3*time.Hour),
		[]payment.Status{payment.StatusPending, payment.StatusPaid})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "early", got[0].TransactionID)
	assert.Equal(t, "late", got[1].TransactionID)

	all, err := s.Payments().ListByProviderTime(ctx, payment.MethodPayme, base, base.Add(3*time.Hour), nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
