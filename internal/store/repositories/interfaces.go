package repositories

import (
	"context"
	"errors"
	"time"

	"paygate/internal/domain/order"
	"paygate/internal/domain/payment"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrStaleStatus means an optimistic status precondition did not hold:
	// somebody else moved the row first.
	ErrStaleStatus = errors.New("stale status")
	// ErrDuplicateTransaction means transaction_id is already taken for the method.
	ErrDuplicateTransaction = errors.New("duplicate transaction id")
)

// PaymentRepository defines the contract for payment data access
type PaymentRepository interface {
	// Create inserts p and fills p.ID.
	Create(ctx context.Context, p *payment.Payment) error
	FindByID(ctx context.Context, id int64) (*payment.Payment, error)
	FindByTransactionID(ctx context.Context, method payment.Method, transactionID string) (*payment.Payment, error)
	FindByOrderID(ctx context.Context, orderID int64) ([]*payment.Payment, error)
	// FindForUpdate is FindByID holding a row lock inside a transaction.
	FindForUpdate(ctx context.Context, id int64) (*payment.Payment, error)
	// UpdateStatus persists p (status, timestamps, transaction id and new log
	// entries) only if the stored status still equals from.
	UpdateStatus(ctx context.Context, p *payment.Payment, from payment.Status) error
	// AppendEvents persists log entries beyond what is stored, the
	// transaction id and a first provider creation time, without touching
	// status.
	AppendEvents(ctx context.Context, p *payment.Payment) error
	ListByStatus(ctx context.Context, method payment.Method, status payment.Status, olderThan time.Time, limit int) ([]*payment.Payment, error)
	ListByProviderTime(ctx context.Context, method payment.Method, from, to time.Time, statuses []payment.Status) ([]*payment.Payment, error)
}

// OrderRepository is the narrow view of the order store this engine needs
type OrderRepository interface {
	FindByID(ctx context.Context, id int64) (*order.Order, error)
	FindForUpdate(ctx context.Context, id int64) (*order.Order, error)
	// UpdatePaymentState writes PaymentStatus, Status and PaidAt and bumps Version.
	UpdatePaymentState(ctx context.Context, o *order.Order) error
}

// UnitOfWork defines transactional operations
type UnitOfWork interface {
	Begin(ctx context.Context) (Transaction, error)
	Payments() PaymentRepository
	Orders() OrderRepository
}

// Transaction defines a database transaction
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	PaymentRepository() PaymentRepository
	OrderRepository() OrderRepository
}

// InTx runs fn inside a transaction, committing on nil error.
func InTx(ctx context.Context, uow UnitOfWork, fn func(tx Transaction) error) error {
	tx, err := uow.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
