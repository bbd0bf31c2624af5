package postgres

import (
	"context"

	"paygate/internal/store/repositories"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// unitOfWork implements UnitOfWork interface
type unitOfWork struct {
	db *pgxpool.Pool
}

// NewUnitOfWork creates a new unit of work
func NewUnitOfWork(db *pgxpool.Pool) repositories.UnitOfWork {
	return &unitOfWork{db: db}
}

// Begin starts a new read-committed transaction; callers lock rows with
// FindForUpdate and guard writes with status preconditions.
func (uow *unitOfWork) Begin(ctx context.Context) (repositories.Transaction, error) {
	tx, err := uow.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &transaction{tx: tx}, nil
}

// Payments returns the non-transactional payment repository
func (uow *unitOfWork) Payments() repositories.PaymentRepository {
	return NewPaymentRepository(uow.db)
}

// Orders returns the non-transactional order repository
func (uow *unitOfWork) Orders() repositories.OrderRepository {
	return NewOrderRepository(uow.db)
}

// transaction implements Transaction interface
type transaction struct {
	tx pgx.Tx
}

// Commit commits the transaction
func (t *transaction) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

// Rollback rolls back the transaction; after Commit it is a no-op.
func (t *transaction) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err == pgx.ErrTxClosed {
		return nil
	}
	return err
}

// PaymentRepository returns a transactional payment repository
func (t *transaction) PaymentRepository() repositories.PaymentRepository {
	return NewPaymentRepository(t.tx)
}

// OrderRepository returns a transactional order repository
func (t *transaction) OrderRepository() repositories.OrderRepository {
	return NewOrderRepository(t.tx)
}
