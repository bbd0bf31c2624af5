package provider

import (
	"context"
	"errors"

	"paygate/internal/domain/payment"
	"paygate/internal/events"
	"paygate/internal/store/lock"
	"paygate/internal/store/repositories"

	"github.com/rs/zerolog/log"
)

// Reconciler propagates a committed-to-be payment transition to its order.
// Apply runs inside the store transaction; Publish runs after commit.
type Reconciler interface {
	Apply(ctx context.Context, orders repositories.OrderRepository, p *payment.Payment, from payment.Status) (*events.StatusChanged, error)
	Publish(ctx context.Context, ev events.StatusChanged)
}

// Ledger is the single path through which adapters and services mutate
// payments: a store transaction, an optimistic status precondition and
// reconciliation of the owning order in the same transaction.
type Ledger struct {
	uow    repositories.UnitOfWork
	rec    Reconciler
	locker lock.Locker
}

// NewLedger creates a ledger; a nil locker means an in-process one.
func NewLedger(uow repositories.UnitOfWork, rec Reconciler, locker lock.Locker) *Ledger {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Ledger{uow: uow, rec: rec, locker: locker}
}

// Payments returns the non-transactional payment repository.
func (l *Ledger) Payments() repositories.PaymentRepository { return l.uow.Payments() }

// Orders returns the non-transactional order repository.
func (l *Ledger) Orders() repositories.OrderRepository { return l.uow.Orders() }

// Lock serializes callbacks for one provider transaction. Callers verify
// signatures before taking it.
func (l *Ledger) Lock(ctx context.Context, m payment.Method, transactionID string) (func(), error) {
	return l.locker.Lock(ctx, lock.Key(string(m), transactionID))
}

// LockRefund serializes refunds of one provider transaction. It is separate
// from Lock so callbacks are not held up by the outbound refund call.
func (l *Ledger) LockRefund(ctx context.Context, m payment.Method, transactionID string) (func(), error) {
	return l.locker.Lock(ctx, lock.Key(string(m)+":refund", transactionID))
}

// Tx is the transaction scope handed to Do.
type Tx struct {
	repositories.Transaction
	rec     Reconciler
	changes []events.StatusChanged
}

// Create inserts a new payment.
func (t *Tx) Create(ctx context.Context, p *payment.Payment) error {
	return t.PaymentRepository().Create(ctx, p)
}

// Save persists p. When its status differs from from, the change is logged,
// written under the precondition that the stored status is still from, and
// reconciled to the order. Otherwise only new log entries are appended.
func (t *Tx) Save(ctx context.Context, p *payment.Payment, from payment.Status) error {
	if p.Status == from {
		return t.PaymentRepository().AppendEvents(ctx, p)
	}
	p.Record(payment.EventStatusChanged, payment.Internal, map[string]string{
		"from": string(from),
		"to":   string(p.Status),
	})
	if err := t.PaymentRepository().UpdateStatus(ctx, p, from); err != nil {
		return err
	}
	ev, err := t.rec.Apply(ctx, t.OrderRepository(), p, from)
	if err != nil {
		return err
	}
	if ev != nil {
		t.changes = append(t.changes, *ev)
	}
	return nil
}

// Do runs fn in a store transaction. Status changes saved through the Tx
// are published once the transaction has committed.
func (l *Ledger) Do(ctx context.Context, fn func(tx *Tx) error) error {
	rtx, err := l.uow.Begin(ctx)
	if err != nil {
		return err
	}
	defer rtx.Rollback(ctx)

	tx := &Tx{Transaction: rtx, rec: l.rec}
	if err := fn(tx); err != nil {
		return err
	}
	if err := rtx.Commit(ctx); err != nil {
		return err
	}
	for _, ev := range tx.changes {
		l.rec.Publish(ctx, ev)
	}
	return nil
}

// Mutate locks payment id, hands it to fn and saves the result. When the
// precondition is lost to a concurrent writer the freshly stored payment is
// returned together with repositories.ErrStaleStatus.
func (l *Ledger) Mutate(ctx context.Context, id int64, fn func(p *payment.Payment) error) (*payment.Payment, error) {
	var out *payment.Payment
	err := l.Do(ctx, func(tx *Tx) error {
		p, err := tx.PaymentRepository().FindForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from := p.Status
		if err := fn(p); err != nil {
			return err
		}
		if err := tx.Save(ctx, p, from); err != nil {
			return err
		}
		out = p
		return nil
	})
	if errors.Is(err, repositories.ErrStaleStatus) {
		log.Warn().Int64("payment_id", id).Msg("payment changed concurrently, returning stored state")
		stored, ferr := l.uow.Payments().FindByID(ctx, id)
		if ferr != nil {
			return nil, ferr
		}
		return stored, err
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
