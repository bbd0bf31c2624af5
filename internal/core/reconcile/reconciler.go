package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"paygate/internal/domain/order"
	"paygate/internal/domain/payment"
	"paygate/internal/events"
	"paygate/internal/provider"
	"paygate/internal/store/repositories"
)

// Reconciler is the only writer of an order's payment state. It runs in the
// transaction that moved the payment, so the order never shows a state the
// payment has not committed.
type Reconciler struct {
	pub events.Publisher
	now func() time.Time
}

// New creates a reconciler publishing through pub (nil means no broker).
func New(pub events.Publisher) *Reconciler {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Reconciler{pub: pub, now: func() time.Time { return time.Now().UTC() }}
}

// Apply propagates p's status (just moved away from from) to its order. It
// returns the event to publish after commit. Re-applying a status the order
// already reflects writes nothing.
func (r *Reconciler) Apply(ctx context.Context, orders repositories.OrderRepository, p *payment.Payment, from payment.Status) (*events.StatusChanged, error) {
	ev := &events.StatusChanged{
		EventID:       uuid.NewString(),
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		TransactionID: p.TransactionID,
		Method:        string(p.Method),
		From:          string(from),
		To:            string(p.Status),
		OccurredAt:    r.now(),
	}

	o, err := orders.FindForUpdate(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}

	changed := r.target(o, p, from)
	ev.OrderPaymentStatus = string(o.PaymentStatus)
	ev.OrderStatus = string(o.Status)
	if !changed {
		log.Debug().
			Int64("payment_id", p.ID).
			Int64("order_id", o.ID).
			Str("status", string(p.Status)).
			Msg("order already reconciled")
		return ev, nil
	}

	if err := orders.UpdatePaymentState(ctx, o); err != nil {
		return nil, err
	}
	log.Info().
		Int64("payment_id", p.ID).
		Int64("order_id", o.ID).
		Str("payment_status", string(o.PaymentStatus)).
		Str("order_status", string(o.Status)).
		Msg("order reconciled")
	return ev, nil
}

// target mutates o toward what p's status implies and reports whether
// anything changed.
func (r *Reconciler) target(o *order.Order, p *payment.Payment, from payment.Status) bool {
	before := *o
	switch p.Status {
	case payment.StatusPaid:
		o.PaymentStatus = order.PaymentPaid
		if o.Status == order.StatusPending || o.Status == order.StatusCancelled {
			o.Status = order.StatusConfirmed
		}
		if o.PaidAt == nil {
			at := r.now()
			if p.PerformedAt != nil {
				at = *p.PerformedAt
			}
			o.PaidAt = &at
		}
	case payment.StatusFailed:
		// a failed retry does not undo another payment that succeeded
		if o.IsPaid() {
			return false
		}
		o.PaymentStatus = order.PaymentFailed
	case payment.StatusCancelled:
		if o.IsPaid() && from != payment.StatusPaid {
			return false
		}
		o.PaymentStatus = order.PaymentCancelled
		o.Status = order.StatusCancelled
	case payment.StatusRefunded:
		o.PaymentStatus = order.PaymentRefunded
	default:
		// PENDING and PARTIALLY_REFUNDED leave the order as it is
		return false
	}
	return o.PaymentStatus != before.PaymentStatus ||
		o.Status != before.Status ||
		(before.PaidAt == nil) != (o.PaidAt == nil)
}

// Publish delivers ev; failures are logged since the transition is
// already committed.
func (r *Reconciler) Publish(ctx context.Context, ev events.StatusChanged) {
	if err := r.pub.Publish(ctx, ev); err != nil {
		log.Error().Err(err).
			Int64("payment_id", ev.PaymentID).
			Str("to", ev.To).
			Msg("status change publish failed")
	}
}

// Reconcile re-applies the stored status of payment id to its order. It is
// idempotent and serves repairs after a partial outage.
func (r *Reconciler) Reconcile(ctx context.Context, uow repositories.UnitOfWork, id int64) error {
	return repositories.InTx(ctx, uow, func(tx repositories.Transaction) error {
		p, err := tx.PaymentRepository().FindByID(ctx, id)
		if err != nil {
			return err
		}
		from := payment.StatusPending
		if p.PerformedAt != nil && p.Status != payment.StatusPaid {
			from = payment.StatusPaid
		}
		_, err = r.Apply(ctx, tx.OrderRepository(), p, from)
		return err
	})
}

var _ provider.Reconciler = (*Reconciler)(nil)
