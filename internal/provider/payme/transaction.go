package payme

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"paygate/internal/domain/order"
	"paygate/internal/domain/payment"
	"paygate/internal/provider"
	"paygate/internal/store/repositories"
)

// checkPerform tells Payme whether the order can be paid with the amount.
func (g *Gateway) checkPerform(ctx context.Context, prm *params) (any, *RPCError) {
	orderID, err := prm.orderID()
	if err != nil {
		return nil, rpcErr(CodeOrderNotFound, "Order not found")
	}
	minor, err := prm.amount()
	if err != nil {
		return nil, rpcErr(CodeInvalidAmount, "Invalid amount")
	}

	o, err := g.ledger.Orders().FindByID(ctx, orderID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, rpcErr(CodeOrderNotFound, "Order not found")
	}
	if err != nil {
		return nil, g.systemError("CheckPerformTransaction", err)
	}
	siblings, err := g.ledger.Payments().FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, g.systemError("CheckPerformTransaction", err)
	}
	if o.IsPaid() || anyPaid(siblings) {
		return nil, rpcErr(CodeCannotPerform, "Order already paid")
	}

	expected := payment.Money(o.Outstanding(0))
	if pending := adoptable(siblings); pending != nil {
		expected = pending.Amount
	}
	if minor != expected.Minor(g.factor) {
		return nil, rpcErr(CodeInvalidAmount, "Invalid amount")
	}

	return map[string]any{
		"allow":  true,
		"detail": g.receipt(o),
	}, nil
}

// create registers Payme's transaction against the order. Replays of the
// same id answer the stored projection whatever state it reached.
func (g *Gateway) create(ctx context.Context, prm *params) (any, *RPCError) {
	if prm.ID == "" {
		return nil, rpcErr(CodeInvalidRequest, "Transaction id missing")
	}
	minor, err := prm.amount()
	if err != nil {
		return nil, rpcErr(CodeInvalidAmount, "Invalid amount")
	}

	unlock, err := g.ledger.Lock(ctx, payment.MethodPayme, prm.ID)
	if err != nil {
		return nil, g.systemError("CreateTransaction", err)
	}
	defer unlock()

	var p *payment.Payment
	expired := false
	err = g.ledger.Do(ctx, func(tx *provider.Tx) error {
		existing, err := tx.PaymentRepository().FindByTransactionID(ctx, payment.MethodPayme, prm.ID)
		switch {
		case err == nil:
			if p, err = tx.PaymentRepository().FindForUpdate(ctx, existing.ID); err != nil {
				return err
			}
			if minor != p.Amount.Minor(g.factor) {
				return rpcErr(CodeInvalidAmount, "Invalid amount")
			}
			if p.Status == payment.StatusPending && g.expired(p) {
				expired = true
				return g.expire(ctx, tx, p)
			}
			return nil
		case !errors.Is(err, repositories.ErrNotFound):
			return err
		}

		if prm.Time > 0 && g.now().Sub(time.UnixMilli(prm.Time)) > g.policy.PaymeTransactionTimeout {
			return rpcErr(CodeCannotPerform, "Transaction time expired")
		}
		orderID, err := prm.orderID()
		if err != nil {
			return rpcErr(CodeOrderNotFound, "Order not found")
		}
		o, err := tx.OrderRepository().FindForUpdate(ctx, orderID)
		if errors.Is(err, repositories.ErrNotFound) {
			return rpcErr(CodeOrderNotFound, "Order not found")
		}
		if err != nil {
			return err
		}
		siblings, err := tx.PaymentRepository().FindByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		if o.IsPaid() || anyPaid(siblings) {
			return rpcErr(CodeCannotPerform, "Order already paid")
		}
		if busy(siblings) {
			return rpcErr(CodeOrderBusy, "Order is awaiting another transaction")
		}

		createdAt := g.now()
		if prm.Time > 0 {
			createdAt = time.UnixMilli(prm.Time).UTC()
		}

		if pending := adoptable(siblings); pending != nil {
			if minor != pending.Amount.Minor(g.factor) {
				return rpcErr(CodeInvalidAmount, "Invalid amount")
			}
			if p, err = tx.PaymentRepository().FindForUpdate(ctx, pending.ID); err != nil {
				return err
			}
			p.TransactionID = prm.ID
			p.ProviderCreatedAt = &createdAt
			p.Record(payment.EventCallback, payment.Inbound, prm.logData("CreateTransaction"))
			return tx.Save(ctx, p, p.Status)
		}

		if minor != payment.Money(o.Outstanding(0)).Minor(g.factor) {
			return rpcErr(CodeInvalidAmount, "Invalid amount")
		}
		p, err = payment.New(o.ID, prm.ID, payment.Money(minor/g.factor), payment.UZS, payment.MethodPayme)
		if err != nil {
			return rpcErr(CodeInvalidAmount, "Invalid amount")
		}
		p.ProviderCreatedAt = &createdAt
		p.Record(payment.EventCreated, payment.Internal, map[string]string{"source": "payme.create"})
		p.Record(payment.EventCallback, payment.Inbound, prm.logData("CreateTransaction"))
		return tx.Create(ctx, p)
	})
	if rerr := g.answerError("CreateTransaction", err); rerr != nil {
		return nil, rerr
	}
	if expired {
		return nil, rpcErr(CodeCannotPerform, "Transaction time expired")
	}

	return map[string]any{
		"create_time": millis(createdTime(p)),
		"transaction": strconv.FormatInt(p.ID, 10),
		"state":       state(p.Status),
	}, nil
}

// perform moves a created transaction to PAID. Performing twice answers the
// original perform_time.
func (g *Gateway) perform(ctx context.Context, prm *params) (any, *RPCError) {
	unlock, err := g.ledger.Lock(ctx, payment.MethodPayme, prm.ID)
	if err != nil {
		return nil, g.systemError("PerformTransaction", err)
	}
	defer unlock()

	var p *payment.Payment
	expired := false
	err = g.ledger.Do(ctx, func(tx *provider.Tx) error {
		var err error
		if p, err = g.findForUpdate(ctx, tx, prm.ID); err != nil {
			return err
		}
		switch p.Status {
		case payment.StatusPaid:
			return nil
		case payment.StatusPending:
		default:
			return rpcErr(CodeCannotPerform, "Transaction is not active")
		}
		if g.expired(p) {
			expired = true
			return g.expire(ctx, tx, p)
		}

		from := p.Status
		if err := p.Transition(payment.StatusPaid); err != nil {
			return err
		}
		now := g.now()
		p.PerformedAt = &now
		p.Record(payment.EventCallback, payment.Inbound, prm.logData("PerformTransaction"))
		return tx.Save(ctx, p, from)
	})
	if errors.Is(err, repositories.ErrStaleStatus) {
		if p, err = g.ledger.Payments().FindByTransactionID(ctx, payment.MethodPayme, prm.ID); err == nil && p.Status != payment.StatusPaid {
			return nil, rpcErr(CodeCannotPerform, "Transaction is not active")
		}
	}
	if rerr := g.answerError("PerformTransaction", err); rerr != nil {
		return nil, rerr
	}
	if expired {
		return nil, rpcErr(CodeCannotPerform, "Transaction time expired")
	}

	return map[string]any{
		"transaction":  strconv.FormatInt(p.ID, 10),
		"perform_time": millis(p.PerformedAt),
		"state":        StatePerformed,
	}, nil
}

// cancel cancels a created or performed transaction.
func (g *Gateway) cancel(ctx context.Context, prm *params) (any, *RPCError) {
	unlock, err := g.ledger.Lock(ctx, payment.MethodPayme, prm.ID)
	if err != nil {
		return nil, g.systemError("CancelTransaction", err)
	}
	defer unlock()

	var p *payment.Payment
	err = g.ledger.Do(ctx, func(tx *provider.Tx) error {
		var err error
		if p, err = g.findForUpdate(ctx, tx, prm.ID); err != nil {
			return err
		}
		switch p.Status {
		case payment.StatusCancelled:
			return nil
		case payment.StatusRefunded, payment.StatusPartiallyRefunded:
			return rpcErr(CodeCannotCancel, "Transaction already refunded")
		case payment.StatusPaid:
			o, err := tx.OrderRepository().FindForUpdate(ctx, p.OrderID)
			if err != nil {
				return err
			}
			if o.Fulfilled() && !g.policy.AllowCancelFulfilled {
				return rpcErr(CodeCannotCancel, "Order already fulfilled")
			}
		}

		from := p.Status
		if err := p.Transition(payment.StatusCancelled); err != nil {
			return rpcErr(CodeCannotCancel, "Transaction cannot be cancelled")
		}
		now := g.now()
		p.CancelledAt = &now
		p.CancelReason = prm.Reason
		p.Record(payment.EventCallback, payment.Inbound, prm.logData("CancelTransaction"))
		return tx.Save(ctx, p, from)
	})
	if errors.Is(err, repositories.ErrStaleStatus) {
		if p, err = g.ledger.Payments().FindByTransactionID(ctx, payment.MethodPayme, prm.ID); err == nil && p.Status != payment.StatusCancelled {
			return nil, rpcErr(CodeCannotCancel, "Transaction cannot be cancelled")
		}
	}
	if rerr := g.answerError("CancelTransaction", err); rerr != nil {
		return nil, rerr
	}

	res := map[string]any{
		"transaction": strconv.FormatInt(p.ID, 10),
		"cancel_time": millis(p.CancelledAt),
		"state":       StateCancelled,
	}
	if p.CancelReason != nil {
		res["reason"] = *p.CancelReason
	}
	return res, nil
}

func (g *Gateway) check(ctx context.Context, prm *params) (any, *RPCError) {
	p, err := g.ledger.Payments().FindByTransactionID(ctx, payment.MethodPayme, prm.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, rpcErr(CodeTxNotFound, "Transaction not found")
	}
	if err != nil {
		return nil, g.systemError("CheckTransaction", err)
	}
	return g.projection(p), nil
}

// statement lists Payme transactions created in [from, to].
func (g *Gateway) statement(ctx context.Context, prm *params) (any, *RPCError) {
	if prm.To < prm.From {
		return nil, rpcErr(CodeInvalidRequest, "Invalid period")
	}
	list, err := g.ledger.Payments().ListByProviderTime(ctx, payment.MethodPayme,
		time.UnixMilli(prm.From).UTC(), time.UnixMilli(prm.To).UTC(),
		[]payment.Status{
			payment.StatusPending,
			payment.StatusPaid,
			payment.StatusFailed,
			payment.StatusCancelled,
			payment.StatusRefunded,
			payment.StatusPartiallyRefunded,
		})
	if err != nil {
		return nil, g.systemError("GetStatement", err)
	}

	txs := make([]map[string]any, 0, len(list))
	for _, p := range list {
		row := g.projection(p)
		row["id"] = p.TransactionID
		row["time"] = millis(createdTime(p))
		row["amount"] = p.Amount.Minor(g.factor)
		row["account"] = map[string]any{"order_id": strconv.FormatInt(p.OrderID, 10)}
		txs = append(txs, row)
	}
	return map[string]any{"transactions": txs}, nil
}

// projection is the CheckTransaction view of p.
func (g *Gateway) projection(p *payment.Payment) map[string]any {
	var reason any
	if p.CancelReason != nil {
		reason = *p.CancelReason
	}
	return map[string]any{
		"create_time":  millis(createdTime(p)),
		"perform_time": millis(p.PerformedAt),
		"cancel_time":  millis(p.CancelledAt),
		"transaction":  strconv.FormatInt(p.ID, 10),
		"state":        state(p.Status),
		"reason":       reason,
	}
}

func (g *Gateway) findForUpdate(ctx context.Context, tx *provider.Tx, id string) (*payment.Payment, error) {
	found, err := tx.PaymentRepository().FindByTransactionID(ctx, payment.MethodPayme, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, rpcErr(CodeTxNotFound, "Transaction not found")
	}
	if err != nil {
		return nil, err
	}
	return tx.PaymentRepository().FindForUpdate(ctx, found.ID)
}

func (g *Gateway) expired(p *payment.Payment) bool {
	return g.now().Sub(*createdTime(p)) > g.policy.PaymeTransactionTimeout
}

// expire cancels a created transaction that outlived the timeout. The
// cancellation commits; the caller still answers -31008.
func (g *Gateway) expire(ctx context.Context, tx *provider.Tx, p *payment.Payment) error {
	from := p.Status
	if err := p.Transition(payment.StatusCancelled); err != nil {
		return err
	}
	now := g.now()
	reason := reasonTimeout
	p.CancelledAt = &now
	p.CancelReason = &reason
	log.Warn().
		Int64("payment_id", p.ID).
		Str("transaction_id", p.TransactionID).
		Msg("payme transaction expired, cancelling")
	return tx.Save(ctx, p, from)
}

// answerError turns a transaction error into an RPC error, nil on success.
func (g *Gateway) answerError(op string, err error) *RPCError {
	if err == nil {
		return nil
	}
	var rerr *RPCError
	if errors.As(err, &rerr) {
		return rerr
	}
	if errors.Is(err, repositories.ErrDuplicateTransaction) {
		return rpcErr(CodeOrderBusy, "Order is awaiting another transaction")
	}
	return g.systemError(op, err)
}

func (g *Gateway) systemError(op string, err error) *RPCError {
	log.Error().Err(err).Str("rpc_method", op).Msg("payme: store failure")
	return rpcErr(CodeSystemError, "System error")
}

// receipt is the fiscal detail returned by CheckPerformTransaction.
func (g *Gateway) receipt(o *order.Order) map[string]any {
	items := make([]map[string]any, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, map[string]any{
			"title":       it.Title,
			"price":       payment.Money(it.Price).Minor(g.factor),
			"count":       it.Count,
			"code":        it.Code,
			"vat_percent": it.VatPercent,
		})
	}
	return map[string]any{"receipt_type": 0, "items": items}
}

func anyPaid(ps []*payment.Payment) bool {
	for _, p := range ps {
		if p.Status == payment.StatusPaid {
			return true
		}
	}
	return false
}

// adoptable finds a PENDING Payme payment opened by the orchestrator that
// Payme has not yet given an id.
func adoptable(ps []*payment.Payment) *payment.Payment {
	for _, p := range ps {
		if p.Method == payment.MethodPayme && p.Status == payment.StatusPending &&
			payment.IsGeneratedTransactionID(p.TransactionID) {
			return p
		}
	}
	return nil
}

// busy reports another live Payme transaction on the order.
func busy(ps []*payment.Payment) bool {
	for _, p := range ps {
		if p.Method == payment.MethodPayme && p.Status == payment.StatusPending &&
			!payment.IsGeneratedTransactionID(p.TransactionID) {
			return true
		}
	}
	return false
}

func state(s payment.Status) int {
	switch s {
	case payment.StatusPending:
		return StateCreated
	case payment.StatusPaid:
		return StatePerformed
	case payment.StatusCancelled, payment.StatusFailed:
		return StateCancelled
	}
	return StateUnknown
}

func createdTime(p *payment.Payment) *time.Time {
	if p.ProviderCreatedAt != nil {
		return p.ProviderCreatedAt
	}
	return &p.CreatedAt
}

func millis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}
