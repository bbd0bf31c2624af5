// Package replay re-applies stored payment statuses to their orders, for
// repairs after an outage left an order behind its payments.
package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"paygate/internal/core"
	"paygate/internal/domain/payment"
	"paygate/internal/store/repositories"
)

const maxPayments = 200

// Reconciler re-applies one payment's stored status.
type Reconciler interface {
	Reconcile(ctx context.Context, uow repositories.UnitOfWork, id int64) error
}

// Service handles replay operations
type Service struct {
	uow repositories.UnitOfWork
	rec Reconciler
}

func NewService(uow repositories.UnitOfWork, rec Reconciler) *Service {
	return &Service{uow: uow, rec: rec}
}

// Request names payments directly or through their order.
type Request struct {
	PaymentIDs []int64 `json:"payment_ids,omitempty"`
	OrderID    int64   `json:"order_id,omitempty"`
}

// Response represents the result of a replay operation
type Response struct {
	Reconciled int     `json:"reconciled"`
	Failed     []int64 `json:"failed,omitempty"`
}

// Replay reconciles every named payment that left PENDING. Payments of an
// order are applied oldest first so the newest outcome wins.
func (s *Service) Replay(ctx context.Context, req Request) (*Response, error) {
	const op = "replay"

	ids := req.PaymentIDs
	if req.OrderID > 0 {
		ps, err := s.uow.Payments().FindByOrderID(ctx, req.OrderID)
		if err != nil {
			return nil, core.Internal(op, err)
		}
		if len(ps) == 0 {
			return nil, core.NotFound(op, fmt.Sprintf("order %d has no payments", req.OrderID))
		}
		for _, p := range ps {
			if p.Status != payment.StatusPending {
				ids = append(ids, p.ID)
			}
		}
	}
	if len(ids) == 0 && req.OrderID == 0 {
		return nil, core.Validation(op, "payment_ids or order_id is required")
	}
	if len(ids) > maxPayments {
		return nil, core.Validation(op, fmt.Sprintf("at most %d payments per replay", maxPayments))
	}

	resp := &Response{}
	for _, id := range ids {
		if err := s.rec.Reconcile(ctx, s.uow, id); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, core.Internal(op, err)
			}
			log.Error().Err(err).Int64("payment_id", id).Msg("replay: reconcile failed")
			resp.Failed = append(resp.Failed, id)
			continue
		}
		resp.Reconciled++
	}
	log.Info().
		Int("reconciled", resp.Reconciled).
		Int("failed", len(resp.Failed)).
		Msg("replay finished")
	return resp, nil
}
