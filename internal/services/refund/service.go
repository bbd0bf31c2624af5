// Package refund returns money of PAID payments through their gateway.
package refund

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"paygate/internal/core"
	"paygate/internal/domain/payment"
	"paygate/internal/provider"
	"paygate/internal/store/repositories"
)

// Service processes refunds
type Service struct {
	ledger   *provider.Ledger
	gateways *provider.Registry
}

func NewService(ledger *provider.Ledger, gateways *provider.Registry) *Service {
	return &Service{ledger: ledger, gateways: gateways}
}

// Result describes a completed refund.
type Result struct {
	PaymentID      int64          `json:"payment_id"`
	RefundID       string         `json:"refund_id,omitempty"`
	Amount         payment.Money  `json:"amount"`
	RefundedAmount payment.Money  `json:"refunded_amount"`
	Status         payment.Status `json:"status"`
}

// Refund returns amount (the whole payment when nil) of PAID payment id.
// A provider failure is logged on the payment and leaves its status alone.
func (s *Service) Refund(ctx context.Context, paymentID int64, amount *payment.Money) (*Result, error) {
	const op = "refund"

	p, err := s.ledger.Payments().FindByID(ctx, paymentID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, core.NotFound(op, fmt.Sprintf("payment %d not found", paymentID))
	}
	if err != nil {
		return nil, core.Internal(op, err)
	}

	// one refund at a time per provider transaction
	unlock, err := s.ledger.LockRefund(ctx, p.Method, p.TransactionID)
	if err != nil {
		return nil, core.Internal(op, err)
	}
	defer unlock()

	if p, err = s.ledger.Payments().FindByID(ctx, paymentID); err != nil {
		return nil, core.Internal(op, err)
	}
	if p.Status != payment.StatusPaid {
		return nil, core.StateConflict(op, fmt.Sprintf("payment %d is %s, only PAID payments can be refunded", p.ID, p.Status))
	}

	refundable := p.Amount - p.RefundedAmount
	amt := refundable
	if amount != nil {
		amt = *amount
	}
	if amt <= 0 || amt > refundable {
		return nil, core.Validation(op, fmt.Sprintf("refund amount must be between 1 and %d", refundable))
	}

	gw, err := s.gateways.Get(p.Method)
	if err != nil {
		return nil, core.Internal(op, err)
	}

	resp, gerr := gw.Refund(ctx, p, amt)
	if gerr != nil {
		log.Error().Err(gerr).
			Int64("payment_id", p.ID).
			Int64("amount", int64(amt)).
			Msg("gateway refund failed")
		if _, merr := s.ledger.Mutate(ctx, p.ID, func(p *payment.Payment) error {
			p.Record(payment.EventRefundFailed, payment.Outbound, map[string]any{
				"amount": amt,
				"error":  gerr.Error(),
			})
			return nil
		}); merr != nil {
			log.Error().Err(merr).Int64("payment_id", p.ID).Msg("recording refund failure")
		}
		var perr *provider.ProviderError
		if errors.As(gerr, &perr) && perr.Code == provider.ErrInvalidAmount {
			return nil, core.Validation(op, perr.Message)
		}
		return nil, core.Gateway(op, gerr)
	}

	p, err = s.ledger.Mutate(ctx, p.ID, func(p *payment.Payment) error {
		if p.Status != payment.StatusPaid {
			return core.StateConflict(op, fmt.Sprintf("payment %d moved to %s during refund", p.ID, p.Status))
		}
		if p.RefundedAmount+amt > p.Amount {
			return core.StateConflict(op, fmt.Sprintf("payment %d was refunded during the call", p.ID))
		}
		p.Record(payment.EventRefundRequest, payment.Outbound, map[string]any{"amount": amt})
		p.Record(payment.EventRefundResponse, payment.Inbound, refundData(resp))
		p.RefundedAmount += amt
		next := payment.StatusPartiallyRefunded
		if p.RefundedAmount >= p.Amount {
			next = payment.StatusRefunded
		}
		return p.Transition(next)
	})
	if err != nil {
		// the provider already moved the money: this needs an operator
		log.Error().Err(err).
			Int64("payment_id", paymentID).
			Str("refund_id", resp.RefundID).
			Msg("refund succeeded at provider but was not recorded")
		var ce *core.Error
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, core.Internal(op, err)
	}

	log.Info().
		Int64("payment_id", p.ID).
		Int64("amount", int64(amt)).
		Str("status", string(p.Status)).
		Msg("payment refunded")

	return &Result{
		PaymentID:      p.ID,
		RefundID:       resp.RefundID,
		Amount:         amt,
		RefundedAmount: p.RefundedAmount,
		Status:         p.Status,
	}, nil
}

func refundData(resp *provider.RefundResponse) any {
	if len(resp.Raw) > 0 {
		return resp.Raw
	}
	return resp
}
