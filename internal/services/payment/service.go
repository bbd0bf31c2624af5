package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"paygate/internal/core"
	"paygate/internal/domain/order"
	"paygate/internal/domain/payment"
	"paygate/internal/provider"
	"paygate/internal/store/repositories"
)

// OwnershipChecker answers whether a caller may pay for an order.
type OwnershipChecker interface {
	Owns(ctx context.Context, userID, orderID int64) (bool, error)
}

// OrderOwnership checks ownership against the order's user id.
type OrderOwnership struct {
	Orders repositories.OrderRepository
}

func (o OrderOwnership) Owns(ctx context.Context, userID, orderID int64) (bool, error) {
	ord, err := o.Orders.FindByID(ctx, orderID)
	if errors.Is(err, repositories.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ord.UserID == userID, nil
}

// Service orchestrates payment creation: it records the payment before any
// provider call and records the outcome after it.
type Service struct {
	ledger   *provider.Ledger
	gateways *provider.Registry
	owners   OwnershipChecker
	now      func() time.Time
}

// NewService creates a new payment service; a nil owners checks the order's user id.
func NewService(ledger *provider.Ledger, gateways *provider.Registry, owners OwnershipChecker) *Service {
	if owners == nil {
		owners = OrderOwnership{Orders: ledger.Orders()}
	}
	return &Service{
		ledger:   ledger,
		gateways: gateways,
		owners:   owners,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// InitiateInput describes one payment attempt. UserID zero skips the
// ownership check (trusted internal callers).
type InitiateInput struct {
	OrderID   int64
	UserID    int64
	Amount    payment.Money
	Method    string
	Currency  payment.Currency
	ReturnURL string
	CancelURL string
	Card      *provider.Card
}

// InitiateResult is what the caller needs to send the payer on.
type InitiateResult struct {
	PaymentID     int64          `json:"payment_id"`
	TransactionID string         `json:"transaction_id"`
	PaymentURL    string         `json:"payment_url,omitempty"`
	Payload       map[string]any `json:"provider_payload,omitempty"`
}

// Initiate creates a PENDING payment, then asks the gateway to start it.
// A gateway failure marks the payment FAILED and is returned as a gateway
// error.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (*InitiateResult, error) {
	const op = "payment.initiate"

	method, err := payment.ParseMethod(in.Method)
	if err != nil {
		return nil, core.Validation(op, err.Error())
	}
	if in.Amount <= 0 {
		return nil, core.Validation(op, fmt.Sprintf("amount must be positive, got %d", in.Amount))
	}
	gw, err := s.gateways.Get(method)
	if err != nil {
		return nil, core.Validation(op, err.Error())
	}
	o, outstanding, err := s.payable(ctx, op, in.OrderID, in.UserID)
	if err != nil {
		return nil, err
	}
	if in.Amount > payment.Money(outstanding) {
		return nil, core.Validation(op, fmt.Sprintf("amount %d exceeds outstanding %d", in.Amount, outstanding))
	}
	currency := in.Currency
	if currency == "" {
		currency = payment.UZS
	}

	// record
	var p *payment.Payment
	err = s.ledger.Do(ctx, func(tx *provider.Tx) error {
		var err error
		p, err = payment.New(o.ID, payment.NewTransactionID(method, s.now()), in.Amount, currency, method)
		if err != nil {
			return core.Validation(op, err.Error())
		}
		p.Record(payment.EventCreated, payment.Internal, map[string]any{
			"source":     "api",
			"user_id":    in.UserID,
			"return_url": in.ReturnURL,
			"cancel_url": in.CancelURL,
		})
		return tx.Create(ctx, p)
	})
	if err != nil {
		return nil, wrap(op, err)
	}

	// call, outside any transaction
	resp, gerr := gw.Initiate(ctx, provider.InitiateRequest{
		Payment:   p,
		Order:     o,
		ReturnURL: in.ReturnURL,
		CancelURL: in.CancelURL,
		Card:      in.Card,
	})
	if gerr != nil {
		log.Error().Err(gerr).
			Int64("payment_id", p.ID).
			Str("method", string(method)).
			Msg("gateway initiate failed")
		_, merr := s.ledger.Mutate(ctx, p.ID, func(p *payment.Payment) error {
			p.Record(payment.EventInitiateFailed, payment.Outbound, failureData(gerr))
			if p.Status != payment.StatusPending {
				return nil
			}
			return p.Transition(payment.StatusFailed)
		})
		if merr != nil {
			log.Error().Err(merr).Int64("payment_id", p.ID).Msg("recording initiate failure")
		}
		return nil, core.Gateway(op, gerr)
	}

	// record outcome
	p, err = s.ledger.Mutate(ctx, p.ID, func(p *payment.Payment) error {
		if len(resp.Request) > 0 {
			p.Record(payment.EventInitiateRequest, payment.Outbound, resp.Request)
		}
		out := any(resp.Response)
		if len(resp.Response) == 0 {
			out = resp.Payload
		}
		p.Record(payment.EventInitiateResponse, payment.Inbound, out)
		if resp.TransactionID != "" && payment.IsGeneratedTransactionID(p.TransactionID) {
			p.TransactionID = resp.TransactionID
		}
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}

	log.Info().
		Int64("payment_id", p.ID).
		Int64("order_id", p.OrderID).
		Str("transaction_id", p.TransactionID).
		Str("method", string(method)).
		Msg("payment initiated")

	return &InitiateResult{
		PaymentID:     p.ID,
		TransactionID: p.TransactionID,
		PaymentURL:    resp.PaymentURL,
		Payload:       resp.Payload,
	}, nil
}

// ProcessInput pays whatever is still owed on an order.
type ProcessInput struct {
	OrderID   int64
	UserID    int64
	Method    string
	ReturnURL string
	CancelURL string
	Card      *provider.Card
}

// Process initiates a payment for the order's outstanding amount.
func (s *Service) Process(ctx context.Context, in ProcessInput) (*InitiateResult, error) {
	_, outstanding, err := s.payable(ctx, "payment.process", in.OrderID, in.UserID)
	if err != nil {
		return nil, err
	}
	return s.Initiate(ctx, InitiateInput{
		OrderID:   in.OrderID,
		UserID:    in.UserID,
		Amount:    payment.Money(outstanding),
		Method:    in.Method,
		ReturnURL: in.ReturnURL,
		CancelURL: in.CancelURL,
		Card:      in.Card,
	})
}

// payable loads the order, checks ownership and returns what is still owed.
func (s *Service) payable(ctx context.Context, op string, orderID, userID int64) (*order.Order, int64, error) {
	if orderID <= 0 {
		return nil, 0, core.Validation(op, "order_id is required")
	}
	if userID != 0 {
		owns, err := s.owners.Owns(ctx, userID, orderID)
		if err != nil {
			return nil, 0, core.Internal(op, err)
		}
		if !owns {
			return nil, 0, core.NotFound(op, fmt.Sprintf("order %d not found", orderID))
		}
	}
	o, err := s.ledger.Orders().FindByID(ctx, orderID)
	if err != nil {
		return nil, 0, wrap(op, err)
	}
	siblings, err := s.ledger.Payments().FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, 0, core.Internal(op, err)
	}
	var paid int64
	for _, p := range siblings {
		if p.Status == payment.StatusPaid {
			paid += int64(p.Amount)
		}
	}
	outstanding := o.Outstanding(paid)
	if outstanding == 0 {
		return nil, 0, core.StateConflict(op, fmt.Sprintf("order %d has nothing left to pay", orderID))
	}
	return o, outstanding, nil
}

// PaymentView is the public projection of a payment.
type PaymentView struct {
	ID             int64          `json:"id"`
	TransactionID  string         `json:"transaction_id"`
	Method         payment.Method `json:"payment_method"`
	Amount         payment.Money  `json:"amount"`
	Currency       string         `json:"currency"`
	Status         payment.Status `json:"status"`
	RefundedAmount payment.Money  `json:"refunded_amount,omitempty"`
	PerformedAt    *time.Time     `json:"performed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// StatusView is the payment state of an order.
type StatusView struct {
	OrderID       int64               `json:"order_id"`
	OrderStatus   order.Status        `json:"order_status"`
	PaymentStatus order.PaymentStatus `json:"payment_status"`
	PaidAt        *time.Time          `json:"paid_at,omitempty"`
	Payment       *PaymentView        `json:"payment,omitempty"`
}

// Status returns the order's payment state with its latest payment.
func (s *Service) Status(ctx context.Context, orderID, userID int64) (*StatusView, error) {
	const op = "payment.status"
	if userID != 0 {
		owns, err := s.owners.Owns(ctx, userID, orderID)
		if err != nil {
			return nil, core.Internal(op, err)
		}
		if !owns {
			return nil, core.NotFound(op, fmt.Sprintf("order %d not found", orderID))
		}
	}
	o, err := s.ledger.Orders().FindByID(ctx, orderID)
	if err != nil {
		return nil, wrap(op, err)
	}
	ps, err := s.ledger.Payments().FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, core.Internal(op, err)
	}

	view := &StatusView{
		OrderID:       o.ID,
		OrderStatus:   o.Status,
		PaymentStatus: o.PaymentStatus,
		PaidAt:        o.PaidAt,
	}
	var latest *payment.Payment
	for _, p := range ps {
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) ||
			(p.CreatedAt.Equal(latest.CreatedAt) && p.ID > latest.ID) {
			latest = p
		}
	}
	if latest != nil {
		view.Payment = View(latest)
	}
	return view, nil
}

// View projects p for API responses.
func View(p *payment.Payment) *PaymentView {
	return &PaymentView{
		ID:             p.ID,
		TransactionID:  p.TransactionID,
		Method:         p.Method,
		Amount:         p.Amount,
		Currency:       string(p.Currency),
		Status:         p.Status,
		RefundedAmount: p.RefundedAmount,
		PerformedAt:    p.PerformedAt,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

// failureData is what the payment log keeps of a gateway error.
func failureData(err error) map[string]any {
	out := map[string]any{"error": err.Error()}
	var perr *provider.ProviderError
	if errors.As(err, &perr) {
		out["code"] = perr.Code
		out["provider_error"] = perr.ProviderErr
		out["retryable"] = perr.Retryable
	}
	if errors.Is(err, provider.ErrProviderNotConfigured) {
		out["code"] = "not_configured"
	}
	return out
}

// wrap classifies store errors; errors that already carry a kind pass through.
func wrap(op string, err error) error {
	var ce *core.Error
	switch {
	case errors.As(err, &ce):
		return err
	case errors.Is(err, repositories.ErrNotFound):
		return core.NotFound(op, err.Error())
	case errors.Is(err, repositories.ErrStaleStatus):
		return core.StateConflict(op, "payment changed concurrently")
	case errors.Is(err, repositories.ErrDuplicateTransaction):
		return core.StateConflict(op, "transaction id already used")
	}
	return core.Internal(op, err)
}
