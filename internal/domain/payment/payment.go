package payment

import (
	"fmt"
	"strings"
	"time"
)

// Payment is the canonical record of one attempt to pay an order through a
// gateway. Amount never changes after creation and Log only grows.
type Payment struct {
	ID            int64
	TransactionID string
	OrderID       int64
	Amount        Money
	Currency      Currency
	Method        Method
	Status        Status
	Log           []Event

	ProviderCreatedAt *time.Time
	PerformedAt       *time.Time
	CancelledAt       *time.Time
	CancelReason      *int
	RefundedAmount    Money

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Money is an amount in major currency units. Wire formats use minor units,
// see Minor.
type Money int64

// Minor converts to the provider's minor units.
func (m Money) Minor(factor int64) int64 { return int64(m) * factor }

// Currency represents a currency code
type Currency string

const (
	UZS Currency = "UZS"
	USD Currency = "USD"
)

// Status represents payment status
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusPaid              Status = "PAID"
	StatusFailed            Status = "FAILED"
	StatusCancelled         Status = "CANCELLED"
	StatusRefunded          Status = "REFUNDED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
)

// Method represents payment method; it selects the gateway adapter.
type Method string

const (
	MethodClick Method = "CLICK"
	MethodPayme Method = "PAYME"
	MethodUzum  Method = "UZUM"
)

// ParseMethod accepts any letter case.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case MethodClick, MethodPayme, MethodUzum:
		return m, nil
	}
	return "", fmt.Errorf("unknown payment method %q", s)
}

var transitions = map[Status][]Status{
	StatusPending: {StatusPaid, StatusFailed, StatusCancelled},
	StatusPaid:    {StatusCancelled, StatusRefunded, StatusPartiallyRefunded},
	StatusFailed:  {StatusCancelled},
}

// CanTransition reports whether from→to is allowed. Nothing moves back to
// PENDING and only PENDING reaches PAID.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no forward transition besides refund variants
// or a provider reversal is left.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

// New creates a PENDING payment with an empty exchange log.
func New(orderID int64, transactionID string, amount Money, currency Currency, method Method) (*Payment, error) {
	if err := validateCreation(orderID, transactionID, amount); err != nil {
		return nil, err
	}
	if currency == "" {
		currency = UZS
	}
	now := time.Now().UTC()
	return &Payment{
		TransactionID: transactionID,
		OrderID:       orderID,
		Amount:        amount,
		Currency:      currency,
		Method:        method,
		Status:        StatusPending,
		Log:           []Event{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Transition moves the payment to next, enforcing the transition table.
func (p *Payment) Transition(next Status) error {
	if p.Status == next {
		return nil
	}
	if !CanTransition(p.Status, next) {
		return DomainError{
			Code:    ErrInvalidTransition,
			Message: fmt.Sprintf("payment %d cannot move from %s to %s", p.ID, p.Status, next),
		}
	}
	p.Status = next
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// IsPaid checks if payment is in paid state
func (p *Payment) IsPaid() bool {
	return p.Status == StatusPaid
}

// IsDead reports CANCELLED or FAILED.
func (p *Payment) IsDead() bool {
	return p.Status == StatusCancelled || p.Status == StatusFailed
}

// validateCreation validates payment creation
func validateCreation(orderID int64, transactionID string, amount Money) error {
	if orderID <= 0 {
		return DomainError{Code: ErrInvalidOrder, Message: fmt.Sprintf("invalid order ID: %d", orderID)}
	}
	if amount <= 0 {
		return DomainError{Code: ErrInvalidAmount, Message: fmt.Sprintf("amount must be positive: %d", amount)}
	}
	if strings.TrimSpace(transactionID) == "" {
		return DomainError{Code: ErrInvalidTransaction, Message: "transaction ID is required"}
	}
	return nil
}

// DomainError represents a domain-level error
type DomainError struct {
	Message string
	Code    string
}

func (e DomainError) Error() string {
	return fmt.Sprintf("domain error [%s]: %s", e.Code, e.Message)
}

// Domain error codes
const (
	ErrInvalidAmount      = "INVALID_AMOUNT"
	ErrInvalidOrder       = "INVALID_ORDER"
	ErrInvalidTransaction = "INVALID_TRANSACTION"
	ErrInvalidTransition  = "INVALID_TRANSITION"
)
