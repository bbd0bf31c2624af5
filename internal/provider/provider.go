package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"paygate/internal/domain/order"
	"paygate/internal/domain/payment"
)

// Gateway is the capability set every payment provider adapter offers.
// Adapters are selected by payment.Method through the Registry.
type Gateway interface {
	Method() payment.Method
	// Initiate asks the provider to start collecting the PENDING payment
	// in req. It must not touch the store; the orchestrator records the
	// outcome.
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error)
	// HandleCallback answers an inbound provider request in the provider's
	// own schema. It never returns an error.
	HandleCallback(ctx context.Context, cb Callback) CallbackResult
	// Verify refreshes the stored payment with transactionID from the
	// provider and returns it.
	Verify(ctx context.Context, transactionID string) (*payment.Payment, error)
	// Refund returns amount of a PAID payment to the payer.
	Refund(ctx context.Context, p *payment.Payment, amount payment.Money) (*RefundResponse, error)
}

// InitiateRequest carries a freshly recorded payment to the adapter.
type InitiateRequest struct {
	Payment   *payment.Payment
	Order     *order.Order
	ReturnURL string
	CancelURL string
	Card      *Card
}

// Card is an optional saved-card reference for direct charges.
type Card struct {
	Token  string `json:"token"`
	Number string `json:"number,omitempty"`
	Expiry string `json:"expiry,omitempty"`
}

// InitiateResponse is the normalized result of Initiate.
type InitiateResponse struct {
	// TransactionID is the provider-assigned id; empty keeps ours.
	TransactionID string
	PaymentURL    string
	// Request and Response are what went over the wire, for the payment log.
	Request  json.RawMessage
	Response json.RawMessage
	// Payload is handed back to the API caller as-is.
	Payload map[string]any
}

// Callback is a raw inbound provider request.
type Callback struct {
	// Action is the route-level action, e.g. "prepare" or "complete".
	Action  string
	Headers http.Header
	Form    url.Values
	Body    []byte
}

// CallbackResult is written back to the provider as JSON.
type CallbackResult struct {
	HTTPStatus int
	Body       any
}

// OK wraps body in a 200 result.
func OK(body any) CallbackResult {
	return CallbackResult{HTTPStatus: http.StatusOK, Body: body}
}

// RefundResponse is the provider's refund receipt.
type RefundResponse struct {
	RefundID string          `json:"refund_id,omitempty"`
	Amount   payment.Money   `json:"amount"`
	Status   string          `json:"status"`
	Raw      json.RawMessage `json:"-"`
}
