package payme

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"paygate/internal/provider/base"
)

// Payme error codes
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInsufficientPrivs = -32504
	CodeSystemError       = -32400
	CodeInvalidAmount     = -31001
	CodeTxNotFound        = -31003
	CodeCannotCancel      = -31007
	CodeCannotPerform     = -31008
	CodeOrderNotFound     = -31050
	CodeOrderBusy         = -31051
)

// Transaction state codes on the wire
const (
	StateUnknown   = 0
	StateCreated   = 1
	StatePerformed = 2
	StateCancelled = -1
)

// Cancel reasons Payme sends; reasonTimeout is also used when we expire a
// created transaction ourselves.
const reasonTimeout = 4

// Request is the JSON-RPC envelope Payme posts.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response carries either Result or Error.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("payme %d: %s", e.Code, e.Message) }

func rpcErr(code int, msg string) *RPCError { return &RPCError{Code: code, Message: msg} }

// params is the union of what the six methods take.
type params struct {
	ID      string         `json:"id"`
	Time    int64          `json:"time"`
	Amount  json.Number    `json:"amount"`
	Account map[string]any `json:"account"`
	Reason  *int           `json:"reason"`
	From    int64          `json:"from"`
	To      int64          `json:"to"`
}

func decodeParams(raw json.RawMessage) (*params, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("params missing")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p params
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// amount returns the amount in tiyin.
func (p *params) amount() (int64, error) {
	s := strings.TrimSpace(p.Amount.String())
	if s == "" {
		return 0, fmt.Errorf("amount missing")
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	return base.ParseMinor(s, 1)
}

// logData is what the payment log keeps of a call.
func (p *params) logData(method string) map[string]any {
	out := map[string]any{"method": method, "id": p.ID}
	if p.Time > 0 {
		out["time"] = p.Time
	}
	if p.Amount != "" {
		out["amount"] = p.Amount
	}
	if len(p.Account) > 0 {
		out["account"] = p.Account
	}
	if p.Reason != nil {
		out["reason"] = *p.Reason
	}
	return out
}

// orderID reads account.order_id, sent as a string or a number.
func (p *params) orderID() (int64, error) {
	v, ok := p.Account["order_id"]
	if !ok || v == nil {
		return 0, fmt.Errorf("account.order_id missing")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(fmt.Sprint(v)), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("account.order_id %v invalid", v)
	}
	return id, nil
}
