package uzum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"paygate/internal/domain/payment"
	"paygate/internal/provider"
	"paygate/internal/provider/base"
	"paygate/internal/store/repositories"
)

// Response is the body Uzum expects back from a callback.
type Response struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// failure carries an answer out of a store transaction, rolling it back.
type failure struct {
	status int
	msg    string
}

func (f *failure) Error() string { return fmt.Sprintf("uzum %d: %s", f.status, f.msg) }

func fail(status int, msg string) error { return &failure{status: status, msg: msg} }

// HandleCallback applies a signed status notification.
func (g *Gateway) HandleCallback(ctx context.Context, cb provider.Callback) provider.CallbackResult {
	fields, err := decodeFields(cb.Body)
	if err != nil {
		return result(http.StatusBadRequest, Response{Message: "invalid payload"})
	}
	txID := fields["transaction_id"]

	if err := g.verifier.Verify(fields); err != nil {
		log.Warn().Err(err).Str("transaction_id", txID).Msg("uzum: signature rejected")
		return result(http.StatusUnauthorized, Response{Message: "invalid signature", TransactionID: txID})
	}
	for _, k := range []string{"transaction_id", "order_id", "amount", "status"} {
		if fields[k] == "" {
			return result(http.StatusBadRequest, Response{Message: "missing " + k, TransactionID: txID})
		}
	}
	orderID, err := strconv.ParseInt(fields["order_id"], 10, 64)
	if err != nil {
		return result(http.StatusBadRequest, Response{Message: "invalid order_id", TransactionID: txID})
	}
	minor, err := parseAmount(fields["amount"])
	if err != nil {
		return result(http.StatusBadRequest, Response{Message: "invalid amount", TransactionID: txID})
	}
	next := MapStatus(fields["status"])

	unlock, err := g.ledger.Lock(ctx, payment.MethodUzum, txID)
	if err != nil {
		log.Error().Err(err).Str("transaction_id", txID).Msg("uzum: lock failed")
		return result(http.StatusServiceUnavailable, Response{Message: "busy, retry later", TransactionID: txID})
	}
	defer unlock()

	var p *payment.Payment
	err = g.ledger.Do(ctx, func(tx *provider.Tx) error {
		found, err := tx.PaymentRepository().FindByTransactionID(ctx, payment.MethodUzum, txID)
		if errors.Is(err, repositories.ErrNotFound) {
			return fail(http.StatusNotFound, "transaction not found")
		}
		if err != nil {
			return err
		}
		if p, err = tx.PaymentRepository().FindForUpdate(ctx, found.ID); err != nil {
			return err
		}
		if p.OrderID != orderID {
			return fail(http.StatusBadRequest, "order mismatch")
		}
		if minor != p.Amount.Minor(g.factor) {
			return fail(http.StatusBadRequest, "amount mismatch")
		}
		if p.Status == next {
			// duplicate delivery
			return nil
		}
		if next == payment.StatusPending {
			p.Record(payment.EventCallback, payment.Inbound, fields.logData())
			return tx.Save(ctx, p, p.Status)
		}
		if p.Status != payment.StatusPending {
			return fail(http.StatusConflict, "transaction already "+strings.ToLower(string(p.Status)))
		}

		from := p.Status
		p.Record(payment.EventCallback, payment.Inbound, fields.logData())
		if err := p.Transition(next); err != nil {
			return err
		}
		if next == payment.StatusPaid {
			now := g.now()
			p.PerformedAt = &now
		}
		return tx.Save(ctx, p, from)
	})

	var f *failure
	switch {
	case err == nil:
	case errors.As(err, &f):
		return result(f.status, Response{Message: f.msg, TransactionID: txID})
	case errors.Is(err, repositories.ErrStaleStatus):
		stored, ferr := g.ledger.Payments().FindByTransactionID(ctx, payment.MethodUzum, txID)
		if ferr != nil || stored.Status != next {
			return result(http.StatusConflict, Response{Message: "transaction changed concurrently", TransactionID: txID})
		}
		p = stored
	default:
		log.Error().Err(err).Str("transaction_id", txID).Msg("uzum: store failure")
		return result(http.StatusInternalServerError, Response{Message: "internal error", TransactionID: txID})
	}

	log.Info().
		Int64("payment_id", p.ID).
		Str("transaction_id", txID).
		Str("status", string(p.Status)).
		Msg("uzum callback handled")
	return provider.OK(Response{Success: true, Message: "ok", TransactionID: txID})
}

func result(status int, body Response) provider.CallbackResult {
	return provider.CallbackResult{HTTPStatus: status, Body: body}
}

type payload map[string]string

// logData is what the payment log keeps; the signature is left out.
func (f payload) logData() map[string]string {
	return redact(f)
}

// decodeFields flattens the JSON body to the strings the signature covers.
// Numbers keep their wire form.
func decodeFields(body []byte) (payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	out := make(payload, len(obj))
	for k, v := range obj {
		switch t := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = t
		case json.Number, bool:
			out[k] = fmt.Sprint(t)
		default:
			return nil, fmt.Errorf("field %s is not a scalar", k)
		}
	}
	return out, nil
}

// parseAmount accepts minor units as an integer or an integral decimal.
func parseAmount(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	return base.ParseMinor(s, 1)
}
