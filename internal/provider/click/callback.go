package click

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"

	"paygate/internal/domain/payment"
	"paygate/internal/provider"
	"paygate/internal/provider/base"
	"paygate/internal/store/repositories"
	"paygate/internal/verify"
)

// Click answer codes
const (
	CodeSuccess         = 0
	CodeSignFailed      = -1
	CodeBadAmount       = -2
	CodeActionNotFound  = -3
	CodeAlreadyPaid     = -4
	CodeOrderNotFound   = -5
	CodeTxNotFound      = -6
	CodeProcessingError = -7
	CodeBadRequest      = -8
	CodeTxCancelled     = -9
)

const (
	actionPrepare  = 0
	actionComplete = 1
)

// Response is the body Click expects for both actions.
type Response struct {
	ClickTransID      string `json:"click_trans_id,omitempty"`
	MerchantTransID   string `json:"merchant_trans_id,omitempty"`
	MerchantPrepareID int64  `json:"merchant_prepare_id,omitempty"`
	MerchantConfirmID int64  `json:"merchant_confirm_id,omitempty"`
	Error             int    `json:"error"`
	ErrorNote         string `json:"error_note"`
}

// request holds the fields of a prepare or complete call.
type request struct {
	ClickTransID      string
	ServiceID         string
	ClickPaydocID     string
	MerchantTransID   string
	MerchantPrepareID string
	Amount            string
	Action            string
	Error             string
	ErrorNote         string
	SignTime          string
	SignString        string

	action  int
	orderID int64
	txID    string
	minor   int64
}

func (r *request) fields() verify.ClickFields {
	return verify.ClickFields{
		TransID:         r.ClickTransID,
		ServiceID:       r.ServiceID,
		MerchantTransID: r.MerchantTransID,
		Amount:          r.Amount,
		Action:          r.Action,
		SignTime:        r.SignTime,
	}
}

// logData is what the payment log keeps of the call; the signature is left out.
func (r *request) logData() map[string]string {
	return map[string]string{
		"click_trans_id":      r.ClickTransID,
		"service_id":          r.ServiceID,
		"click_paydoc_id":     r.ClickPaydocID,
		"merchant_trans_id":   r.MerchantTransID,
		"merchant_prepare_id": r.MerchantPrepareID,
		"amount":              r.Amount,
		"action":              r.Action,
		"error":               r.Error,
		"error_note":          r.ErrorNote,
		"sign_time":           r.SignTime,
	}
}

func (r *request) reply(code int, note string) Response {
	return Response{
		ClickTransID:    r.ClickTransID,
		MerchantTransID: r.MerchantTransID,
		Error:           code,
		ErrorNote:       note,
	}
}

// HandleCallback answers prepare and complete requests. Signature checks
// come before any lock or store access.
func (g *Gateway) HandleCallback(ctx context.Context, cb provider.Callback) provider.CallbackResult {
	values, err := formValues(cb)
	if err != nil {
		return provider.OK(Response{Error: CodeBadRequest, ErrorNote: "Error in request from click"})
	}
	req := parseRequest(values)

	if req.ClickTransID == "" || req.ServiceID == "" || req.MerchantTransID == "" ||
		req.Amount == "" || req.Action == "" || req.SignTime == "" {
		return provider.OK(req.reply(CodeBadRequest, "Error in request from click"))
	}

	if err := g.verifier.Verify(req.fields(), req.SignString); err != nil {
		log.Warn().Err(err).Str("click_trans_id", req.ClickTransID).Msg("click: signature rejected")
		return provider.OK(req.reply(CodeSignFailed, "SIGN CHECK FAILED!"))
	}
	if req.ServiceID != g.cfg.ServiceID {
		return provider.OK(req.reply(CodeBadRequest, "Invalid service id"))
	}

	req.action, err = strconv.Atoi(req.Action)
	if err != nil || (req.action != actionPrepare && req.action != actionComplete) {
		return provider.OK(req.reply(CodeActionNotFound, "Action not found"))
	}
	if want, ok := routeAction(cb.Action); ok && want != req.action {
		return provider.OK(req.reply(CodeActionNotFound, "Action not found"))
	}

	req.orderID, req.txID, err = ParseMerchantTransID(req.MerchantTransID)
	if err != nil {
		return provider.OK(req.reply(CodeOrderNotFound, "Order not found"))
	}
	req.minor, err = base.ParseMinor(req.Amount, g.factor)
	if err != nil {
		return provider.OK(req.reply(CodeBadAmount, "Incorrect parameter amount"))
	}

	unlock, err := g.ledger.Lock(ctx, payment.MethodClick, req.txID)
	if err != nil {
		log.Error().Err(err).Str("transaction_id", req.txID).Msg("click: lock failed")
		return provider.OK(req.reply(CodeProcessingError, "Failed to update user"))
	}
	defer unlock()

	var resp Response
	if req.action == actionPrepare {
		resp = g.prepare(ctx, &req)
	} else {
		resp = g.complete(ctx, &req)
	}
	log.Info().
		Str("click_trans_id", req.ClickTransID).
		Str("transaction_id", req.txID).
		Int("action", req.action).
		Int("code", resp.Error).
		Msg("click callback handled")
	return provider.OK(resp)
}

// rejection carries a Click code out of a store transaction, rolling it back.
type rejection struct {
	code int
	note string
}

func (r *rejection) Error() string { return fmt.Sprintf("click %d: %s", r.code, r.note) }

func reject(code int, note string) error { return &rejection{code: code, note: note} }

func (g *Gateway) prepare(ctx context.Context, req *request) Response {
	var p *payment.Payment
	err := g.ledger.Do(ctx, func(tx *provider.Tx) error {
		o, err := tx.OrderRepository().FindForUpdate(ctx, req.orderID)
		if errors.Is(err, repositories.ErrNotFound) {
			return reject(CodeOrderNotFound, "Order not found")
		}
		if err != nil {
			return err
		}
		siblings, err := tx.PaymentRepository().FindByOrderID(ctx, o.ID)
		if err != nil {
			return err
		}
		for _, s := range siblings {
			if s.Status == payment.StatusPaid {
				return reject(CodeAlreadyPaid, "Already paid")
			}
			if s.Method == payment.MethodClick && s.TransactionID == req.txID {
				p = s
			}
		}
		if o.IsPaid() {
			return reject(CodeAlreadyPaid, "Already paid")
		}

		if p != nil {
			if p.Status != payment.StatusPending {
				return reject(CodeTxCancelled, "Transaction cancelled")
			}
			if req.minor != p.Amount.Minor(g.factor) {
				return reject(CodeBadAmount, "Incorrect parameter amount")
			}
			p.Record(payment.EventCallback, payment.Inbound, req.logData())
			return tx.Save(ctx, p, p.Status)
		}

		// prepare without a prior initiate: Click opened the payment itself
		if req.minor != payment.Money(o.Outstanding(0)).Minor(g.factor) {
			return reject(CodeBadAmount, "Incorrect parameter amount")
		}
		p, err = payment.New(o.ID, req.txID, payment.Money(req.minor/g.factor), payment.UZS, payment.MethodClick)
		if err != nil {
			return reject(CodeBadRequest, err.Error())
		}
		p.Record(payment.EventCreated, payment.Internal, map[string]string{"source": "click.prepare"})
		p.Record(payment.EventCallback, payment.Inbound, req.logData())
		return tx.Create(ctx, p)
	})
	if resp, done := g.answerError(req, err); done {
		return resp
	}

	resp := req.reply(CodeSuccess, "Success")
	resp.MerchantPrepareID = p.ID
	return resp
}

func (g *Gateway) complete(ctx context.Context, req *request) Response {
	var p *payment.Payment
	var providerErr int
	err := g.ledger.Do(ctx, func(tx *provider.Tx) error {
		found, err := tx.PaymentRepository().FindByTransactionID(ctx, payment.MethodClick, req.txID)
		if errors.Is(err, repositories.ErrNotFound) {
			return reject(CodeTxNotFound, "Transaction does not exist")
		}
		if err != nil {
			return err
		}
		if p, err = tx.PaymentRepository().FindForUpdate(ctx, found.ID); err != nil {
			return err
		}
		if p.OrderID != req.orderID {
			return reject(CodeTxNotFound, "Transaction does not exist")
		}
		if req.MerchantPrepareID != "" && req.MerchantPrepareID != strconv.FormatInt(p.ID, 10) {
			return reject(CodeTxNotFound, "Transaction does not exist")
		}

		switch {
		case p.Status == payment.StatusPaid:
			return reject(CodeAlreadyPaid, "Already paid")
		case p.Status != payment.StatusPending:
			return reject(CodeTxCancelled, "Transaction cancelled")
		}
		if req.minor != p.Amount.Minor(g.factor) {
			return reject(CodeBadAmount, "Incorrect parameter amount")
		}

		from := p.Status
		p.Record(payment.EventCallback, payment.Inbound, req.logData())
		if req.Error != "" && req.Error != "0" {
			providerErr = providerCode(req.Error)
			if err := p.Transition(payment.StatusFailed); err != nil {
				return err
			}
			return tx.Save(ctx, p, from)
		}

		if err := p.Transition(payment.StatusPaid); err != nil {
			return err
		}
		now := g.now()
		p.PerformedAt = &now
		return tx.Save(ctx, p, from)
	})
	if resp, done := g.answerError(req, err); done {
		return resp
	}

	if providerErr != 0 {
		log.Warn().
			Int64("payment_id", p.ID).
			Int("click_error", providerErr).
			Str("error_note", req.ErrorNote).
			Msg("click reported a failed payment")
		return req.reply(providerErr, req.ErrorNote)
	}
	resp := req.reply(CodeSuccess, "Success")
	resp.MerchantConfirmID = p.ID
	return resp
}

// answerError turns a transaction error into a Click answer.
func (g *Gateway) answerError(req *request, err error) (Response, bool) {
	if err == nil {
		return Response{}, false
	}
	var rej *rejection
	if errors.As(err, &rej) {
		return req.reply(rej.code, rej.note), true
	}
	if errors.Is(err, repositories.ErrDuplicateTransaction) {
		return req.reply(CodeBadRequest, "Transaction belongs to another order"), true
	}
	if errors.Is(err, repositories.ErrStaleStatus) {
		// lost a race to a concurrent delivery that already moved the payment
		return req.reply(CodeAlreadyPaid, "Already paid"), true
	}
	log.Error().Err(err).Str("transaction_id", req.txID).Msg("click: store failure")
	return req.reply(CodeProcessingError, "Failed to update user"), true
}

// providerCode is the code Click reported for a failed payment. Anything
// that is not a non-zero integer answers as a bad request.
func providerCode(s string) int {
	code, err := strconv.Atoi(s)
	if err != nil || code == 0 {
		return CodeBadRequest
	}
	return code
}

func routeAction(a string) (int, bool) {
	switch a {
	case "prepare":
		return actionPrepare, true
	case "complete":
		return actionComplete, true
	}
	return 0, false
}

func parseRequest(v url.Values) request {
	first := func(keys ...string) string {
		for _, k := range keys {
			if s := v.Get(k); s != "" {
				return s
			}
		}
		return ""
	}
	return request{
		ClickTransID:      first("click_trans_id", "trans_id"),
		ServiceID:         v.Get("service_id"),
		ClickPaydocID:     first("click_paydoc_id", "paydoc_id"),
		MerchantTransID:   v.Get("merchant_trans_id"),
		MerchantPrepareID: v.Get("merchant_prepare_id"),
		Amount:            v.Get("amount"),
		Action:            v.Get("action"),
		Error:             v.Get("error"),
		ErrorNote:         v.Get("error_note"),
		SignTime:          v.Get("sign_time"),
		SignString:        v.Get("sign_string"),
	}
}

// formValues accepts both form-encoded and JSON bodies.
func formValues(cb provider.Callback) (url.Values, error) {
	if len(cb.Form) > 0 {
		return cb.Form, nil
	}
	body := bytes.TrimSpace(cb.Body)
	if len(body) == 0 {
		return url.Values{}, nil
	}
	if body[0] != '{' {
		return url.ParseQuery(string(body))
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	out := url.Values{}
	for k, val := range obj {
		if val != nil {
			out.Set(k, fmt.Sprint(val))
		}
	}
	return out, nil
}
