// Package uzum adapts the create/status polling protocol: the payment is
// opened with a signed create call, then settled by a signed callback or by
// polling its status.
package uzum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"paygate/internal/config"
	"paygate/internal/domain/payment"
	"paygate/internal/provider"
	"paygate/internal/provider/base"
	"paygate/internal/store/repositories"
	"paygate/internal/verify"
)

const (
	createPath = "/api/v1/payment/create"
	statusPath = "/api/v1/payment/status/"
	refundPath = "/api/v1/payment/refund"
)

// Gateway implements provider.Gateway for Uzum
type Gateway struct {
	cfg        config.UzumCfg
	ledger     *provider.Ledger
	verifier   verify.SortedVerifier
	httpClient *base.HTTPClient
	factor     int64
	now        func() time.Time
}

// New creates a new Uzum gateway
func New(cfg config.UzumCfg, ledger *provider.Ledger) *Gateway {
	httpClient := base.NewHTTPClient("uzum", cfg.Timeout)
	httpClient.SetBaseURL(strings.TrimRight(cfg.APIURL, "/"))

	factor := cfg.MinorFactor
	if factor <= 0 {
		factor = 100
	}
	return &Gateway{
		cfg:        cfg,
		ledger:     ledger,
		verifier:   verify.SortedVerifier{Secret: cfg.SecretKey, Field: "signature"},
		httpClient: httpClient,
		factor:     factor,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (g *Gateway) Method() payment.Method { return payment.MethodUzum }

// MapStatus translates Uzum's status vocabulary. Anything unrecognised
// keeps the payment PENDING.
func MapStatus(s string) payment.Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "paid", "completed":
		return payment.StatusPaid
	case "failed", "error", "cancelled", "canceled":
		return payment.StatusFailed
	}
	return payment.StatusPending
}

// sign adds the signature over every other field.
func (g *Gateway) sign(fields map[string]string) map[string]string {
	fields["signature"] = verify.SortedSign(fields, "signature", g.cfg.SecretKey)
	return fields
}

type createResponse struct {
	TransactionID string `json:"transaction_id"`
	PaymentURL    string `json:"payment_url"`
	Status        string `json:"status"`
	ErrorCode     string `json:"error_code"`
	ErrorMessage  string `json:"error_message"`
}

// Initiate opens the payment at Uzum. The returned transaction id replaces
// ours.
func (g *Gateway) Initiate(ctx context.Context, req provider.InitiateRequest) (*provider.InitiateResponse, error) {
	p := req.Payment
	if err := base.ValidateAmount(p.Amount); err != nil {
		return nil, err
	}

	fields := map[string]string{
		"merchant_id":    g.cfg.MerchantID,
		"order_id":       strconv.FormatInt(p.OrderID, 10),
		"transaction_id": p.TransactionID,
		"amount":         strconv.FormatInt(p.Amount.Minor(g.factor), 10),
		"currency":       string(p.Currency),
		"return_url":     req.ReturnURL,
		"cancel_url":     req.CancelURL,
		"callback_url":   g.cfg.CallbackURL,
		"timestamp":      strconv.FormatInt(g.now().Unix(), 10),
	}
	if req.Card != nil && req.Card.Token != "" {
		fields["card_token"] = req.Card.Token
	}
	body := g.sign(fields)

	resp, err := g.httpClient.PostJSON(ctx, createPath, body, nil)
	if err != nil {
		return nil, err
	}
	var out createResponse
	if err := resp.Decode(&out); err != nil {
		return nil, &provider.ProviderError{
			Code:        provider.ErrBadResponse,
			Message:     "failed to parse uzum response",
			ProviderErr: err.Error(),
		}
	}
	if !resp.IsSuccess() || out.TransactionID == "" {
		code := out.ErrorCode
		if code == "" {
			code = strconv.Itoa(resp.StatusCode)
		}
		return nil, provider.Rejected(code, "uzum create rejected: "+out.ErrorMessage)
	}

	log.Info().
		Int64("payment_id", p.ID).
		Str("transaction_id", out.TransactionID).
		Str("status", out.Status).
		Msg("uzum payment created")

	request, _ := json.Marshal(redact(body))
	return &provider.InitiateResponse{
		TransactionID: out.TransactionID,
		PaymentURL:    out.PaymentURL,
		Request:       request,
		Response:      resp.RawJSON(),
		Payload: map[string]any{
			"payment_url":    out.PaymentURL,
			"transaction_id": out.TransactionID,
			"status":         out.Status,
		},
	}, nil
}

type statusResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Amount        any    `json:"amount"`
	ErrorCode     string `json:"error_code"`
	ErrorMessage  string `json:"error_message"`
}

// Verify asks Uzum for the status of transactionID and applies it to a
// PENDING payment. Settled payments are returned as stored.
func (g *Gateway) Verify(ctx context.Context, transactionID string) (*payment.Payment, error) {
	stored, err := g.ledger.Payments().FindByTransactionID(ctx, payment.MethodUzum, transactionID)
	if err != nil {
		return nil, err
	}
	if stored.Status != payment.StatusPending {
		return stored, nil
	}

	q := url.Values{}
	q.Set("merchant_id", g.cfg.MerchantID)
	q.Set("signature", verify.SortedSign(map[string]string{
		"merchant_id":    g.cfg.MerchantID,
		"transaction_id": transactionID,
	}, "signature", g.cfg.SecretKey))
	resp, err := g.httpClient.Get(ctx, statusPath+url.PathEscape(transactionID)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out statusResponse
	if err := resp.Decode(&out); err != nil || !resp.IsSuccess() {
		return nil, &provider.ProviderError{
			Code:        provider.ErrBadResponse,
			Message:     fmt.Sprintf("uzum status answered %d", resp.StatusCode),
			ProviderErr: resp.String(),
		}
	}

	next := MapStatus(out.Status)
	if next == payment.StatusPending {
		return stored, nil
	}

	unlock, err := g.ledger.Lock(ctx, payment.MethodUzum, transactionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := g.ledger.Mutate(ctx, stored.ID, func(p *payment.Payment) error {
		if p.Status != payment.StatusPending {
			return nil
		}
		p.Record(payment.EventVerify, payment.Inbound, resp.RawJSON())
		if err := p.Transition(next); err != nil {
			return err
		}
		if next == payment.StatusPaid {
			now := g.now()
			p.PerformedAt = &now
		}
		return nil
	})
	if errors.Is(err, repositories.ErrStaleStatus) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	log.Info().
		Int64("payment_id", p.ID).
		Str("transaction_id", transactionID).
		Str("status", string(p.Status)).
		Msg("uzum payment verified")
	return p, nil
}

type refundResponse struct {
	RefundID     string `json:"refund_id"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Refund returns amount of p; partial refunds are allowed.
func (g *Gateway) Refund(ctx context.Context, p *payment.Payment, amount payment.Money) (*provider.RefundResponse, error) {
	if amount <= 0 || amount > p.Amount-p.RefundedAmount {
		return nil, &provider.ProviderError{
			Code:    provider.ErrInvalidAmount,
			Message: fmt.Sprintf("refund of %d exceeds refundable %d", amount, p.Amount-p.RefundedAmount),
		}
	}

	body := g.sign(map[string]string{
		"merchant_id":    g.cfg.MerchantID,
		"transaction_id": p.TransactionID,
		"amount":         strconv.FormatInt(amount.Minor(g.factor), 10),
		"timestamp":      strconv.FormatInt(g.now().Unix(), 10),
	})
	resp, err := g.httpClient.PostJSON(ctx, refundPath, body, nil)
	if err != nil {
		return nil, err
	}
	var out refundResponse
	if err := resp.Decode(&out); err != nil {
		return nil, &provider.ProviderError{
			Code:        provider.ErrBadResponse,
			Message:     "failed to parse uzum response",
			ProviderErr: err.Error(),
		}
	}
	if !resp.IsSuccess() || out.ErrorCode != "" {
		code := out.ErrorCode
		if code == "" {
			code = strconv.Itoa(resp.StatusCode)
		}
		return nil, provider.Rejected(code, "uzum refund rejected: "+out.ErrorMessage)
	}

	return &provider.RefundResponse{
		RefundID: out.RefundID,
		Amount:   amount,
		Status:   out.Status,
		Raw:      resp.RawJSON(),
	}, nil
}

// redact drops the signature from what the payment log keeps.
func redact(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if k != "signature" {
			out[k] = v
		}
	}
	return out
}

var _ provider.Gateway = (*Gateway)(nil)
