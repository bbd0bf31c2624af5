// Package payme adapts the named-method JSON-RPC protocol: Payme drives a
// transaction through create, perform and cancel on a single endpoint.
package payme

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"paygate/internal/config"
	"paygate/internal/domain/payment"
	"paygate/internal/provider"
	"paygate/internal/provider/base"
	"paygate/internal/verify"
)

// Gateway implements provider.Gateway for Payme
type Gateway struct {
	cfg        config.PaymeCfg
	policy     config.PolicyCfg
	ledger     *provider.Ledger
	verifier   verify.BasicAuthVerifier
	httpClient *base.HTTPClient
	factor     int64
	now        func() time.Time
}

// New creates a new Payme gateway
func New(cfg config.PaymeCfg, policy config.PolicyCfg, ledger *provider.Ledger) *Gateway {
	httpClient := base.NewHTTPClient("payme", cfg.Timeout)
	httpClient.SetBaseURL(strings.TrimRight(cfg.APIURL, "/"))

	factor := cfg.MinorFactor
	if factor <= 0 {
		factor = 100
	}
	if policy.PaymeTransactionTimeout <= 0 {
		policy.PaymeTransactionTimeout = 12 * time.Hour
	}
	login := cfg.Login
	if login == "" {
		login = "Paycom"
	}
	return &Gateway{
		cfg:        cfg,
		policy:     policy,
		ledger:     ledger,
		verifier:   verify.BasicAuthVerifier{Login: login, Key: cfg.Key},
		httpClient: httpClient,
		factor:     factor,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (g *Gateway) Method() payment.Method { return payment.MethodPayme }

// Initiate builds the checkout link. Payme assigns its transaction id later,
// in CreateTransaction.
func (g *Gateway) Initiate(ctx context.Context, req provider.InitiateRequest) (*provider.InitiateResponse, error) {
	p := req.Payment
	if err := base.ValidateAmount(p.Amount); err != nil {
		return nil, err
	}

	parts := []string{
		"m=" + g.cfg.MerchantID,
		fmt.Sprintf("ac.order_id=%d", p.OrderID),
		fmt.Sprintf("a=%d", p.Amount.Minor(g.factor)),
	}
	if req.ReturnURL != "" {
		parts = append(parts, "c="+req.ReturnURL)
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(strings.Join(parts, ";")))
	paymentURL := strings.TrimRight(g.cfg.CheckoutURL, "/") + "/" + encoded

	raw, _ := json.Marshal(map[string]any{
		"merchant": g.cfg.MerchantID,
		"order_id": p.OrderID,
		"amount":   p.Amount.Minor(g.factor),
	})
	log.Info().
		Int64("payment_id", p.ID).
		Str("transaction_id", p.TransactionID).
		Msg("payme checkout link built")

	return &provider.InitiateResponse{
		PaymentURL: paymentURL,
		Request:    raw,
		Payload:    map[string]any{"payment_url": paymentURL},
	}, nil
}

// Verify returns the stored payment; Payme reports every change through
// the RPC endpoint.
func (g *Gateway) Verify(ctx context.Context, transactionID string) (*payment.Payment, error) {
	return g.ledger.Payments().FindByTransactionID(ctx, payment.MethodPayme, transactionID)
}

// Refund cancels the receipt of a performed transaction through the
// merchant API. Only whole receipts can be cancelled.
func (g *Gateway) Refund(ctx context.Context, p *payment.Payment, amount payment.Money) (*provider.RefundResponse, error) {
	if amount != p.Amount {
		return nil, &provider.ProviderError{
			Code:    provider.ErrInvalidAmount,
			Message: "payme cancels whole receipts only",
		}
	}
	if payment.IsGeneratedTransactionID(p.TransactionID) {
		return nil, &provider.ProviderError{
			Code:    provider.ErrUnknownError,
			Message: "payment has no payme receipt",
		}
	}

	rpc := map[string]any{
		"id":     uuid.NewString(),
		"method": "receipts.cancel",
		"params": map[string]string{"id": p.TransactionID},
	}
	resp, err := g.httpClient.PostJSON(ctx, "", rpc, map[string]string{
		"X-Auth": g.cfg.MerchantID + ":" + g.cfg.Key,
	})
	if err != nil {
		return nil, err
	}

	var body struct {
		Result *struct {
			Receipt struct {
				ID    string `json:"_id"`
				State int    `json:"state"`
			} `json:"receipt"`
		} `json:"result"`
		Error *RPCError `json:"error"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, &provider.ProviderError{
			Code:        provider.ErrBadResponse,
			Message:     "failed to parse payme response",
			ProviderErr: err.Error(),
		}
	}
	if body.Error != nil {
		return nil, provider.Rejected(body.Error.Code, "payme receipt cancel rejected: "+body.Error.Message)
	}
	if body.Result == nil {
		return nil, &provider.ProviderError{Code: provider.ErrBadResponse, Message: "payme response has no result"}
	}

	return &provider.RefundResponse{
		RefundID: body.Result.Receipt.ID,
		Amount:   amount,
		Status:   fmt.Sprintf("state_%d", body.Result.Receipt.State),
		Raw:      resp.RawJSON(),
	}, nil
}

// HandleCallback dispatches one RPC call. Every path answers 200 with a
// result or an error member.
func (g *Gateway) HandleCallback(ctx context.Context, cb provider.Callback) (res provider.CallbackResult) {
	var req Request
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("method", req.Method).Msg("payme: handler panicked")
			res = provider.OK(Response{ID: req.ID, Error: rpcErr(CodeSystemError, "System error")})
		}
	}()

	if err := g.verifier.Verify(cb.Headers.Get("Authorization")); err != nil {
		log.Warn().Err(err).Msg("payme: authorization rejected")
		_ = json.Unmarshal(cb.Body, &req)
		return provider.OK(Response{ID: req.ID, Error: rpcErr(CodeInsufficientPrivs, "Insufficient privilege")})
	}
	if err := json.Unmarshal(cb.Body, &req); err != nil {
		return provider.OK(Response{Error: rpcErr(CodeParseError, "Parse error")})
	}
	if req.Method == "" {
		return provider.OK(Response{ID: req.ID, Error: rpcErr(CodeInvalidRequest, "Invalid request")})
	}

	handler, ok := g.methods()[req.Method]
	if !ok {
		return provider.OK(Response{ID: req.ID, Error: rpcErr(CodeMethodNotFound, "Method not found")})
	}
	prm, err := decodeParams(req.Params)
	if err != nil {
		return provider.OK(Response{ID: req.ID, Error: rpcErr(CodeInvalidRequest, "Invalid params")})
	}

	result, rerr := handler(ctx, prm)
	if rerr != nil {
		log.Info().
			Str("rpc_method", req.Method).
			Str("transaction_id", prm.ID).
			Int("code", rerr.Code).
			Msg("payme call answered with error")
		return provider.OK(Response{ID: req.ID, Error: rerr})
	}
	log.Info().
		Str("rpc_method", req.Method).
		Str("transaction_id", prm.ID).
		Msg("payme call handled")
	return provider.OK(Response{ID: req.ID, Result: result})
}

type method func(ctx context.Context, p *params) (any, *RPCError)

func (g *Gateway) methods() map[string]method {
	return map[string]method{
		"CheckPerformTransaction": g.checkPerform,
		"CreateTransaction":       g.create,
		"PerformTransaction":      g.perform,
		"CancelTransaction":       g.cancel,
		"CheckTransaction":        g.check,
		"GetStatement":            g.statement,
	}
}

var _ provider.Gateway = (*Gateway)(nil)
