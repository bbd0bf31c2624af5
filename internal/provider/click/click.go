// Package click adapts the action-code callback protocol: the provider
// drives the flow with prepare (action 0) and complete (action 1) requests.
package click

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"paygate/internal/config"
	"paygate/internal/domain/payment"
	"paygate/internal/provider"
	"paygate/internal/provider/base"
	"paygate/internal/verify"

	"github.com/rs/zerolog/log"
)

// Gateway implements provider.Gateway for Click
type Gateway struct {
	cfg        config.ClickCfg
	ledger     *provider.Ledger
	verifier   verify.ClickVerifier
	httpClient *base.HTTPClient
	factor     int64
	now        func() time.Time
}

// New creates a new Click gateway
func New(cfg config.ClickCfg, ledger *provider.Ledger) *Gateway {
	httpClient := base.NewHTTPClient("click", cfg.Timeout)
	httpClient.SetBaseURL(strings.TrimRight(cfg.APIURL, "/"))

	factor := cfg.MinorFactor
	if factor <= 0 {
		factor = 100
	}
	return &Gateway{
		cfg:        cfg,
		ledger:     ledger,
		verifier:   verify.ClickVerifier{Secret: cfg.SecretKey},
		httpClient: httpClient,
		factor:     factor,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (g *Gateway) Method() payment.Method { return payment.MethodClick }

// MerchantTransID embeds the order id in the id Click echoes back.
func MerchantTransID(orderID int64, transactionID string) string {
	return fmt.Sprintf("ORDER_%d_%s", orderID, transactionID)
}

// ParseMerchantTransID is the inverse of MerchantTransID.
func ParseMerchantTransID(s string) (orderID int64, transactionID string, err error) {
	rest, ok := strings.CutPrefix(s, "ORDER_")
	if !ok {
		return 0, "", fmt.Errorf("merchant_trans_id %q: missing ORDER_ prefix", s)
	}
	idPart, txID, ok := strings.Cut(rest, "_")
	if !ok || txID == "" {
		return 0, "", fmt.Errorf("merchant_trans_id %q: missing transaction id", s)
	}
	orderID, err = strconv.ParseInt(idPart, 10, 64)
	if err != nil || orderID <= 0 {
		return 0, "", fmt.Errorf("merchant_trans_id %q: bad order id", s)
	}
	return orderID, txID, nil
}

// Initiate builds the hosted checkout link; Click calls us back from there.
func (g *Gateway) Initiate(ctx context.Context, req provider.InitiateRequest) (*provider.InitiateResponse, error) {
	p := req.Payment
	if err := base.ValidateAmount(p.Amount); err != nil {
		return nil, err
	}
	merchantTransID := MerchantTransID(p.OrderID, p.TransactionID)

	q := url.Values{}
	q.Set("service_id", g.cfg.ServiceID)
	q.Set("merchant_id", g.cfg.MerchantID)
	q.Set("amount", base.FormatMinor(p.Amount.Minor(g.factor), g.factor))
	q.Set("transaction_param", merchantTransID)
	if req.ReturnURL != "" {
		q.Set("return_url", req.ReturnURL)
	}
	paymentURL := g.cfg.CheckoutURL + "?" + q.Encode()

	params := make(map[string]string, len(q))
	for k := range q {
		params[k] = q.Get(k)
	}
	raw, _ := json.Marshal(params)

	log.Info().
		Int64("payment_id", p.ID).
		Str("transaction_id", p.TransactionID).
		Msg("click checkout link built")

	return &provider.InitiateResponse{
		PaymentURL: paymentURL,
		Request:    raw,
		Payload: map[string]any{
			"payment_url":       paymentURL,
			"merchant_trans_id": merchantTransID,
		},
	}, nil
}

// Verify returns the stored payment. Click settles through callbacks only,
// so there is nothing to poll.
func (g *Gateway) Verify(ctx context.Context, transactionID string) (*payment.Payment, error) {
	p, err := g.ledger.Payments().FindByTransactionID(ctx, payment.MethodClick, transactionID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Refund reverses a completed payment through the merchant API. Amounts below
// the payment amount go through the partial reversal endpoint.
func (g *Gateway) Refund(ctx context.Context, p *payment.Payment, amount payment.Money) (*provider.RefundResponse, error) {
	if amount <= 0 || amount > p.Amount-p.RefundedAmount {
		return nil, &provider.ProviderError{
			Code:    provider.ErrInvalidAmount,
			Message: "refund amount exceeds what is left on the payment",
		}
	}
	paydocID, ok := p.LookupField(payment.EventCallback, "click_paydoc_id")
	if !ok {
		return nil, &provider.ProviderError{
			Code:    provider.ErrUnknownError,
			Message: "click payment id unknown for this payment",
		}
	}

	endpoint := fmt.Sprintf("/payment/reversal/%s/%s", url.PathEscape(g.cfg.ServiceID), url.PathEscape(paydocID))
	if amount < p.Amount || p.RefundedAmount > 0 {
		endpoint = fmt.Sprintf("/payment/partial_reversal/%s/%s/%s",
			url.PathEscape(g.cfg.ServiceID), url.PathEscape(paydocID),
			base.FormatMinor(amount.Minor(g.factor), g.factor))
	}
	resp, err := g.httpClient.Delete(ctx, endpoint, map[string]string{"Auth": g.authHeader()})
	if err != nil {
		return nil, err
	}

	var body struct {
		ErrorCode int    `json:"error_code"`
		ErrorNote string `json:"error_note"`
		PaymentID any    `json:"payment_id"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, &provider.ProviderError{
			Code:        provider.ErrBadResponse,
			Message:     "failed to parse click reversal response",
			ProviderErr: err.Error(),
		}
	}
	if !resp.IsSuccess() || body.ErrorCode != 0 {
		return nil, provider.Rejected(body.ErrorCode, "click reversal rejected: "+body.ErrorNote)
	}

	return &provider.RefundResponse{
		RefundID: fmt.Sprint(body.PaymentID),
		Amount:   amount,
		Status:   "reversed",
		Raw:      resp.RawJSON(),
	}, nil
}

// authHeader is merchant_user_id:sha1(timestamp+secret):timestamp.
func (g *Gateway) authHeader() string {
	ts := strconv.FormatInt(g.now().Unix(), 10)
	sum := sha1.Sum([]byte(ts + g.cfg.SecretKey))
	return g.cfg.MerchantUserID + ":" + hex.EncodeToString(sum[:]) + ":" + ts
}

var _ provider.Gateway = (*Gateway)(nil)
