package click

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paygate/internal/config"
	"paygate/internal/core/reconcile"
	"paygate/internal/domain/order"
	"paygate/internal/domain/payment"
	"paygate/internal/events"
	"paygate/internal/provider"
	"paygate/internal/store/memory"
	"paygate/internal/verify"
)

const testSecret = "click-secret"

type harness struct {
	store *memory.Store
	pub   *events.Recorder
	gw    *Gateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	store.PutOrder(order.Order{
		ID:            1,
		UserID:        7,
		Status:        order.StatusPending,
		PaymentStatus: order.PaymentPending,
		Total:         50000,
	})
	pub := &events.Recorder{}
	ledger := provider.NewLedger(store, reconcile.New(pub), nil)
	gw := New(config.ClickCfg{
		ServiceID:      "77",
		MerchantID:     "12",
		MerchantUserID: "34",
		SecretKey:      testSecret,
		CheckoutURL:    "https://my.click.uz/services/pay",
		MinorFactor:    100,
		Timeout:        time.Second,
	}, ledger)
	return &harness{store: store, pub: pub, gw: gw}
}

// seedPending stores a PENDING click payment the way the orchestrator does.
func (h *harness) seedPending(t *testing.T, orderID int64, amount payment.Money) *payment.Payment {
	t.Helper()
	p, err := payment.New(orderID, payment.NewTransactionID(payment.MethodClick, time.Now()), amount, payment.UZS, payment.MethodClick)
	require.NoError(t, err)
	p.Record(payment.EventCreated, payment.Internal, nil)
	require.NoError(t, h.store.Payments().Create(context.Background(), p))
	return p
}

func (h *harness) payment(t *testing.T, id int64) *payment.Payment {
	t.Helper()
	p, err := h.store.Payments().FindByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (h *harness) order(t *testing.T, id int64) *order.Order {
	t.Helper()
	o, err := h.store.Orders().FindByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

type call struct {
	clickTransID    string
	paydocID        string
	merchantTransID string
	prepareID       string
	amount          string
	action          string
	errCode         string
	errNote         string
	signTime        string
}

func (c call) form(secret string) url.Values {
	v := url.Values{}
	v.Set("click_trans_id", c.clickTransID)
	v.Set("service_id", "77")
	v.Set("click_paydoc_id", c.paydocID)
	v.Set("merchant_trans_id", c.merchantTransID)
	if c.prepareID != "" {
		v.Set("merchant_prepare_id", c.prepareID)
	}
	v.Set("amount", c.amount)
	v.Set("action", c.action)
	v.Set("error", c.errCode)
	v.Set("error_note", c.errNote)
	v.Set("sign_time", c.signTime)
	v.Set("sign_string", verify.ClickSign(verify.ClickFields{
		TransID:         c.clickTransID,
		ServiceID:       "77",
		MerchantTransID: c.merchantTransID,
		Amount:          c.amount,
		Action:          c.action,
		SignTime:        c.signTime,
	}, secret))
	return v
}

func prepareCall(p *payment.Payment, amount string) call {
	return call{
		clickTransID:    "2001",
		paydocID:        "3001",
		merchantTransID: MerchantTransID(p.OrderID, p.TransactionID),
		amount:          amount,
		action:          "0",
		errCode:         "0",
		errNote:         "Success",
		signTime:        "2026-01-01 12:00:00",
	}
}

func completeCall(p *payment.Payment, amount string) call {
	c := prepareCall(p, amount)
	c.action = "1"
	return c
}

func (h *harness) send(t *testing.T, action string, form url.Values) Response {
	t.Helper()
	res := h.gw.HandleCallback(context.Background(), provider.Callback{Action: action, Form: form})
	require.Equal(t, 200, res.HTTPStatus)
	resp, ok := res.Body.(Response)
	require.True(t, ok)
	return resp
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func sha1hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
