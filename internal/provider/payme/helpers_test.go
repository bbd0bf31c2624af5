package payme

import (
	"context"
	"encoding/json"
	"net/http"
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

const testKey = "payme-key"

type harness struct {
	store *memory.Store
	pub   *events.Recorder
	gw    *Gateway
}

func newHarness(t *testing.T, policy config.PolicyCfg) *harness {
	t.Helper()
	store := memory.NewStore()
	store.PutOrder(order.Order{
		ID:            1,
		UserID:        7,
		Status:        order.StatusPending,
		PaymentStatus: order.PaymentPending,
		Total:         50000,
		Items: []order.Item{
			{Title: "Tea", Price: 20000, Count: 2, Code: "10101001001000000", VatPercent: 12},
			{Title: "Cup", Price: 10000, Count: 1, Code: "10101001001000001", VatPercent: 12},
		},
	})
	pub := &events.Recorder{}
	ledger := provider.NewLedger(store, reconcile.New(pub), nil)
	gw := New(config.PaymeCfg{
		MerchantID:  "5e730e8e0b852a417aa49ceb",
		Key:         testKey,
		CheckoutURL: "https://checkout.paycom.uz",
		MinorFactor: 100,
		Timeout:     time.Second,
	}, policy, ledger)
	return &harness{store: store, pub: pub, gw: gw}
}

// seedPending stores a PENDING payme payment the way the orchestrator does.
func (h *harness) seedPending(t *testing.T, orderID int64, amount payment.Money) *payment.Payment {
	t.Helper()
	p, err := payment.New(orderID, payment.NewTransactionID(payment.MethodPayme, time.Now()), amount, payment.UZS, payment.MethodPayme)
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

func (h *harness) byTx(t *testing.T, txID string) *payment.Payment {
	t.Helper()
	p, err := h.store.Payments().FindByTransactionID(context.Background(), payment.MethodPayme, txID)
	require.NoError(t, err)
	return p
}

func (h *harness) order(t *testing.T, id int64) *order.Order {
	t.Helper()
	o, err := h.store.Orders().FindByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (h *harness) rawCall(t *testing.T, auth string, body []byte) Response {
	t.Helper()
	headers := http.Header{}
	if auth != "" {
		headers.Set("Authorization", auth)
	}
	res := h.gw.HandleCallback(context.Background(), provider.Callback{Headers: headers, Body: body})
	require.Equal(t, http.StatusOK, res.HTTPStatus)
	resp, ok := res.Body.(Response)
	require.True(t, ok)
	return resp
}

func (h *harness) call(t *testing.T, method string, params map[string]any) Response {
	t.Helper()
	body, err := json.Marshal(map[string]any{"id": 42, "method": method, "params": params})
	require.NoError(t, err)
	return h.rawCall(t, verify.BasicAuthHeader("Paycom", testKey), body)
}

// ok asserts a result answer and returns it.
func ok(t *testing.T, resp Response) map[string]any {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error %+v", resp.Error)
	out, isMap := resp.Result.(map[string]any)
	require.True(t, isMap)
	return out
}

// code asserts an error answer and returns its code.
func code(t *testing.T, resp Response) int {
	t.Helper()
	require.Nil(t, resp.Result)
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func createParams(id string, amount int64, orderID any) map[string]any {
	return map[string]any{
		"id":      id,
		"time":    time.Now().UnixMilli(),
		"amount":  amount,
		"account": map[string]any{"order_id": orderID},
	}
}

func idParams(id string) map[string]any {
	return map[string]any{"id": id}
}
