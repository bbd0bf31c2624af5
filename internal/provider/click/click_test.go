package click

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/domain/order"
	"paygate/internal/domain/payment"
	"paygate/internal/provider"
)

func TestPrepareThenComplete(t *testing.T) {
	h := newHarness(t)
	p := h.seedPending(t, 1, 50000)

	resp := h.send(t, "prepare", prepareCall(p, "50000.00").form(testSecret))
	require.Equal(t, CodeSuccess, resp.Error)
	require.Equal(t, p.ID, resp.MerchantPrepareID)
	require.Equal(t, "2001", resp.ClickTransID)
	require.Equal(t, payment.StatusPending, h.payment(t, p.ID).Status)

	c := completeCall(p, "50000.00")
	c.prepareID = strconv.FormatInt(p.ID, 10)
	resp = h.send(t, "complete", c.form(testSecret))
	require.Equal(t, CodeSuccess, resp.Error)
	require.Equal(t, p.ID, resp.MerchantConfirmID)

	stored := h.payment(t, p.ID)
	require.Equal(t, payment.StatusPaid, stored.Status)
	require.NotNil(t, stored.PerformedAt)
	paydoc, ok := stored.LookupField(payment.EventCallback, "click_paydoc_id")
	require.True(t, ok)
	require.Equal(t, "3001", paydoc)

	o := h.order(t, 1)
	require.Equal(t, order.PaymentPaid, o.PaymentStatus)
	require.Equal(t, order.StatusConfirmed, o.Status)
	require.NotNil(t, o.PaidAt)
	require.Len(t, h.pub.Events(), 1)
}

func TestComplete_DuplicateAnswersAlreadyPaidWithoutReconcile(t *testing.T) {
	h := newHarness(t)
	p := h.seedPending(t, 1, 50000)
	form := completeCall(p, "50000").form(testSecret)

	require.Equal(t, CodeSuccess, h.send(t, "complete", form).Error)
	version := h.order(t, 1).Version
	logLen := len(h.payment(t, p.ID).Log)

	require.Equal(t, CodeAlreadyPaid, h.send(t, "complete", form).Error)
	require.Equal(t, version, h.order(t, 1).Version)
	require.Len(t, h.payment(t, p.ID).Log, logLen)
	require.Len(t, h.pub.Events(), 1)
}

func TestComplete_ConcurrentDeliveryCreditsOnce(t *testing.T) {
	h := newHarness(t)
	p := h.seedPending(t, 1, 50000)
	form := completeCall(p, "50000.00").form(testSecret)

	const n = 10
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := h.gw.HandleCallback(context.Background(), provider.Callback{Action: "complete", Form: form})
			codes[i] = res.Body.(Response).Error
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, c := range codes {
		if c == CodeSuccess {
			ok++
		} else {
			assert.Equal(t, CodeAlreadyPaid, c)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, int64(1), h.order(t, 1).Version)
}

func TestSignature_AnyByteAlteredIsRejected(t *testing.T) {
	h := newHarness(t)
	p := h.seedPending(t, 1, 50000)
	form := completeCall(p, "50000.00").form(testSecret)
	sign := form.Get("sign_string")

	for i := 0; i < len(sign); i++ {
		b := []byte(sign)
		if b[i] == 'a' {
			b[i] = 'b'
		} else {
			b[i] = 'a'
		}
		bad := url.Values{}
		for k, v := range form {
			bad[k] = v
		}
		bad.Set("sign_string", string(b))

		resp := h.send(t, "complete", bad)
		require.Equal(t, CodeSignFailed, resp.Error, "position %d", i)
	}

	require.Equal(t, payment.StatusPending, h.payment(t, p.ID).Status)
	require.Equal(t, order.PaymentPending, h.order(t, 1).PaymentStatus)
	require.Len(t, h.payment(t, p.ID).Log, 1)
}

func TestSignature_WrongSecret(t *testing.T) {
	h := newHarness(t)
	p := h.seedPending(t, 1, 50000)
	resp := h.send(t, "prepare", prepareCall(p, "50000.00").form("other-secret"))
	require.Equal(t, CodeSignFailed, resp.Error)
}

func TestPrepare_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness, p *payment.Payment) call
		want  int
	}{
		{
			name: "amount in major units is not minor units",
			setup: func(t *testing.T, h *harness, p *payment.Payment) call {
				return prepareCall(p, "500.00")
			},
			want: CodeBadAmount,
		},
		{
			name: "amount off by one tiyin",
			setup: func(t *testing.T, h *harness, p *payment.Payment) call {
				return prepareCall(p, "50000.01")
			},
			want: CodeBadAmount,
		},
		{
			name: "unparseable amount",
			setup: func(t *testing.T, h *harness, p *payment.Payment) call {
				return prepareCall(p, "5e4")
			},
			want: CodeBadAmount,
		},
		{
			name: "bad merchant_trans_id",
			setup: func(t *testing.T, h *harness, p *payment.Payment) call {
				c := prepareCall(p, "50000.00")
				c.merchantTransID = "1_" + p.TransactionID
				return c
			},
			want: CodeOrderNotFound,
		},
		{
			name: "order not found",
			setup: func(t *testing.T, h *harness, p *payment.Payment) call {
				c := prepareCall(p, "50000.00")
				c.merchantTransID = MerchantTransID(99, p.TransactionID)
				return c
			},
			want: CodeOrderNotFound,
		},
		{
			name: "action mismatch with route",
			setup: func(t *testing.T, h *harness, p *payment.Payment) call {
				c := prepareCall(p, "50000.00")
				c.action = "1"
				return c
			},
			want: CodeActionNotFound,
		},
		{
			name: "unknown action",
			setup: func(t *testing.T, h *harness, p *payment.Payment) call {
				c := prepareCall(p, "50000.00")
				c.action = "5"
				return c
			},
			want: CodeActionNotFound,
		},
		{
			name: "transaction already cancelled",
			setup: func(t *testing.T, h *harness, p *payment.Payment) call {
				_, err := h.gw.ledger.Mutate(context.Background(), p.ID, func(p *payment.Payment) error {
					return p.Transition(payment.StatusCancelled)
				})
				require.NoError(t, err)
				return prepareCall(p, "50000.00")
			},
			want: CodeTxCancelled,
		},
		{
			name: "order already paid by another payment",
			setup: func(t *testing.T, h *harness, p *payment.Payment) call {
				other := h.seedPending(t, 1, 50000)
				require.Equal(t, CodeSuccess, h.send(t, "complete", completeCall(other, "50000").form(testSecret)).Error)
				return prepareCall(p, "50000.00")
			},
			want: CodeAlreadyPaid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			p := h.seedPending(t, 1, 50000)
			before := h.payment(t, p.ID)

			resp := h.send(t, "prepare", tt.setup(t, h, p).form(testSecret))
			require.Equal(t, tt.want, resp.Error)
			require.NotEqual(t, payment.StatusPaid, h.payment(t, p.ID).Status)
			if tt.want != CodeTxCancelled && tt.want != CodeAlreadyPaid {
				require.Equal(t, before.Log, h.payment(t, p.ID).Log)
			}
		})
	}
}

func TestPrepare_WrongServiceID(t *testing.T) {
	h := newHarness(t)
	p := h.seedPending(t, 1, 50000)
	h.gw.cfg.ServiceID = "78"

	resp := h.send(t, "prepare", prepareCall(p, "50000.00").form(testSecret))
	require.Equal(t, CodeBadRequest, resp.Error)
}

func TestPrepare_MissingFields(t *testing.T) {
	h := newHarness(t)
	resp := h.send(t, "prepare", url.Values{"click_trans_id": {"1"}})
	require.Equal(t, CodeBadRequest, resp.Error)
}

func TestPrepare_WithoutInitiateCreatesPayment(t *testing.T) {
	h := newHarness(t)
	c := call{
		clickTransID:    "9001",
		merchantTransID: MerchantTransID(1, "click-own-1"),
		amount:          "50000",
		action:          "0",
		errCode:         "0",
		signTime:        "2026-01-01 12:00:00",
	}
	resp := h.send(t, "prepare", c.form(testSecret))
	require.Equal(t, CodeSuccess, resp.Error)

	p := h.payment(t, resp.MerchantPrepareID)
	require.Equal(t, "click-own-1", p.TransactionID)
	require.Equal(t, payment.Money(50000), p.Amount)
	require.Equal(t, payment.StatusPending, p.Status)
}

func TestComplete_ProviderErrorMarksFailed(t *testing.T) {
	h := newHarness(t)
	p := h.seedPending(t, 1, 50000)
	c := completeCall(p, "50000.00")
	c.errCode = "-5017"
	c.errNote = "Insufficient funds"

	resp := h.send(t, "complete", c.form(testSecret))
	require.Equal(t, -5017, resp.Error)
	require.Equal(t, "Insufficient funds", resp.ErrorNote)

	require.Equal(t, payment.StatusFailed, h.payment(t, p.ID).Status)
	o := h.order(t, 1)
	require.Equal(t, order.PaymentFailed, o.PaymentStatus)
	require.Equal(t, order.StatusPending, o.Status)

	// a failed payment never becomes PAID afterwards
	resp = h.send(t, "complete", completeCall(p, "50000.00").form(testSecret))
	require.Equal(t, CodeTxCancelled, resp.Error)
	require.Equal(t, payment.StatusFailed, h.payment(t, p.ID).Status)
}

func TestComplete_AnyNonZeroErrorFails(t *testing.T) {
	for _, tc := range []struct {
		errCode string
		want    int
	}{
		{"5017", 5017},
		{"oops", CodeBadRequest},
		{"-0", CodeBadRequest},
	} {
		t.Run(tc.errCode, func(t *testing.T) {
			h := newHarness(t)
			p := h.seedPending(t, 1, 50000)
			c := completeCall(p, "50000.00")
			c.errCode = tc.errCode

			resp := h.send(t, "complete", c.form(testSecret))
			require.Equal(t, tc.want, resp.Error)
			require.Zero(t, resp.MerchantConfirmID)
			require.Equal(t, payment.StatusFailed, h.payment(t, p.ID).Status)

			o := h.order(t, 1)
			require.Equal(t, order.PaymentFailed, o.PaymentStatus)
			require.Equal(t, order.StatusPending, o.Status)
		})
	}
}

func TestComplete_UnknownTransaction(t *testing.T) {
	h := newHarness(t)
	p := h.seedPending(t, 1, 50000)
	c := completeCall(p, "50000.00")
	c.merchantTransID = MerchantTransID(1, "nope")

	require.Equal(t, CodeTxNotFound, h.send(t, "complete", c.form(testSecret)).Error)
}

func TestComplete_PrepareIDMismatch(t *testing.T) {
	h := newHarness(t)
	p := h.seedPending(t, 1, 50000)
	c := completeCall(p, "50000.00")
	c.prepareID = "999"

	require.Equal(t, CodeTxNotFound, h.send(t, "complete", c.form(testSecret)).Error)
	require.Equal(t, payment.StatusPending, h.payment(t, p.ID).Status)
}

func TestCallback_JSONBody(t *testing.T) {
	h := newHarness(t)
	p := h.seedPending(t, 1, 50000)
	form := prepareCall(p, "50000.00").form(testSecret)
	body := map[string]any{}
	for k := range form {
		body[k] = form.Get(k)
	}
	body["click_trans_id"] = 2001 // numbers arrive unquoted

	res := h.gw.HandleCallback(context.Background(), provider.Callback{Action: "prepare", Body: mustJSON(t, body)})
	require.Equal(t, CodeSuccess, res.Body.(Response).Error)
}

func TestParseMerchantTransID(t *testing.T) {
	id, tx, err := ParseMerchantTransID("ORDER_42_20260101120000-click-0a1b2c3d")
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
	require.Equal(t, "20260101120000-click-0a1b2c3d", tx)

	for _, bad := range []string{"", "ORDER_", "ORDER_42", "ORDER_42_", "ORDER_x_1", "ORDER_-1_a", "order_1_a"} {
		_, _, err := ParseMerchantTransID(bad)
		require.Error(t, err, bad)
	}
}

func TestInitiate_BuildsCheckoutLink(t *testing.T) {
	h := newHarness(t)
	p := h.seedPending(t, 1, 50000)

	resp, err := h.gw.Initiate(context.Background(), provider.InitiateRequest{Payment: p, ReturnURL: "https://shop/return"})
	require.NoError(t, err)
	require.Empty(t, resp.TransactionID)

	u, err := url.Parse(resp.PaymentURL)
	require.NoError(t, err)
	require.Equal(t, "my.click.uz", u.Host)
	q := u.Query()
	require.Equal(t, "77", q.Get("service_id"))
	require.Equal(t, "12", q.Get("merchant_id"))
	require.Equal(t, "50000.00", q.Get("amount"))
	require.Equal(t, MerchantTransID(1, p.TransactionID), q.Get("transaction_param"))
	require.Equal(t, "https://shop/return", q.Get("return_url"))
}

func TestRefund_ReversalAPI(t *testing.T) {
	h := newHarness(t)
	p := h.seedPending(t, 1, 50000)
	require.Equal(t, CodeSuccess, h.send(t, "complete", completeCall(p, "50000.00").form(testSecret)).Error)
	paid := h.payment(t, p.ID)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/payment/reversal/77/3001", r.URL.Path)
		parts := strings.Split(r.Header.Get("Auth"), ":")
		if assert.Len(t, parts, 3) {
			assert.Equal(t, "34", parts[0])
			assert.Len(t, parts[1], 40)
		}
		_, _ = w.Write([]byte(`{"error_code":0,"error_note":"Success","payment_id":3001}`))
	}))
	defer srv.Close()
	h.gw.httpClient.SetBaseURL(srv.URL)

	resp, err := h.gw.Refund(context.Background(), paid, paid.Amount)
	require.NoError(t, err)
	require.Equal(t, "3001", resp.RefundID)
	require.Equal(t, payment.Money(50000), resp.Amount)

	_, err = h.gw.Refund(context.Background(), paid, 60000)
	var perr *provider.ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, provider.ErrInvalidAmount, perr.Code)
}

func TestRefund_PartialReversal(t *testing.T) {
	h := newHarness(t)
	p := h.seedPending(t, 1, 50000)
	require.Equal(t, CodeSuccess, h.send(t, "complete", completeCall(p, "50000.00").form(testSecret)).Error)
	paid := h.payment(t, p.ID)

	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		paths = append(paths, r.URL.Path)
		_, _ = w.Write([]byte(`{"error_code":0,"error_note":"Success","payment_id":3001}`))
	}))
	defer srv.Close()
	h.gw.httpClient.SetBaseURL(srv.URL)

	resp, err := h.gw.Refund(context.Background(), paid, 25000)
	require.NoError(t, err)
	require.Equal(t, payment.Money(25000), resp.Amount)

	// the remainder after a partial reversal is partial too
	paid.RefundedAmount = 25000
	_, err = h.gw.Refund(context.Background(), paid, 25000)
	require.NoError(t, err)

	require.Equal(t, []string{
		"/payment/partial_reversal/77/3001/25000.00",
		"/payment/partial_reversal/77/3001/25000.00",
	}, paths)
}

func TestRefund_Rejected(t *testing.T) {
	h := newHarness(t)
	p := h.seedPending(t, 1, 50000)
	require.Equal(t, CodeSuccess, h.send(t, "complete", completeCall(p, "50000.00").form(testSecret)).Error)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error_code":-16,"error_note":"Payment not found"}`))
	}))
	defer srv.Close()
	h.gw.httpClient.SetBaseURL(srv.URL)
	h.gw.now = func() time.Time { return time.Unix(1700000000, 0) }
	require.Equal(t, "34:"+sha1hex("1700000000"+testSecret)+":1700000000", h.gw.authHeader())

	_, err := h.gw.Refund(context.Background(), h.payment(t, p.ID), 50000)
	var perr *provider.ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, provider.ErrRejected, perr.Code)
	require.Equal(t, "-16", perr.ProviderErr)
}
