package verify

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"paygate/internal/core"
)

func clickFields() ClickFields {
	return ClickFields{
		TransID:         "2001",
		ServiceID:       "77",
		MerchantTransID: "ORDER_1_20260101120000-click-0a1b2c3d",
		Amount:          "50000.00",
		Action:          "0",
		SignTime:        "2026-01-01 12:00:00",
	}
}

func TestClickSign_KnownVector(t *testing.T) {
	// md5("a" + "b" + "s" + "c" + "1" + "0" + "t")
	got := ClickSign(ClickFields{TransID: "a", ServiceID: "b", MerchantTransID: "c", Amount: "1", Action: "0", SignTime: "t"}, "s")
	require.Equal(t, "0d07809a2dd758bca721ce2909f5344a", got)
}

func TestClickVerifier(t *testing.T) {
	v := ClickVerifier{Secret: "secret"}
	f := clickFields()
	sign := ClickSign(f, "secret")

	require.NoError(t, v.Verify(f, sign))
	require.NoError(t, v.Verify(f, strings.ToUpper(sign)))

	t.Run("every single byte alteration is rejected", func(t *testing.T) {
		for i := 0; i < len(sign); i++ {
			b := []byte(sign)
			if b[i] == 'f' {
				b[i] = '0'
			} else {
				b[i] = 'f'
			}
			err := v.Verify(f, string(b))
			require.Error(t, err, "position %d", i)
			require.True(t, errors.Is(err, ErrSignature))
		}
	})

	t.Run("field change is rejected", func(t *testing.T) {
		f2 := f
		f2.Amount = "50000.01"
		require.ErrorIs(t, v.Verify(f2, sign), core.ErrSignature)
	})

	t.Run("empty signature", func(t *testing.T) {
		require.ErrorIs(t, v.Verify(f, ""), core.ErrSignature)
	})
}

func TestSortedSign(t *testing.T) {
	fields := map[string]string{
		"transaction_id": "u-1",
		"amount":         "5000000",
		"order_id":       "1",
		"status":         "success",
		"signature":      "ignored",
	}
	want := sha256hex("amount=5000000&order_id=1&status=success&transaction_id=u-1" + "k")
	require.Equal(t, want, SortedSign(fields, "signature", "k"))

	// the excluded field's value does not matter
	fields["signature"] = "other"
	require.Equal(t, want, SortedSign(fields, "signature", "k"))
}

func TestSortedVerifier(t *testing.T) {
	v := SortedVerifier{Secret: "k"}
	fields := map[string]string{"order_id": "1", "amount": "100", "error_code": ""}
	fields["signature"] = SortedSign(fields, "signature", "k")
	require.NoError(t, v.Verify(fields))

	fields["amount"] = "101"
	require.ErrorIs(t, v.Verify(fields), core.ErrSignature)

	delete(fields, "signature")
	require.ErrorIs(t, v.Verify(fields), core.ErrSignature)
}

func TestBasicAuthVerifier(t *testing.T) {
	v := BasicAuthVerifier{Login: "Paycom", Key: "key"}

	tests := []struct {
		name   string
		header string
		ok     bool
	}{
		{"valid", BasicAuthHeader("Paycom", "key"), true},
		{"lowercase scheme", "basic " + BasicAuthHeader("Paycom", "key")[6:], true},
		{"wrong key", BasicAuthHeader("Paycom", "nope"), false},
		{"wrong login", BasicAuthHeader("other", "key"), false},
		{"no colon", "Basic " + "UGF5Y29t", false},
		{"garbage", "Basic !!!", false},
		{"missing", "", false},
		{"bearer", "Bearer abc", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.header)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, core.ErrSignature)
			require.Equal(t, core.KindSignature, core.KindOf(err))
		})
	}
}
