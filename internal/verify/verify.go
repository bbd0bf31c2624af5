// Package verify authenticates inbound provider callbacks. Every check here
// runs before a lock or a store transaction is opened.
package verify

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sort"
	"strings"

	"paygate/internal/core"
)

// ErrSignature is the SignatureError kind sentinel.
var ErrSignature = core.ErrSignature

var (
	errMissing  = errors.New("signature missing")
	errMismatch = errors.New("signature mismatch")
)

// ClickFields are the signed fields of an action-code callback.
type ClickFields struct {
	TransID         string
	ServiceID       string
	MerchantTransID string
	Amount          string // as received on the wire
	Action          string
	SignTime        string
}

// ClickSign is md5 hex over trans_id, service_id, secret, merchant_trans_id,
// amount, action and sign_time, concatenated without separators.
func ClickSign(f ClickFields, secret string) string {
	var b strings.Builder
	b.WriteString(f.TransID)
	b.WriteString(f.ServiceID)
	b.WriteString(secret)
	b.WriteString(f.MerchantTransID)
	b.WriteString(f.Amount)
	b.WriteString(f.Action)
	b.WriteString(f.SignTime)
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ClickVerifier checks sign_string of Click callbacks.
type ClickVerifier struct {
	Secret string
}

func (v ClickVerifier) Verify(f ClickFields, signString string) error {
	if signString == "" {
		return core.Signature("verify.click", errMissing)
	}
	want := ClickSign(f, v.Secret)
	if !equalFold(want, signString) {
		return core.Signature("verify.click", errMismatch)
	}
	return nil
}

// SortedSign is sha256 hex of "k1=v1&k2=v2..." over keys in ascending
// order, the key named skip left out, followed directly by the secret.
func SortedSign(fields map[string]string, skip, secret string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == skip {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	b.WriteString(secret)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// SortedVerifier checks payloads signed with SortedSign; Field names the
// key carrying the signature.
type SortedVerifier struct {
	Secret string
	Field  string
}

func (v SortedVerifier) Verify(fields map[string]string) error {
	field := v.Field
	if field == "" {
		field = "signature"
	}
	got := fields[field]
	if got == "" {
		return core.Signature("verify.sorted", errMissing)
	}
	if !equalFold(SortedSign(fields, field, v.Secret), got) {
		return core.Signature("verify.sorted", errMismatch)
	}
	return nil
}

// BasicAuthVerifier checks "Authorization: Basic base64(login:key)".
type BasicAuthVerifier struct {
	Login string
	Key   string
}

func (v BasicAuthVerifier) Verify(header string) error {
	const prefix = "Basic "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return core.Signature("verify.basic", errMissing)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return core.Signature("verify.basic", err)
	}
	login, key, ok := strings.Cut(string(raw), ":")
	if !ok {
		return core.Signature("verify.basic", errMismatch)
	}
	loginOK := subtle.ConstantTimeCompare([]byte(login), []byte(v.Login)) == 1
	keyOK := subtle.ConstantTimeCompare([]byte(key), []byte(v.Key)) == 1
	if !loginOK || !keyOK {
		return core.Signature("verify.basic", errMismatch)
	}
	return nil
}

// BasicAuthHeader builds the header value BasicAuthVerifier accepts.
func BasicAuthHeader(login, key string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(login+":"+key))
}

// equalFold compares hex digests in constant time, ignoring letter case.
func equalFold(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(got))) == 1
}
