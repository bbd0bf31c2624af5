package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"paygate/internal/core"
	"paygate/internal/domain/payment"
	middlewarex "paygate/internal/http/middleware"
	"paygate/internal/provider"
	paysvc "paygate/internal/services/payment"
	"paygate/internal/services/refund"
)

type initiateReq struct {
	OrderID   int64          `json:"order_id"`
	Amount    int64          `json:"amount"`
	Method    string         `json:"payment_method"`
	Currency  string         `json:"currency,omitempty"`
	ReturnURL string         `json:"return_url,omitempty"`
	CancelURL string         `json:"cancel_url,omitempty"`
	Card      *provider.Card `json:"card,omitempty"`
}

type processReq struct {
	OrderID   int64          `json:"order_id"`
	Method    string         `json:"payment_method"`
	ReturnURL string         `json:"return_url,omitempty"`
	CancelURL string         `json:"cancel_url,omitempty"`
	Card      *provider.Card `json:"card,omitempty"`
}

type refundReq struct {
	Amount *int64 `json:"amount,omitempty"`
}

func InitiatePayment(svc *paysvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middlewarex.UserID(r.Context())
		if !ok {
			http.Error(w, "user not found", http.StatusUnauthorized)
			return
		}
		var in initiateReq
		if err := decodeJSON(w, r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := svc.Initiate(r.Context(), paysvc.InitiateInput{
			OrderID:   in.OrderID,
			UserID:    userID,
			Amount:    payment.Money(in.Amount),
			Method:    in.Method,
			Currency:  payment.Currency(in.Currency),
			ReturnURL: in.ReturnURL,
			CancelURL: in.CancelURL,
			Card:      in.Card,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

func ProcessPayment(svc *paysvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middlewarex.UserID(r.Context())
		if !ok {
			http.Error(w, "user not found", http.StatusUnauthorized)
			return
		}
		var in processReq
		if err := decodeJSON(w, r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := svc.Process(r.Context(), paysvc.ProcessInput{
			OrderID:   in.OrderID,
			UserID:    userID,
			Method:    in.Method,
			ReturnURL: in.ReturnURL,
			CancelURL: in.CancelURL,
			Card:      in.Card,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

func OrderPaymentStatus(svc *paysvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middlewarex.UserID(r.Context())
		if !ok {
			http.Error(w, "user not found", http.StatusUnauthorized)
			return
		}
		orderID, err := pathID(r, "orderID")
		if err != nil {
			writeError(w, r, err)
			return
		}
		view, err := svc.Status(r.Context(), orderID, userID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

// RefundPayment refunds the whole payment unless the body names an amount.
func RefundPayment(svc *refund.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paymentID, err := pathID(r, "paymentID")
		if err != nil {
			writeError(w, r, err)
			return
		}
		var in refundReq
		if r.ContentLength != 0 {
			if err := decodeJSON(w, r, &in); err != nil {
				writeError(w, r, err)
				return
			}
		}
		var amount *payment.Money
		if in.Amount != nil {
			a := payment.Money(*in.Amount)
			amount = &a
		}
		res, err := svc.Refund(r.Context(), paymentID, amount)
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, core.Validation("path", name+" must be a positive integer")
	}
	return id, nil
}
