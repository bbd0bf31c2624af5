package handlers

import (
	"io"
	"mime"
	"net/http"
	"net/url"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"paygate/internal/domain/payment"
	"paygate/internal/provider"
)

// ProviderCallback hands an inbound provider request to the method's
// gateway and writes back whatever the gateway answers. action is passed
// through for providers with several callback routes.
func ProviderCallback(reg *provider.Registry, m payment.Method, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gw, err := reg.Get(m)
		if err != nil {
			log.Error().Err(err).Str("method", string(m)).Msg("callback for unregistered gateway")
			WriteJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: err.Error()})
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}

		cb := provider.Callback{
			Action:  action,
			Headers: r.Header,
			Body:    body,
		}
		if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/x-www-form-urlencoded" {
			form, err := url.ParseQuery(string(body))
			if err != nil {
				http.Error(w, "bad form", http.StatusBadRequest)
				return
			}
			cb.Form = form
		}

		log.Debug().
			Str("method", string(m)).
			Str("action", action).
			Str("request_id", chimw.GetReqID(r.Context())).
			Int("bytes", len(body)).
			Msg("provider callback received")

		res := gw.HandleCallback(r.Context(), cb)
		status := res.HTTPStatus
		if status == 0 {
			status = http.StatusOK
		}
		WriteJSON(w, status, res.Body)
	}
}
