package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"paygate/internal/core"
)

// maxBody caps request bodies; provider callbacks are a few KB at most.
const maxBody = 1 << 20

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("writing response")
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusOf maps an error kind to its HTTP status.
func statusOf(k core.Kind) int {
	switch k {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindSignature:
		return http.StatusUnauthorized
	case core.KindStateConflict:
		return http.StatusConflict
	case core.KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	status := statusOf(kind)
	msg := err.Error()
	var ce *core.Error
	if errors.As(err, &ce) && ce.Message != "" {
		msg = ce.Message
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		if kind == core.KindInternal {
			msg = "internal error"
		}
	}
	WriteJSON(w, status, errorBody{Error: string(kind), Message: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return core.Validation("decode", "invalid JSON: "+err.Error())
	}
	return nil
}
