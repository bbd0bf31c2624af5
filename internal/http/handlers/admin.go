package handlers

import (
	"net/http"

	"paygate/internal/services/replay"
)

// ReplayPayments re-applies stored payment statuses to their orders.
func ReplayPayments(svc *replay.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req replay.Request
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := svc.Replay(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}
