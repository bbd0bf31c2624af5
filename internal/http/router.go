package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"paygate/internal/config"
	"paygate/internal/domain/payment"
	"paygate/internal/http/handlers"
	middlewarex "paygate/internal/http/middleware"
	"paygate/internal/provider"
	paysvc "paygate/internal/services/payment"
	"paygate/internal/services/refund"
	"paygate/internal/services/replay"
)

// RouterDependencies holds all dependencies for the HTTP router
type RouterDependencies struct {
	Config   config.Cfg
	Payments *paysvc.Service
	Refunds  *refund.Service
	Replay   *replay.Service
	Gateways *provider.Registry
	// Ping checks the backing store for /health; nil skips the check.
	Ping func(ctx context.Context) error
}

// NewRouter creates the HTTP router
func NewRouter(deps RouterDependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", health(deps))

	// Admin routes (protected by admin token)
	r.Route("/admin", func(r chi.Router) {
		r.Use(middlewarex.AdminAuth(deps.Config.Sec.AdminToken))

		// Re-apply stored payment statuses to orders after an outage
		r.Post("/reconcile", handlers.ReplayPayments(deps.Replay))
	})

	// Provider callbacks (public, verified by each gateway)
	r.Route("/callbacks", func(r chi.Router) {
		r.Post("/click/prepare", handlers.ProviderCallback(deps.Gateways, payment.MethodClick, "prepare"))
		r.Post("/click/complete", handlers.ProviderCallback(deps.Gateways, payment.MethodClick, "complete"))
		r.Post("/payme", handlers.ProviderCallback(deps.Gateways, payment.MethodPayme, ""))
		r.Post("/uzum", handlers.ProviderCallback(deps.Gateways, payment.MethodUzum, ""))
	})

	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middlewarex.UserIdentity)
			r.Post("/initiate", handlers.InitiatePayment(deps.Payments))
			r.Post("/process", handlers.ProcessPayment(deps.Payments))
			r.Get("/orders/{orderID}", handlers.OrderPaymentStatus(deps.Payments))
		})

		// Refunds (protected by admin token)
		r.Group(func(r chi.Router) {
			r.Use(middlewarex.AdminAuth(deps.Config.Sec.AdminToken))
			r.Post("/{paymentID}/refund", handlers.RefundPayment(deps.Refunds))
		})
	})

	return r
}

func health(deps RouterDependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if deps.Ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Ping(ctx); err != nil {
				log.Error().Err(err).Msg("health: store unreachable")
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		var methods []payment.Method
		if deps.Gateways != nil {
			methods = deps.Gateways.Methods()
		}
		handlers.WriteJSON(w, code, map[string]any{
			"status":   status,
			"env":      deps.Config.App.Env,
			"gateways": methods,
		})
	}
}
