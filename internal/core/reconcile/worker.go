package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"paygate/internal/domain/payment"
	"paygate/internal/provider"
	"paygate/internal/store/repositories"
)

// Worker polls providers for payments stuck in PENDING, for gateways whose
// callbacks may never arrive.
type Worker struct {
	payments  repositories.PaymentRepository
	gateways  *provider.Registry
	methods   []payment.Method
	pollEvery time.Duration
	minAge    time.Duration
	batch     int
}

func NewWorker(payments repositories.PaymentRepository, gateways *provider.Registry, methods ...payment.Method) *Worker {
	return &Worker{
		payments:  payments,
		gateways:  gateways,
		methods:   methods,
		pollEvery: time.Minute,
		minAge:    2 * time.Minute,
		batch:     50,
	}
}

// WithSchedule overrides the default interval, minimum payment age and batch size.
func (w *Worker) WithSchedule(every, minAge time.Duration, batch int) *Worker {
	if every > 0 {
		w.pollEvery = every
	}
	if minAge >= 0 {
		w.minAge = minAge
	}
	if batch > 0 {
		w.batch = batch
	}
	return w
}

func (w *Worker) Run(ctx context.Context) {
	log.Info().Msg("pending poller: started")
	t := time.NewTicker(w.pollEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("pending poller: stopping")
			return
		case <-t.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one polling round and returns how many payments left PENDING.
func (w *Worker) Tick(ctx context.Context) int {
	settled := 0
	for _, m := range w.methods {
		gw, err := w.gateways.Get(m)
		if err != nil {
			log.Error().Err(err).Str("method", string(m)).Msg("poller: no gateway")
			continue
		}
		stale, err := w.payments.ListByStatus(ctx, m, payment.StatusPending, time.Now().UTC().Add(-w.minAge), w.batch)
		if err != nil {
			log.Error().Err(err).Str("method", string(m)).Msg("poller: list pending failed")
			continue
		}
		for _, p := range stale {
			if ctx.Err() != nil {
				return settled
			}
			if w.handleOne(ctx, gw, p) {
				settled++
			}
		}
	}
	return settled
}

func (w *Worker) handleOne(ctx context.Context, gw provider.Gateway, p *payment.Payment) bool {
	got, err := gw.Verify(ctx, p.TransactionID)
	if err != nil {
		// leave it PENDING; the next round retries
		log.Error().Err(err).
			Int64("payment_id", p.ID).
			Str("transaction_id", p.TransactionID).
			Msg("poller: verify failed")
		return false
	}
	if got.Status == payment.StatusPending {
		return false
	}
	log.Info().
		Int64("payment_id", p.ID).
		Str("transaction_id", p.TransactionID).
		Str("status", string(got.Status)).
		Msg("poller: payment settled")
	return true
}
