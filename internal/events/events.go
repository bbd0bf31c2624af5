package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TopicStatusChanged is the default topic for StatusChanged events.
const TopicStatusChanged = "payment.status.changed"

// StatusChanged is emitted after a payment transition has been committed.
type StatusChanged struct {
	EventID            string    `json:"event_id"`
	PaymentID          int64     `json:"payment_id"`
	OrderID            int64     `json:"order_id"`
	TransactionID      string    `json:"transaction_id"`
	Method             string    `json:"payment_method"`
	From               string    `json:"from"`
	To                 string    `json:"to"`
	OrderPaymentStatus string    `json:"order_payment_status,omitempty"`
	OrderStatus        string    `json:"order_status,omitempty"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// Publisher delivers StatusChanged events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, ev StatusChanged) error
}

// Noop drops events; used when no broker is configured.
type Noop struct{}

func (Noop) Publish(_ context.Context, ev StatusChanged) error {
	log.Debug().
		Int64("payment_id", ev.PaymentID).
		Str("to", ev.To).
		Msg("status change not published (no broker)")
	return nil
}

// Recorder keeps published events in memory, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []StatusChanged
}

func (r *Recorder) Publish(_ context.Context, ev StatusChanged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of what was published so far.
func (r *Recorder) Events() []StatusChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusChanged(nil), r.events...)
}
