package memory

import (
	"encoding/json"
	"time"

	"paygate/internal/domain/order"
	"paygate/internal/domain/payment"
)

func clonePayment(p *payment.Payment) *payment.Payment {
	c := *p
	c.Log = cloneEvents(p.Log)
	c.ProviderCreatedAt = cloneTime(p.ProviderCreatedAt)
	c.PerformedAt = cloneTime(p.PerformedAt)
	c.CancelledAt = cloneTime(p.CancelledAt)
	if p.CancelReason != nil {
		reason := *p.CancelReason
		c.CancelReason = &reason
	}
	return &c
}

func cloneEvents(in []payment.Event) []payment.Event {
	out := make([]payment.Event, len(in))
	for i, ev := range in {
		out[i] = ev
		if ev.Data != nil {
			out[i].Data = append(json.RawMessage(nil), ev.Data...)
		}
	}
	return out
}

func cloneOrder(o *order.Order) *order.Order {
	c := *o
	c.Items = append([]order.Item(nil), o.Items...)
	c.PaidAt = cloneTime(o.PaidAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
