package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EventVersion is bumped whenever the Event envelope changes shape.
const EventVersion = 1

// Event is one entry of the append-only provider exchange log.
type Event struct {
	Version   int             `json:"v"`
	Seq       int             `json:"seq"`
	Kind      EventKind       `json:"kind"`
	Direction Direction       `json:"direction"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventKind names what happened
type EventKind string

const (
	EventCreated          EventKind = "created"
	EventInitiateRequest  EventKind = "initiate.request"
	EventInitiateResponse EventKind = "initiate.response"
	EventInitiateFailed   EventKind = "initiate.failed"
	EventCallback         EventKind = "callback"
	EventStatusChanged    EventKind = "status.changed"
	EventVerify           EventKind = "verify"
	EventRefundRequest    EventKind = "refund.request"
	EventRefundResponse   EventKind = "refund.response"
	EventRefundFailed     EventKind = "refund.failed"
)

// Direction of the exchange relative to this engine
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
	Internal Direction = "internal"
)

// Record appends an event. Data is marshalled as JSON; raw payloads may be
// passed as json.RawMessage or []byte holding JSON.
func (p *Payment) Record(kind EventKind, dir Direction, data any) Event {
	ev := Event{
		Version:   EventVersion,
		Seq:       len(p.Log) + 1,
		Kind:      kind,
		Direction: dir,
		At:        time.Now().UTC(),
		Data:      encodeData(data),
	}
	p.Log = append(p.Log, ev)
	return ev
}

// LastEvent returns the newest event of kind, if any.
func (p *Payment) LastEvent(kind EventKind) (Event, bool) {
	for i := len(p.Log) - 1; i >= 0; i-- {
		if p.Log[i].Kind == kind {
			return p.Log[i], true
		}
	}
	return Event{}, false
}

// LookupField returns the newest value of key among kind events whose data
// is a JSON object. Numbers are returned in their wire form.
func (p *Payment) LookupField(kind EventKind, key string) (string, bool) {
	for i := len(p.Log) - 1; i >= 0; i-- {
		ev := p.Log[i]
		if ev.Kind != kind || len(ev.Data) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(ev.Data))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			continue
		}
		v, ok := obj[key]
		if !ok || v == nil {
			continue
		}
		if s := fmt.Sprint(v); s != "" {
			return s, true
		}
	}
	return "", false
}

func encodeData(data any) json.RawMessage {
	switch v := data.(type) {
	case nil:
		return nil
	case json.RawMessage:
		if json.Valid(v) {
			return v
		}
	case []byte:
		if json.Valid(v) {
			return json.RawMessage(v)
		}
		b, _ := json.Marshal(string(v))
		return b
	}
	b, err := json.Marshal(data)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return b
}
