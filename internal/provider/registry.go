package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"paygate/internal/domain/payment"

	"github.com/rs/zerolog/log"
)

// Registry manages all payment gateways
type Registry struct {
	gateways map[payment.Method]Gateway
	mu       sync.RWMutex
}

// NewRegistry creates a new gateway registry
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[payment.Method]Gateway)}
	for _, g := range gateways {
		r.Register(g)
	}
	return r
}

// Register adds or replaces the gateway for its method
func (r *Registry) Register(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gateways[g.Method()] = g
	_, off := g.(unconfigured)
	log.Info().
		Str("method", string(g.Method())).
		Bool("configured", !off).
		Msg("registered payment gateway")
}

// Get returns the gateway for a method
func (r *Registry) Get(m payment.Method) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.gateways[m]
	if !ok {
		return nil, &ProviderError{
			Code:    "provider_not_found",
			Message: fmt.Sprintf("gateway %s not registered", m),
		}
	}
	return g, nil
}

// Methods returns registered methods in stable order
func (r *Registry) Methods() []payment.Method {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]payment.Method, 0, len(r.gateways))
	for m := range r.gateways {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Unconfigured is the gateway used for a method without credentials. Every
// call fails with ErrProviderNotConfigured.
func Unconfigured(m payment.Method) Gateway {
	return unconfigured{method: m}
}

type unconfigured struct {
	method payment.Method
}

func (u unconfigured) Method() payment.Method { return u.method }

func (u unconfigured) err() error {
	return fmt.Errorf("%s: %w", u.method, ErrProviderNotConfigured)
}

func (u unconfigured) Initiate(context.Context, InitiateRequest) (*InitiateResponse, error) {
	return nil, u.err()
}

func (u unconfigured) HandleCallback(context.Context, Callback) CallbackResult {
	return CallbackResult{
		HTTPStatus: http.StatusServiceUnavailable,
		Body:       map[string]string{"error": u.err().Error()},
	}
}

func (u unconfigured) Verify(context.Context, string) (*payment.Payment, error) {
	return nil, u.err()
}

func (u unconfigured) Refund(context.Context, *payment.Payment, payment.Money) (*RefundResponse, error) {
	return nil, u.err()
}
