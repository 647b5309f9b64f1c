package resilience

import (
	"sort"
	"sync"

	"github.com/sony/gobreaker/v2"
)

// UpstreamStatus is a point-in-time view of one upstream's circuit breaker.
type UpstreamStatus struct {
	// Name is the client name.
	Name string `json:"name"`

	// State is the breaker state: closed, half-open or open.
	State string `json:"state"`

	// Requests and ConsecutiveFailures come from the breaker counts.
	Requests            uint32 `json:"requests"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Available reports whether calls are currently let through.
func (s UpstreamStatus) Available() bool {
	return s.State != gobreaker.StateOpen.String()
}

// Registry tracks the upstream clients of the process so their breaker
// state can be reported by the readiness endpoint.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register adds client under its name, replacing any previous client.
func (r *Registry) Register(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.Name()] = client
}

// Unregister removes the client called name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, name)
}

// Statuses returns the status of every registered client sorted by name.
func (r *Registry) Statuses() []UpstreamStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]UpstreamStatus, 0, len(r.clients))
	for name, c := range r.clients {
		counts := c.CircuitBreakerCounts()
		out = append(out, UpstreamStatus{
			Name:                name,
			State:               c.CircuitBreakerState().String(),
			Requests:            counts.Requests,
			ConsecutiveFailures: counts.ConsecutiveFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Available reports whether the named client's breaker is not open.
// Unknown names are reported unavailable.
func (r *Registry) Available(name string) bool {
	r.mu.RLock()
	c, ok := r.clients[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return c.CircuitBreakerState() != gobreaker.StateOpen
}
