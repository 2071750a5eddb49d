package lb

import (
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/fabian4/routegate/internal/model"
)

// Creator builds a balancer for a route. *Factory is the production Creator.
type Creator interface {
	Create(r *model.Route) (Balancer, error)
}

// House keeps one live balancer per route identity for the life of the
// process. Lookups and replacements happen under a single mutex that is never
// held across I/O. Replaced balancers are closed after the mutex is released.
type House struct {
	factory Creator

	mu        sync.Mutex
	balancers map[string]Balancer // +checklocks:mu
}

func NewHouse(factory Creator) *House {
	return &House{factory: factory, balancers: make(map[string]Balancer)}
}

// Get returns the route's balancer, building one when none is cached or the
// configured type differs from the cached one. Failed builds are not cached.
func (h *House) Get(r *model.Route) (Balancer, error) {
	key := r.LoadBalancerKey()
	want, ok := CanonicalType(r.LoadBalancer.Type)
	if !ok {
		return nil, &model.ConfigurationError{Route: key, Reason: fmt.Sprintf("unknown load balancer type %q", r.LoadBalancer.Type)}
	}

	h.mu.Lock()
	old, ok := h.balancers[key]
	if ok && old.Type() == want {
		h.mu.Unlock()
		return old, nil
	}
	b, err := h.factory.Create(r)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	h.balancers[key] = b
	h.mu.Unlock()

	if ok {
		log.WithFields(log.Fields{"route": key, "from": old.Type(), "to": b.Type()}).Info("load balancer replaced")
		closeBalancer(key, old)
	}
	return b, nil
}

// Retain drops every balancer whose identity is not in keys. It runs after a
// configuration reload with the identities of the new route table.
func (h *House) Retain(keys map[string]struct{}) int {
	h.mu.Lock()
	var dropped []string
	var gone []Balancer
	for k, b := range h.balancers {
		if _, ok := keys[k]; !ok {
			delete(h.balancers, k)
			dropped = append(dropped, k)
			gone = append(gone, b)
		}
	}
	h.mu.Unlock()

	for i, b := range gone {
		closeBalancer(dropped[i], b)
	}
	return len(gone)
}

// Len returns the number of cached balancers.
func (h *House) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.balancers)
}

// Close closes and forgets every cached balancer.
func (h *House) Close() error {
	h.Retain(nil)
	return nil
}

func closeBalancer(key string, b Balancer) {
	c, ok := b.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.WithError(err).WithField("route", key).Warn("closing load balancer")
	}
}
