// Package discovery supplies the current instances serving a route.
//
// Only static sources exist: a route's inline backends or a named service
// from configuration. Both satisfy lb.Supplier, so a dynamic registry can be
// added behind the same interface.
package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/fabian4/routegate/internal/lb"
	"github.com/fabian4/routegate/internal/model"
)

// Static is a fixed instance list.
type Static []model.Backend

var _ lb.Supplier = Static(nil)

// Instances returns a copy of the list so callers cannot mutate it.
func (s Static) Instances(context.Context) ([]model.Backend, error) {
	return append([]model.Backend(nil), s...), nil
}

// Provider resolves routes to suppliers over the configured services.
// Service endpoints are read on every call, so Update takes effect for
// balancers that already exist.
type Provider struct {
	mu       sync.RWMutex
	services map[string]model.Service
}

var _ lb.SupplierSource = (*Provider)(nil)

func NewProvider(services []model.Service) *Provider {
	p := &Provider{}
	p.Update(services)
	return p
}

// Update replaces the known services.
func (p *Provider) Update(services []model.Service) {
	m := make(map[string]model.Service, len(services))
	for _, s := range services {
		m[s.Name] = s
	}
	p.mu.Lock()
	p.services = m
	p.mu.Unlock()
}

// Service returns the named service.
func (p *Provider) Service(name string) (model.Service, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.services[name]
	return s, ok
}

// For returns the route's inline backends when it has any, else a supplier
// over its named service.
func (p *Provider) For(r *model.Route) (lb.Supplier, error) {
	if len(r.Backends) > 0 {
		return Static(r.Backends), nil
	}
	if r.Service == "" {
		return nil, fmt.Errorf("route %q has neither backends nor service", r.Name)
	}
	if _, ok := p.Service(r.Service); !ok {
		return nil, fmt.Errorf("route %q: unknown service %q", r.Name, r.Service)
	}
	return &serviceSupplier{provider: p, name: r.Service}, nil
}

type serviceSupplier struct {
	provider *Provider
	name     string
}

func (s *serviceSupplier) Instances(context.Context) ([]model.Backend, error) {
	svc, ok := s.provider.Service(s.name)
	if !ok {
		return nil, fmt.Errorf("service %q no longer configured", s.name)
	}
	return append([]model.Backend(nil), svc.Endpoints...), nil
}
