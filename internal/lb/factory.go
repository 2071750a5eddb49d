package lb

import (
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/fabian4/routegate/internal/model"
)

// SupplierSource finds the backend supplier serving a route.
type SupplierSource interface {
	For(r *model.Route) (Supplier, error)
}

// SupplierSourceFunc adapts a function to SupplierSource.
type SupplierSourceFunc func(r *model.Route) (Supplier, error)

func (f SupplierSourceFunc) For(r *model.Route) (Supplier, error) { return f(r) }

// Factory builds balancers from route load balancer options.
type Factory struct {
	suppliers SupplierSource
	clock     clockwork.Clock
}

// NewFactory returns a Factory. A nil clock means the real clock.
func NewFactory(suppliers SupplierSource, clock clockwork.Clock) *Factory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Factory{suppliers: suppliers, clock: clock}
}

// CanonicalType maps a configured strategy name, compared case-insensitively,
// to its canonical spelling. An empty name is NoLoadBalancer.
func CanonicalType(name string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", strings.ToLower(model.NoLoadBalancer):
		return model.NoLoadBalancer, true
	case strings.ToLower(model.LeastConnection):
		return model.LeastConnection, true
	case strings.ToLower(model.CookieStickySessions):
		return model.CookieStickySessions, true
	}
	return "", false
}

// Validate checks load balancer options without building anything, so bad
// routes fail at configuration load rather than on first request.
func Validate(key string, o model.LoadBalancerOptions) error {
	typ, ok := CanonicalType(o.Type)
	if !ok {
		return &model.ConfigurationError{Route: key, Reason: fmt.Sprintf("unknown load balancer type %q", o.Type)}
	}
	if typ != model.CookieStickySessions {
		return nil
	}
	if o.CookieName == "" {
		return &model.ConfigurationError{Route: key, Reason: "CookieStickySessions requires a cookie name"}
	}
	if o.Expiry < 0 {
		return &model.ConfigurationError{Route: key, Reason: fmt.Sprintf("negative session expiry %s", o.Expiry)}
	}
	if o.SweepInterval < 0 {
		return &model.ConfigurationError{Route: key, Reason: fmt.Sprintf("negative sweep interval %s", o.SweepInterval)}
	}
	if o.Inner != "" {
		inner, ok := CanonicalType(o.Inner)
		if !ok {
			return &model.ConfigurationError{Route: key, Reason: fmt.Sprintf("unknown inner load balancer type %q", o.Inner)}
		}
		if inner == model.CookieStickySessions {
			return &model.ConfigurationError{Route: key, Reason: "CookieStickySessions cannot wrap itself"}
		}
	}
	return nil
}

// Create builds a fresh balancer for the route, wired to the route's
// supplier.
func (f *Factory) Create(r *model.Route) (Balancer, error) {
	key := r.LoadBalancerKey()
	if err := Validate(key, r.LoadBalancer); err != nil {
		return nil, err
	}
	s, err := f.suppliers.For(r)
	if err != nil {
		return nil, &model.ConfigurationError{Route: key, Reason: err.Error()}
	}
	return f.Build(key, r.LoadBalancer, s)
}

// Build maps o.Type to a strategy bound to s.
func (f *Factory) Build(key string, o model.LoadBalancerOptions, s Supplier) (Balancer, error) {
	if err := Validate(key, o); err != nil {
		return nil, err
	}
	typ, _ := CanonicalType(o.Type)
	switch typ {
	case model.LeastConnection:
		return NewLeastConnection(key, s), nil
	case model.CookieStickySessions:
		innerType := o.Inner
		if innerType == "" {
			innerType = model.LeastConnection
		}
		inner, err := f.Build(key, model.LoadBalancerOptions{Type: innerType}, s)
		if err != nil {
			return nil, err
		}
		ttl := o.Expiry
		if ttl == 0 {
			ttl = model.DefaultSessionExpiry
		}
		return NewCookieStickySessions(key, inner, o.CookieName, ttl, o.SweepInterval, f.clock), nil
	default:
		return NewNoLoadBalancer(key, s), nil
	}
}
