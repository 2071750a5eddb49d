// Package lb selects backends for resolved routes.
//
// A Balancer hands out backends with Lease and takes them back with Release.
// Callers must release every backend they successfully leased exactly once,
// on every exit path of the forwarded call, with ReleaseFor when the request
// is at hand. Releasing a backend the balancer
// does not know is a no-op.
//
// Three strategies exist, chosen per route by name: NoLoadBalancer rotates
// over the current instances, LeastConnection picks the instance with the
// fewest calls in flight, and CookieStickySessions pins a session cookie to
// the backend an inner strategy chose for it. Factory builds them and House
// keeps one live instance per route identity.
package lb

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/fabian4/routegate/internal/model"
)

// Balancer is a load balancing strategy bound to one route.
type Balancer interface {
	// Type is the strategy name, one of the model load balancer types.
	Type() string
	// Lease selects a backend for one outbound call.
	Lease(ctx context.Context, r *http.Request) (model.Backend, error)
	// Release returns a backend obtained from Lease.
	Release(b model.Backend)
}

// requestReleaser is implemented by balancers whose release depends on the
// request the lease was taken for.
type requestReleaser interface {
	ReleaseFor(r *http.Request, b model.Backend)
}

// ReleaseFor returns backend, leased from b for r. Callers that still have
// the request should use it instead of b.Release.
func ReleaseFor(b Balancer, r *http.Request, backend model.Backend) {
	if rr, ok := b.(requestReleaser); ok {
		rr.ReleaseFor(r, backend)
		return
	}
	b.Release(backend)
}

// Supplier returns the instances currently serving a route. It may block on
// I/O; balancers never call it while holding their own lock. An empty result
// means the service has no instances right now.
type Supplier interface {
	Instances(ctx context.Context) ([]model.Backend, error)
}

// SupplierFunc adapts a function to Supplier.
type SupplierFunc func(ctx context.Context) ([]model.Backend, error)

func (f SupplierFunc) Instances(ctx context.Context) ([]model.Backend, error) { return f(ctx) }

func instances(ctx context.Context, s Supplier, key string) ([]model.Backend, error) {
	backends, err := s.Instances(ctx)
	if err != nil {
		return nil, &model.ServiceUnavailableError{Key: key, Err: err}
	}
	if len(backends) == 0 {
		return nil, &model.ServiceUnavailableError{Key: key}
	}
	return backends, nil
}

// invariantLog throttles reports of bookkeeping bugs so a hot path cannot
// flood the log.
var invariantLog = rate.Sometimes{First: 10, Interval: 10 * time.Second}

func reportInvariant(msg string, fields log.Fields) {
	invariantLog.Do(func() {
		log.WithFields(fields).Error(msg)
	})
}
