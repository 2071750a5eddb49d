package lb

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/fabian4/routegate/internal/model"
)

// NoLoadBalancer rotates over the current instances. It keeps no per-backend
// state, so Release is a no-op.
type NoLoadBalancer struct {
	key      string
	services Supplier
	next     atomic.Uint64
}

var _ Balancer = (*NoLoadBalancer)(nil)

func NewNoLoadBalancer(key string, services Supplier) *NoLoadBalancer {
	return &NoLoadBalancer{key: key, services: services}
}

func (b *NoLoadBalancer) Type() string { return model.NoLoadBalancer }

func (b *NoLoadBalancer) Lease(ctx context.Context, _ *http.Request) (model.Backend, error) {
	backends, err := instances(ctx, b.services, b.key)
	if err != nil {
		return model.Backend{}, err
	}
	i := b.next.Add(1) - 1
	return backends[i%uint64(len(backends))], nil
}

func (b *NoLoadBalancer) Release(model.Backend) {}
