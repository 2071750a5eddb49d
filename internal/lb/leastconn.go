package lb

import (
	"context"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/fabian4/routegate/internal/model"
)

// LeastConnection leases the instance with the fewest calls in flight. Ties go
// to the instance seen first.
type LeastConnection struct {
	key      string
	services Supplier

	mu     sync.Mutex
	leases []*lease // +checklocks:mu
}

// lease pairs a backend with its in-flight count.
type lease struct {
	backend     model.Backend
	connections int
}

var _ Balancer = (*LeastConnection)(nil)

func NewLeastConnection(key string, services Supplier) *LeastConnection {
	return &LeastConnection{key: key, services: services}
}

func (b *LeastConnection) Type() string { return model.LeastConnection }

func (b *LeastConnection) Lease(ctx context.Context, _ *http.Request) (model.Backend, error) {
	backends, err := instances(ctx, b.services, b.key)
	if err != nil {
		return model.Backend{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.reconcileLocked(backends)
	best := b.leases[0]
	for _, l := range b.leases[1:] {
		if l.connections < best.connections {
			best = l
		}
	}
	best.connections++
	return best.backend, nil
}

func (b *LeastConnection) Release(backend model.Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, l := range b.leases {
		if l.backend != backend {
			continue
		}
		if l.connections <= 0 {
			reportInvariant("least connection: release without lease, counter clamped at zero", log.Fields{
				"route":   b.key,
				"backend": backend.String(),
			})
			l.connections = 0
			return
		}
		l.connections--
		return
	}
}

// reconcileLocked drops leases for instances that went away and adds empty
// leases for new ones, keeping the existing order.
//
// +checklocks:b.mu
func (b *LeastConnection) reconcileLocked(backends []model.Backend) {
	current := make(map[model.Backend]struct{}, len(backends))
	for _, be := range backends {
		current[be] = struct{}{}
	}

	kept := b.leases[:0]
	for _, l := range b.leases {
		if _, ok := current[l.backend]; ok {
			kept = append(kept, l)
			delete(current, l.backend)
		}
	}
	for i := len(kept); i < len(b.leases); i++ {
		b.leases[i] = nil
	}
	b.leases = kept

	for _, be := range backends {
		if _, isNew := current[be]; isNew {
			b.leases = append(b.leases, &lease{backend: be})
			delete(current, be)
		}
	}
}

// InFlight returns the current in-flight count per known backend.
func (b *LeastConnection) InFlight() map[model.Backend]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[model.Backend]int, len(b.leases))
	for _, l := range b.leases {
		out[l.backend] = l.connections
	}
	return out
}
